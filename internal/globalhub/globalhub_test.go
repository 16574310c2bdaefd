package globalhub

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canxin121/opencode-studio-sub001/internal/activity"
	"github.com/canxin121/opencode-studio-sub001/internal/events"
	"github.com/canxin121/opencode-studio-sub001/internal/sessionindex"
	"github.com/canxin121/opencode-studio-sub001/internal/supervisor"
)

func newTestHub() *Hub {
	sup := supervisor.New("127.0.0.1", 0, true, "INFO", false)
	return New(sessionindex.New(), activity.New(), sup)
}

func rawEvent(eventType string, properties string) map[string]json.RawMessage {
	raw := map[string]json.RawMessage{}
	raw["type"] = json.RawMessage(`"` + eventType + `"`)
	raw["properties"] = json.RawMessage(properties)
	return raw
}

func TestDispatchSessionCreatedUpsertsIndex(t *testing.T) {
	h := newTestHub()

	h.dispatch(rawEvent("session.created", `{"session":{"id":"ses_1","directory":"/repo","title":"hi","time":{"updated":1.0}}}`))

	summary, ok := h.index.Summary("ses_1")
	require.True(t, ok)
	assert.Equal(t, "/repo", summary.DirectoryPath)
	assert.Equal(t, "hi", summary.Title)
}

func TestDispatchSessionDeletedRemovesIndex(t *testing.T) {
	h := newTestHub()
	h.dispatch(rawEvent("session.created", `{"session":{"id":"ses_1","directory":"/repo","title":"hi","time":{"updated":1.0}}}`))

	h.dispatch(rawEvent("session.deleted", `{"sessionID":"ses_1"}`))

	_, ok := h.index.Summary("ses_1")
	assert.False(t, ok)
	assert.True(t, h.index.IsRecentlyDeleted("ses_1"))
}

func TestDispatchSessionIdleClearsAttentionAndStatus(t *testing.T) {
	h := newTestHub()
	h.dispatch(rawEvent("permission.asked", `{"sessionID":"ses_1"}`))

	h.dispatch(rawEvent("session.idle", `{"sessionID":"ses_1"}`))

	snapshot := h.index.RuntimeSnapshot()
	entry, ok := snapshot["ses_1"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "idle", entry["statusType"])
	assert.Nil(t, entry["attention"])
}

func TestDispatchPublishesOntoBus(t *testing.T) {
	h := newTestHub()
	ch, unsub := h.Bus().SubscribeAll(8)
	defer unsub()

	h.dispatch(rawEvent("permission.asked", `{"sessionID":"ses_1"}`))

	select {
	case evt := <-ch:
		assert.Equal(t, events.TypePermissionAsked, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("expected dispatch to publish onto the bus")
	}
}

func TestDispatchDerivedActivityPublishesSessionActivityEvent(t *testing.T) {
	h := newTestHub()
	ch, unsub := h.Bus().SubscribeAll(8)
	defer unsub()

	h.dispatch(rawEvent("session.status", `{"sessionID":"ses_1","status":{"type":"busy"}}`))

	deadline := time.After(time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Type == events.TypeSessionActivity {
				return
			}
		case <-deadline:
			t.Fatal("expected a session-activity event to be published eventually")
		}
	}
}

func TestDownstreamClientCountAndUpstreamConnectedDefaults(t *testing.T) {
	h := newTestHub()
	assert.Equal(t, 0, h.DownstreamClientCount())
	assert.False(t, h.IsUpstreamConnected())
}

func TestServeHTTPStreamsPublishedFrames(t *testing.T) {
	h := newTestHub()

	req := httptest.NewRequest("GET", "/api/global/event", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(rec, req)
		close(done)
	}()

	// Wait until the subscriber is registered before publishing.
	require.Eventually(t, func() bool { return h.DownstreamClientCount() == 1 }, time.Second, time.Millisecond)

	h.PublishJSON([]byte(`{"type":"session.created","properties":{}}`))

	require.Eventually(t, func() bool {
		return strings.Contains(rec.Body.String(), `"type":"session.created"`)
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ServeHTTP did not return after context cancellation")
	}
}
