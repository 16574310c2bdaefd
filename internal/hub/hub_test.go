package hub

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func publish(r *Ring, payload string) Frame {
	seq := r.NextSeq()
	frame := Frame{Seq: seq, Bytes: SSEFrame(seq, []byte(payload))}
	if r.FitsBudget(len(frame.Bytes)) {
		r.Store(frame)
	} else {
		r.MarkUnbuffered(seq)
	}
	return frame
}

func TestReplaySinceUntilCapsAtSubscribeSeq(t *testing.T) {
	r := NewRing(8 * 1024 * 1024)
	publish(r, `{"type":"event.a"}`)
	seqAtSubscribe := r.LatestSeq()

	publish(r, `{"type":"event.b"}`)

	replay := r.ReplaySinceUntil(0, seqAtSubscribe)
	require.Len(t, replay, 1)
	assert.Equal(t, uint64(1), replay[0].Seq)
}

func TestOversizedFrameIsNotBufferedForReplay(t *testing.T) {
	r := NewRing(1024)
	oversized := strings.Repeat("x", 2048)
	publish(r, `{"type":"event.big","payload":"`+oversized+`"}`)

	assert.Empty(t, r.ReplaySinceUntil(0, r.LatestSeq()))
}

func TestReplayGapSeqMarksUnbufferedOversizedEvents(t *testing.T) {
	r := NewRing(1024)
	publish(r, `{"type":"event.small"}`)
	oversized := strings.Repeat("x", 2048)
	publish(r, `{"type":"event.big","payload":"`+oversized+`"}`)

	seq, ok := r.ReplayGapSeq(1, r.LatestSeq())
	assert.True(t, ok)
	assert.Equal(t, uint64(2), seq)

	_, ok = r.ReplayGapSeq(2, r.LatestSeq())
	assert.False(t, ok)
}

func TestReplayGapForcesReconcileWhenRequestedCursorIsAhead(t *testing.T) {
	r := NewRing(8 * 1024 * 1024)
	publish(r, `{"type":"event.a"}`)

	seqAtSubscribe := r.LatestSeq()
	requestedLastEventID := seqAtSubscribe + 10
	lastEventID := requestedLastEventID
	if lastEventID > seqAtSubscribe {
		lastEventID = seqAtSubscribe
	}

	seq, ok := ReplayGapSeqForSubscriber(r, requestedLastEventID, lastEventID, seqAtSubscribe)
	assert.True(t, ok)
	assert.Equal(t, seqAtSubscribe, seq)
}

func TestReplayGapFrameOmitsIDLine(t *testing.T) {
	frame := ReplayGapFrame("global", 7, 3, 9, []byte(`{"type":"opencode-studio:replay-gap"}`))
	encoded := string(frame)

	assert.NotContains(t, encoded, "id: 7")
	assert.Contains(t, encoded, "event: replay-gap")
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	base := 900 * time.Millisecond
	max := 30 * time.Second
	assert.Equal(t, base, BackoffDelay(0, base, max))
	assert.Equal(t, base, BackoffDelay(1, base, max))
	assert.Equal(t, 2*base, BackoffDelay(2, base, max))
	assert.Equal(t, max, BackoffDelay(20, base, max))
}
