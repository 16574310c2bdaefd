// Package globalhub runs the single upstream SSE consumer that bridges the
// opencode agent's own /global/event stream into the control plane: one
// upstream connection, fanned out to every browser tab via the replay-capable
// hub.Ring machinery, with side effects (directory/session index updates,
// activity phase transitions) applied once per upstream event regardless of
// how many downstream clients are attached.
package globalhub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/canxin121/opencode-studio-sub001/internal/activity"
	"github.com/canxin121/opencode-studio-sub001/internal/events"
	"github.com/canxin121/opencode-studio-sub001/internal/hub"
	"github.com/canxin121/opencode-studio-sub001/internal/logging"
	"github.com/canxin121/opencode-studio-sub001/internal/sessionindex"
	"github.com/canxin121/opencode-studio-sub001/internal/supervisor"
)

const (
	replayMaxBytes = 8 * 1024 * 1024

	downstreamRecvTimeout = 25 * time.Second
	upstreamRetryBase     = 900 * time.Millisecond
	upstreamRetryMax      = 30 * time.Second
)

type subscriber struct {
	id     uint64
	frames chan hub.Frame
	lagged chan struct{}
	once   sync.Once
}

func (s *subscriber) markLagged() {
	s.once.Do(func() { close(s.lagged) })
}

// Hub is the global SSE hub: one upstream consumer, many downstream clients.
type Hub struct {
	index    *sessionindex.Index
	activity *activity.Tracker
	sup      *supervisor.Supervisor

	// bus republishes every parsed upstream event (after the synchronous
	// index/activity side effects below have already been applied) for any
	// in-process subscriber that wants session lifecycle notifications
	// without polling REST or attaching its own SSE connection.
	bus *events.Bus

	ring *hub.Ring

	mu        sync.Mutex
	subs      map[uint64]*subscriber
	nextSubID uint64

	started            atomic.Bool
	upstreamConnected  atomic.Bool
	lastDisconnectMu   sync.Mutex
	lastDisconnectText string
}

// New constructs a Hub wired to the shared session index and activity
// tracker, consuming the upstream agent reachable through sup.
func New(index *sessionindex.Index, tracker *activity.Tracker, sup *supervisor.Supervisor) *Hub {
	return &Hub{
		index:    index,
		activity: tracker,
		sup:      sup,
		bus:      events.NewBus(),
		ring:     hub.NewRing(replayMaxBytes),
		subs:     make(map[uint64]*subscriber),
	}
}

// Bus returns the hub's internal event bus, so other in-process components
// can subscribe to session lifecycle notifications (see events.Type) without
// attaching their own SSE client.
func (h *Hub) Bus() *events.Bus {
	return h.bus
}

// DownstreamClientCount returns the number of attached SSE clients.
func (h *Hub) DownstreamClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// IsUpstreamConnected reports whether the upstream consumer currently has a
// live connection to the agent's /global/event stream.
func (h *Hub) IsUpstreamConnected() bool {
	return h.upstreamConnected.Load()
}

// PublishJSON injects an externally-produced event (e.g. a document hub
// mirroring a preferences patch) into the global stream.
func (h *Hub) PublishJSON(payloadJSON []byte) {
	h.publish(payloadJSON, true)
}

func (h *Hub) publish(payloadJSON []byte, store bool) {
	if len(bytes.TrimSpace(payloadJSON)) == 0 {
		return
	}
	seq := h.ring.NextSeq()
	frame := hub.Frame{Seq: seq, Bytes: hub.SSEFrame(seq, payloadJSON)}

	if store {
		if h.ring.FitsBudget(len(frame.Bytes)) {
			h.ring.Store(frame)
		} else {
			h.ring.MarkUnbuffered(seq)
			logging.Warn().Uint64("seq", seq).Int("frameBytes", len(frame.Bytes)).
				Msg("global SSE frame too large for replay buffer; sending live only")
		}
	}

	h.broadcast(frame)
}

func (h *Hub) broadcast(frame hub.Frame) {
	h.mu.Lock()
	targets := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		select {
		case s.frames <- frame:
		default:
			s.markLagged()
		}
	}
}

func (h *Hub) subscribe() *subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextSubID++
	sub := &subscriber{
		id:     h.nextSubID,
		frames: make(chan hub.Frame, 256),
		lagged: make(chan struct{}),
	}
	h.subs[sub.id] = sub
	return sub
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

func (h *Hub) publishDisconnectOnce(reason string) {
	h.lastDisconnectMu.Lock()
	if h.lastDisconnectText == reason {
		h.lastDisconnectMu.Unlock()
		return
	}
	h.lastDisconnectText = reason
	h.lastDisconnectMu.Unlock()

	logging.Warn().Str("reason", reason).Msg("opencode upstream SSE disconnected")

	if reasonBytes, err := json.Marshal(map[string]string{"reason": reason}); err == nil {
		h.bus.Publish(events.Event{Type: events.TypeUpstreamDown, Payload: reasonBytes})
	}

	payload := map[string]any{
		"type":      "opencode-studio:upstream-disconnected",
		"timestamp": time.Now().UnixMilli(),
		"properties": map[string]any{
			"reason": reason,
		},
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return
	}
	// Keep the downstream connection open: closing it here would trigger a
	// browser reconnect storm. Clients reconcile over REST on their own
	// error handlers instead.
	h.publish(encoded, false)
}

// Start launches the upstream consumer goroutine exactly once, for the
// lifetime of ctx. It must be called with a context that lives for the
// whole process (not a per-request context): the consumer is a single
// long-lived background task, independent of how many downstream SSE
// clients are ever attached.
func (h *Hub) Start(ctx context.Context) {
	if !h.started.CompareAndSwap(false, true) {
		return
	}
	go h.consumeLoop(ctx)
	go h.auditLoop(ctx)
}

// auditLoop drains the bus's all-events subscription into structured debug
// logs, so session lifecycle activity is visible in log output even when no
// browser tab is attached to the SSE stream.
func (h *Hub) auditLoop(ctx context.Context) {
	ch, unsubscribe := h.bus.SubscribeAll(64)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			logging.Debug().Str("eventType", string(evt.Type)).RawJSON("payload", evt.Payload).
				Msg("globalhub: event bus notification")
		}
	}
}

func (h *Hub) consumeLoop(ctx context.Context) {
	var lastUpstreamEventID string
	var attempt int

	for {
		if ctx.Err() != nil {
			return
		}

		if h.sup.IsRestarting() {
			h.upstreamConnected.Store(false)
			h.publishDisconnectOnce("opencode restarting")
			sleepOrDone(ctx, time.Second)
			continue
		}

		bridge, ok := h.sup.Bridge()
		if !ok {
			h.upstreamConnected.Store(false)
			h.publishDisconnectOnce("opencode bridge unavailable")
			sleepOrDone(ctx, time.Second)
			continue
		}

		target := bridge.BuildURL("/global/event", "")
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			h.upstreamConnected.Store(false)
			h.publishDisconnectOnce("invalid upstream url")
			sleepOrDone(ctx, time.Second)
			continue
		}
		req.Header.Set("accept", "text/event-stream")
		req.Header.Set("cache-control", "no-cache")
		req.Header.Set("connection", "keep-alive")
		if lastUpstreamEventID != "" {
			req.Header.Set("last-event-id", lastUpstreamEventID)
		}

		resp, err := bridge.SSEClient.Do(req)
		if err != nil {
			h.upstreamConnected.Store(false)
			h.publishDisconnectOnce("failed to connect to upstream SSE")
			attempt++
			sleepOrDone(ctx, hub.BackoffDelay(attempt, upstreamRetryBase, upstreamRetryMax))
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			resp.Body.Close()
			h.upstreamConnected.Store(false)
			h.publishDisconnectOnce("upstream SSE returned non-2xx")
			attempt++
			sleepOrDone(ctx, hub.BackoffDelay(attempt, upstreamRetryBase, upstreamRetryMax))
			continue
		}

		h.upstreamConnected.Store(true)
		attempt = 0
		h.lastDisconnectMu.Lock()
		h.lastDisconnectText = ""
		h.lastDisconnectMu.Unlock()

		logging.Info().Str("lastEventID", lastUpstreamEventID).Int("downstreamClients", h.DownstreamClientCount()).
			Msg("connected to opencode global SSE")

		nextID := h.readUpstream(ctx, resp.Body, lastUpstreamEventID)
		resp.Body.Close()
		if nextID != "" {
			lastUpstreamEventID = nextID
		}

		h.upstreamConnected.Store(false)
		h.publishDisconnectOnce("upstream SSE disconnected")
		attempt++
		sleepOrDone(ctx, hub.BackoffDelay(attempt, upstreamRetryBase, upstreamRetryMax))
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// readUpstream reads and dispatches one upstream connection's worth of SSE
// blocks, returning the last seen upstream event id.
func (h *Hub) readUpstream(ctx context.Context, body io.Reader, lastUpstreamEventID string) string {
	var acc []byte
	var prevCR bool
	scanIdx := 0
	chunk := make([]byte, 16*1024)

	for {
		if ctx.Err() != nil {
			return lastUpstreamEventID
		}

		n, err := body.Read(chunk)
		if n > 0 {
			acc = pushNormalizedSSEChunk(acc, chunk[:n], &prevCR)

			for scanIdx+1 < len(acc) {
				if acc[scanIdx] != '\n' || acc[scanIdx+1] != '\n' {
					scanIdx++
					continue
				}

				block := acc[:scanIdx]
				rest := append([]byte(nil), acc[scanIdx+2:]...)
				acc = rest
				scanIdx = 0

				if id, ok := h.handleBlock(block); ok {
					lastUpstreamEventID = id
				}
			}
		}
		if err != nil {
			return lastUpstreamEventID
		}
	}
}

func pushNormalizedSSEChunk(dst []byte, chunk []byte, prevCR *bool) []byte {
	for _, b := range chunk {
		if *prevCR {
			if b == '\n' {
				*prevCR = false
				continue
			}
			*prevCR = false
		}
		if b == '\r' {
			dst = append(dst, '\n')
			*prevCR = true
		} else {
			dst = append(dst, b)
		}
	}
	return dst
}

// handleBlock parses one SSE block and, if it carries a data payload,
// dispatches it. Returns the block's id line (if any) and whether one was
// found.
func (h *Hub) handleBlock(block []byte) (string, bool) {
	text := strings.TrimSpace(string(block))
	if text == "" {
		return "", false
	}

	var id string
	var dataLines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, " \t")
		if rest, ok := strings.CutPrefix(line, "id:"); ok {
			v := strings.TrimSpace(rest)
			if v != "" {
				id = v
			}
			continue
		}
		if rest, ok := strings.CutPrefix(line, "data:"); ok {
			dataLines = append(dataLines, strings.TrimPrefix(rest, " "))
			continue
		}
	}

	if len(dataLines) == 0 {
		return id, id != ""
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(strings.Join(dataLines, "\n")), &raw); err != nil {
		return id, id != ""
	}

	h.dispatch(raw)

	payloadJSON, err := json.Marshal(raw)
	if err == nil {
		h.PublishJSON(payloadJSON)
	}

	return id, id != ""
}

func unmarshalString(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.TrimSpace(s)
	}
	return ""
}

func readSessionID(props map[string]json.RawMessage) string {
	for _, key := range []string{"sessionID", "sessionId", "session_id"} {
		if raw, ok := props[key]; ok {
			if s := unmarshalString(raw); s != "" {
				return s
			}
		}
	}
	return ""
}

// eventTypeAndProps unwraps an optional {"payload": {...}} envelope before
// reading type/properties, mirroring the upstream's own nesting.
func eventTypeAndProps(raw map[string]json.RawMessage) (string, map[string]json.RawMessage) {
	obj := raw
	if typeRaw, ok := obj["type"]; !ok || unmarshalString(typeRaw) == "" {
		if payloadRaw, ok := obj["payload"]; ok {
			var payload map[string]json.RawMessage
			if json.Unmarshal(payloadRaw, &payload) == nil {
				if t := payload["type"]; unmarshalString(t) != "" {
					obj = payload
				}
			}
		}
	}

	eventType := ""
	if raw, ok := obj["type"]; ok {
		eventType = unmarshalString(raw)
	}
	var props map[string]json.RawMessage
	if raw, ok := obj["properties"]; ok {
		_ = json.Unmarshal(raw, &props)
	}
	return eventType, props
}

func (h *Hub) dispatch(raw map[string]json.RawMessage) {
	eventType, props := eventTypeAndProps(raw)

	switch eventType {
	case "session.created", "session.updated":
		if session, ok := props["session"]; ok {
			h.index.UpsertSummaryFromJSON(session)
		}
	case "session.deleted":
		if sid := readSessionID(props); sid != "" {
			h.index.RemoveSummary(sid)
		}
	case "session.status":
		sid := readSessionID(props)
		var status map[string]json.RawMessage
		if raw, ok := props["status"]; ok {
			_ = json.Unmarshal(raw, &status)
		}
		statusType := ""
		if raw, ok := status["type"]; ok {
			statusType = unmarshalString(raw)
		}
		if sid != "" && (statusType == "busy" || statusType == "retry" || statusType == "idle") {
			h.index.UpsertRuntimeStatus(sid, statusType)
		}
	case "session.idle", "session.error":
		if sid := readSessionID(props); sid != "" {
			h.index.UpsertRuntimeStatus(sid, "idle")
			h.index.UpsertRuntimePhase(sid, "idle")
			h.index.UpsertRuntimeAttention(sid, "")
		}
	case "permission.asked":
		if sid := readSessionID(props); sid != "" {
			h.index.UpsertRuntimeAttention(sid, "permission")
		}
	case "question.asked":
		if sid := readSessionID(props); sid != "" {
			h.index.UpsertRuntimeAttention(sid, "question")
		}
	case "permission.replied", "question.replied", "question.rejected":
		if sid := readSessionID(props); sid != "" {
			h.index.UpsertRuntimeAttention(sid, "")
		}
	}

	// Index/activity side effects above are applied synchronously so a REST
	// read immediately after this SSE event observes consistent state;
	// bus subscribers are a secondary, best-effort fan-out on top of that.
	if t := events.Type(eventType); t != "" {
		if propsBytes, err := json.Marshal(props); err == nil {
			h.bus.Publish(events.Event{Type: t, Payload: propsBytes})
		}
	}

	payload := map[string]json.RawMessage{}
	if eventType != "" {
		if b, err := json.Marshal(eventType); err == nil {
			payload["type"] = b
		}
	}
	if propsBytes, err := json.Marshal(props); err == nil {
		payload["properties"] = propsBytes
	}
	sessionID, phase, ok := activity.DeriveSessionActivity(payload)
	if !ok {
		return
	}
	h.activity.SetPhase(sessionID, phase)
	h.index.UpsertRuntimePhase(sessionID, string(phase))

	if activityBytes, err := json.Marshal(map[string]string{"sessionID": sessionID, "phase": string(phase)}); err == nil {
		h.bus.Publish(events.Event{Type: events.TypeSessionActivity, Payload: activityBytes})
	}

	injected := map[string]any{
		"type": "opencode-studio:session-activity",
		"properties": map[string]any{
			"sessionID": sessionID,
			"phase":     string(phase),
		},
	}
	if encoded, err := json.Marshal(injected); err == nil {
		h.PublishJSON(encoded)
	}
}

func parseLastEventID(r *http.Request) uint64 {
	raw := strings.TrimSpace(r.Header.Get("last-event-id"))
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func replayGapPayload(gapSeq, requestedLastEventID, seqAtSubscribe uint64) []byte {
	payload := map[string]any{
		"type":      "opencode-studio:replay-gap",
		"timestamp": time.Now().UnixMilli(),
		"properties": map[string]any{
			"scope":                "global",
			"requestedLastEventId": requestedLastEventID,
			"seqAtSubscribe":       seqAtSubscribe,
			"gapSeq":               gapSeq,
		},
	}
	b, _ := json.Marshal(payload)
	return b
}

// ServeHTTP is the downstream /api/global/event SSE handler: subscribe
// first, then cap replay to what existed at subscribe time, then stream
// live frames with heartbeats and Lagged-close semantics. The upstream
// consumer itself is started once, at process boot, by the caller (see
// Start); a downstream client attaching or leaving never starts or stops
// it, so index/activity updates keep flowing even with zero browser tabs
// attached.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	rc := http.NewResponseController(w)

	requestedLastEventID := parseLastEventID(r)
	sub := h.subscribe()
	defer h.unsubscribe(sub.id)

	seqAtSubscribe := h.ring.LatestSeq()
	lastEventID := requestedLastEventID
	if lastEventID > seqAtSubscribe {
		lastEventID = seqAtSubscribe
	}

	gapSeq, gapForced := hub.ReplayGapSeqForSubscriber(h.ring, requestedLastEventID, lastEventID, seqAtSubscribe)
	var replay []hub.Frame
	if !gapForced {
		replay = h.ring.ReplaySinceUntil(lastEventID, seqAtSubscribe)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	lastEmitted := lastEventID
	if gapForced {
		if gapSeq > lastEmitted {
			lastEmitted = gapSeq
		}
		fmt.Fprintf(w, "%s", hub.ReplayGapFrame("global", gapSeq, requestedLastEventID, seqAtSubscribe, replayGapPayload(gapSeq, requestedLastEventID, seqAtSubscribe)))
		flushAll(rc, flusher)
	}

	for _, f := range replay {
		if f.Seq <= lastEmitted {
			continue
		}
		lastEmitted = f.Seq
		w.Write(f.Bytes)
		flushAll(rc, flusher)
	}

	ticker := time.NewTicker(downstreamRecvTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.lagged:
			logging.Warn().Uint64("lastEmitted", lastEmitted).Msg("global SSE client lagged; closing stream")
			return
		case f := <-sub.frames:
			if f.Seq <= lastEmitted {
				continue
			}
			lastEmitted = f.Seq
			w.Write(f.Bytes)
			flushAll(rc, flusher)
		case <-ticker.C:
			w.Write(hub.HeartbeatFrame())
			flushAll(rc, flusher)
		}
	}
}

func flushAll(rc *http.ResponseController, flusher http.Flusher) {
	if err := rc.Flush(); err != nil {
		flusher.Flush()
	}
}
