// Package docstore implements the versioned-document CRUD+SSE contract
// shared by every small piece of UI-owned state the control plane persists
// on the user's behalf: sidebar preferences, terminal UI layout, and
// settings. Each instance is a single JSON document guarded by an
// If-Match/version compare-and-set, replicated to every subscriber over SSE
// as a "<name>.patch" event, and optionally mirrored into the global hub so
// a frontend can use a single SSE connection for everything.
package docstore

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/canxin121/opencode-studio-sub001/internal/hub"
	"github.com/canxin121/opencode-studio-sub001/internal/logging"
	"github.com/canxin121/opencode-studio-sub001/internal/storage"
)

// Document is the generic, field-agnostic representation of a stored JSON
// object: every instance reads/writes through this map rather than a
// concrete struct, so the same hub machinery serves preferences, terminal
// state, and settings alike.
type Document map[string]json.RawMessage

// Sanitizer trims and validates a document's shape before it is persisted.
// It always runs, both on data loaded from disk and on incoming PUT bodies.
type Sanitizer func(Document) Document

// Seed produces the zero-value document for an instance that has never been
// written.
type Seed func() Document

type subscriber struct {
	id     uint64
	frames chan hub.Frame
	lagged chan struct{}
	once   sync.Once
}

func (s *subscriber) markLagged() {
	s.once.Do(func() { close(s.lagged) })
}

// Mirror lets a document hub fan its patches into the global event hub when
// that hub has at least one attached subscriber, so a frontend only needs
// one SSE connection for the whole app.
type Mirror struct {
	DownstreamCount func() int
	Publish         func(payloadJSON []byte)
}

// Hub is one versioned document instance.
type Hub struct {
	name string // SSE event type, e.g. "chat-sidebar-preferences"
	path string

	sanitize Sanitizer
	seed     Seed
	mirror   Mirror

	// forceReplayOnZero makes a subscriber connecting with no Last-Event-ID
	// (or Last-Event-ID: 0) receive an immediate full-document snapshot
	// instead of waiting for the next patch. The settings hub needs this
	// (a freshly-loaded settings panel has no prior state to fall back on);
	// the sidebar-preferences and terminal-UI-state hubs do not.
	forceReplayOnZero bool

	putMu  sync.Mutex // serializes PUTs within this process
	diskMu sync.Mutex // guards the cross-process flock handshake

	cacheMu sync.RWMutex
	cache   Document
	loaded  bool

	ring *hub.Ring

	subMu     sync.Mutex
	subs      map[uint64]*subscriber
	nextSubID uint64
}

// New constructs a document hub backed by the JSON file at path.
// replayMaxBytes bounds the Last-Event-ID replay buffer. forceReplayOnZero
// controls whether a subscriber with no Last-Event-ID is force-replayed a
// full snapshot (see Hub.forceReplayOnZero).
func New(name, path string, replayMaxBytes int, sanitize Sanitizer, seed Seed, mirror Mirror, forceReplayOnZero bool) *Hub {
	return &Hub{
		name:              name,
		path:              path,
		sanitize:          sanitize,
		seed:              seed,
		mirror:            mirror,
		forceReplayOnZero: forceReplayOnZero,
		ring:              hub.NewRing(replayMaxBytes),
		subs:              make(map[uint64]*subscriber),
	}
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func docVersion(d Document) uint64 {
	raw, ok := d["version"]
	if !ok {
		return 0
	}
	var v uint64
	_ = json.Unmarshal(raw, &v)
	return v
}

func setUint64(d Document, key string, v uint64) {
	b, _ := json.Marshal(v)
	d[key] = b
}

func setInt64(d Document, key string, v int64) {
	b, _ := json.Marshal(v)
	d[key] = b
}

func (h *Hub) loadFromDisk() Document {
	raw, err := os.ReadFile(h.path)
	if err != nil {
		return h.sanitize(h.seed())
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return h.sanitize(h.seed())
	}
	return h.sanitize(doc)
}

func (h *Hub) persistToDisk(doc Document) error {
	dir := filepath.Dir(h.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create documents directory: %w", err)
	}

	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	tmp := fmt.Sprintf("%s.tmp.%d.%d", h.path, os.Getpid(), nowMillis())
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, h.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func (h *Hub) readCached() Document {
	h.cacheMu.RLock()
	if h.loaded {
		doc := h.cache
		h.cacheMu.RUnlock()
		return doc
	}
	h.cacheMu.RUnlock()

	loaded := h.loadFromDisk()

	h.cacheMu.Lock()
	defer h.cacheMu.Unlock()
	if h.loaded {
		return h.cache
	}
	h.cache = loaded
	h.loaded = true
	return loaded
}

func (h *Hub) writeCached(doc Document) {
	h.cacheMu.Lock()
	h.cache = doc
	h.loaded = true
	h.cacheMu.Unlock()
}

// invalidateCache forces the next Snapshot/Get to re-read from disk. It is
// the fsnotify-driven complement to the compare-and-set write path: a
// sibling process writing this document's file is not otherwise visible
// to this process until the next PUT takes the file lock.
func (h *Hub) invalidateCache() {
	h.cacheMu.Lock()
	h.loaded = false
	h.cacheMu.Unlock()
}

// WatchForExternalWrites watches this document's file for writes made by
// other processes and invalidates the in-memory cache so the next read
// picks them up, without waiting for this process's own PUT path to run.
// It does not replace the If-Match compare-and-set protocol: a concurrent
// external write can still race a local PUT, which is why Put always
// re-reads from disk under the file lock regardless of cache state.
func (h *Hub) WatchForExternalWrites(stop <-chan struct{}) {
	dir := filepath.Dir(h.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logging.Warn().Err(err).Str("doc", h.name).Msg("docstore: failed to ensure document directory before watching")
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.Warn().Err(err).Str("doc", h.name).Msg("docstore: failed to create filesystem watcher")
		return
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		logging.Warn().Err(err).Str("doc", h.name).Str("dir", dir).Msg("docstore: failed to watch document directory")
		return
	}

	target := filepath.Clean(h.path)
	for {
		select {
		case <-stop:
			return
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logging.Debug().Err(err).Str("doc", h.name).Msg("docstore: filesystem watch error")
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				h.invalidateCache()
			}
		}
	}
}

// Snapshot returns the current document, loading it from disk on first use.
func (h *Hub) Snapshot() Document {
	return h.readCached()
}

type putPrecondition int

const (
	preconditionOK putPrecondition = iota
	preconditionMissing
	preconditionConflict
)

func parseIfMatchVersion(header string) (uint64, bool) {
	raw := strings.TrimSpace(header)
	if raw == "" || raw == "*" {
		return 0, false
	}
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "W/"))
	raw = strings.Trim(raw, `"`)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func validatePutPrecondition(header string, currentVersion uint64) putPrecondition {
	expected, ok := parseIfMatchVersion(header)
	if !ok {
		return preconditionMissing
	}
	if expected != currentVersion {
		return preconditionConflict
	}
	return preconditionOK
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Get serves a GET of the current document.
func (h *Hub) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Snapshot())
}

// Put serves an If-Match compare-and-set PUT of the document.
func (h *Hub) Put(w http.ResponseWriter, r *http.Request) {
	h.putMu.Lock()
	defer h.putMu.Unlock()

	lock := storage.NewFileLock(h.path)
	if err := lock.Lock(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	defer lock.Unlock()

	current := h.loadFromDisk()
	h.writeCached(current)

	switch validatePutPrecondition(r.Header.Get("If-Match"), docVersion(current)) {
	case preconditionMissing:
		writeJSON(w, http.StatusPreconditionRequired, map[string]any{
			"error":   "Missing If-Match version precondition",
			"code":    "missing_precondition",
			"current": current,
		})
		return
	case preconditionConflict:
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":   "document version conflict",
			"code":    "version_conflict",
			"current": current,
		})
		return
	}

	var body Document
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	doc := h.sanitize(body)
	setUint64(doc, "version", docVersion(current)+1)
	setInt64(doc, "updatedAt", nowMillis())

	if err := h.persistToDisk(doc); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	h.writeCached(doc)
	h.publishReplace(doc)
	writeJSON(w, http.StatusOK, doc)
}

func (h *Hub) publishReplace(doc Document) {
	payload := map[string]any{
		"type": h.name + ".patch",
		"seq":  h.ring.LatestSeq() + 1,
		"ts":   nowMillis(),
		"properties": map[string]any{
			"ops": []map[string]any{
				{"type": "preferences.replace", h.name: doc},
			},
		},
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return
	}
	h.publish(encoded)
}

func (h *Hub) publish(payloadJSON []byte) {
	seq := h.ring.NextSeq()
	frame := hub.Frame{Seq: seq, Bytes: hub.SSEFrame(seq, payloadJSON)}
	if h.ring.FitsBudget(len(frame.Bytes)) {
		h.ring.Store(frame)
	} else {
		h.ring.MarkUnbuffered(seq)
		logging.Warn().Str("doc", h.name).Uint64("seq", seq).Msg("document patch too large for replay buffer; sending live only")
	}

	h.subMu.Lock()
	targets := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		targets = append(targets, s)
	}
	h.subMu.Unlock()
	for _, s := range targets {
		select {
		case s.frames <- frame:
		default:
			s.markLagged()
		}
	}

	if h.mirror.DownstreamCount != nil && h.mirror.Publish != nil && h.mirror.DownstreamCount() > 0 {
		h.mirror.Publish(payloadJSON)
	}
}

func (h *Hub) subscribe() *subscriber {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	h.nextSubID++
	s := &subscriber{id: h.nextSubID, frames: make(chan hub.Frame, 128), lagged: make(chan struct{})}
	h.subs[s.id] = s
	return s
}

func (h *Hub) unsubscribe(id uint64) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	delete(h.subs, id)
}

func parseLastEventID(r *http.Request) uint64 {
	raw := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// Events serves the document's SSE stream: subscribe-before-snapshot, then
// either forced-replay-snapshot (on a stale/ahead cursor) or a bounded
// backfill, then live patches with heartbeats and Lagged-close.
func (h *Hub) Events(w http.ResponseWriter, r *http.Request) {
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
	forcedReplay := shouldForceReplay(h.ring, requestedLastEventID, seqAtSubscribe, h.forceReplayOnZero)

	emitFloor := requestedLastEventID
	if emitFloor > seqAtSubscribe {
		emitFloor = seqAtSubscribe
	}

	var forcedFrame *hub.Frame
	var replay []hub.Frame
	if forcedReplay {
		doc := h.Snapshot()
		payload := map[string]any{
			"type": h.name + ".patch",
			"seq":  seqAtSubscribe,
			"ts":   nowMillis(),
			"properties": map[string]any{
				"ops": []map[string]any{
					{"type": "preferences.replace", h.name: doc},
				},
			},
		}
		encoded, _ := json.Marshal(payload)
		f := hub.Frame{Seq: seqAtSubscribe, Bytes: hub.SSEFrame(seqAtSubscribe, encoded)}
		forcedFrame = &f
		emitFloor = seqAtSubscribe
	} else {
		replay = h.ring.ReplaySinceUntil(requestedLastEventID, seqAtSubscribe)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	lastEmitted := emitFloor
	if forcedFrame != nil {
		w.Write(forcedFrame.Bytes)
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

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.lagged:
			logging.Warn().Str("doc", h.name).Msg("document SSE client lagged; closing stream")
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

func shouldForceReplay(r *hub.Ring, lastEventID, seqAtSubscribe uint64, forceOnZero bool) bool {
	if lastEventID == 0 {
		return forceOnZero
	}
	if seqAtSubscribe == 0 {
		return false
	}
	if lastEventID > seqAtSubscribe {
		return true
	}
	latestUnbuffered := r.LatestUnbufferedSeq()
	if latestUnbuffered > seqAtSubscribe {
		latestUnbuffered = seqAtSubscribe
	}
	if latestUnbuffered > 0 && lastEventID < latestUnbuffered {
		return true
	}
	oldest, ok := r.OldestSeq()
	if !ok {
		return false
	}
	return lastEventID+1 < oldest
}

func flushAll(rc *http.ResponseController, flusher http.Flusher) {
	if err := rc.Flush(); err != nil {
		flusher.Flush()
	}
}
