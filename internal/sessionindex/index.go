// Package sessionindex tracks which sessions exist, which directory each
// belongs to, and the runtime status/phase/attention of each session, so the
// UI can render directory-scoped session lists and busy/attention badges
// without round-tripping to the upstream agent on every paint.
package sessionindex

import (
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	recentSessionsLimit        = 40
	deleteTombstoneTTL         = 10 * time.Minute
	defaultStaleRuntimeMaxIdle = 30 * time.Minute
)

// Summary is the denormalized view of a session used for directory listings.
type Summary struct {
	SessionID     string
	DirectoryPath string
	ParentID      string
	Title         string
	UpdatedAt     float64
	Raw           json.RawMessage
}

// Runtime is the current status/phase/attention of a session.
type Runtime struct {
	StatusType    string
	Phase         string
	Attention     string
	EffectiveType string
	UpdatedAt     int64
}

// Recent is one row of the recent-session LRU.
type Recent struct {
	SessionID     string
	DirectoryID   string
	DirectoryPath string
	UpdatedAt     float64
}

type recentCache struct {
	mu    sync.Mutex
	items []Recent
}

func (c *recentCache) upsert(sessionID, directoryID, directoryPath string, updatedAt float64) {
	sid := strings.TrimSpace(sessionID)
	did := strings.TrimSpace(directoryID)
	dir := strings.TrimSpace(directoryPath)
	if sid == "" || did == "" || dir == "" {
		return
	}
	if updatedAt != updatedAt { // NaN guard
		updatedAt = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	filtered := c.items[:0:0]
	for _, it := range c.items {
		if it.SessionID != sid {
			filtered = append(filtered, it)
		}
	}
	filtered = append(filtered, Recent{SessionID: sid, DirectoryID: did, DirectoryPath: dir, UpdatedAt: updatedAt})
	sort.SliceStable(filtered, func(i, j int) bool {
		if filtered[i].UpdatedAt != filtered[j].UpdatedAt {
			return filtered[i].UpdatedAt > filtered[j].UpdatedAt
		}
		return filtered[i].SessionID < filtered[j].SessionID
	})
	if len(filtered) > recentSessionsLimit {
		filtered = filtered[:recentSessionsLimit]
	}
	c.items = filtered
}

func (c *recentCache) remove(sessionID string) {
	sid := strings.TrimSpace(sessionID)
	if sid == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	filtered := c.items[:0:0]
	for _, it := range c.items {
		if it.SessionID != sid {
			filtered = append(filtered, it)
		}
	}
	c.items = filtered
}

func (c *recentCache) snapshot() []Recent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Recent, len(c.items))
	copy(out, c.items)
	return out
}

// Index is the concurrency-safe directory/session index. The zero value is
// not usable; construct with New.
type Index struct {
	mu sync.Mutex

	summaries        map[string]Summary
	directoryBySess  map[string]string   // sessionID -> raw directory path
	sessByDirectory  map[string]map[string]struct{} // normalized directory -> session IDs
	directoryIDByDir map[string]string   // normalized directory -> directory id
	runtime          map[string]Runtime
	deletedAtMillis  map[string]int64

	recent *recentCache

	nowFunc func() time.Time
}

// New constructs an empty Index.
func New() *Index {
	return &Index{
		summaries:        make(map[string]Summary),
		directoryBySess:  make(map[string]string),
		sessByDirectory:  make(map[string]map[string]struct{}),
		directoryIDByDir: make(map[string]string),
		runtime:          make(map[string]Runtime),
		deletedAtMillis:  make(map[string]int64),
		recent:           &recentCache{},
		nowFunc:          time.Now,
	}
}

func normalizeDirectory(path string) string {
	p := strings.TrimSpace(path)
	if p == "" {
		return ""
	}
	p = filepath.ToSlash(p)
	p = strings.TrimRight(p, "/")
	return p
}

func effectiveType(status, phase, attention string) string {
	if attention != "" {
		return "attention"
	}
	if status == "busy" || status == "retry" {
		return "busy"
	}
	if phase == "busy" {
		return "busy"
	}
	if phase == "cooldown" {
		return "cooldown"
	}
	return "idle"
}

func (idx *Index) nowMillis() int64 {
	return idx.nowFunc().UnixMilli()
}

// ReplaceDirectoryMappings replaces the directory-id -> path table wholesale,
// as delivered by a full project list refresh.
func (idx *Index) ReplaceDirectoryMappings(entries map[string]string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.directoryIDByDir = make(map[string]string, len(entries))
	for directoryID, directoryPath := range entries {
		did := strings.TrimSpace(directoryID)
		if did == "" {
			continue
		}
		key := normalizeDirectory(directoryPath)
		if key == "" {
			continue
		}
		idx.directoryIDByDir[key] = did
	}
}

// rawSession holds the fields the index cares about from a raw
// upstream session JSON object: id, directory, parentID, title, time.updated.
type rawSession struct {
	ID       string          `json:"id"`
	Title    string          `json:"title"`
	Slug     string          `json:"slug"`
	Directory string         `json:"directory"`
	ParentID  string         `json:"parentID"`
	ParentID2 string         `json:"parentId"`
	Time      struct {
		Updated float64 `json:"updated"`
	} `json:"time"`
}

// UpsertSummaryFromJSON upserts a session summary from a raw session object,
// mirroring the upstream's own session.created/session.updated payload.
func (idx *Index) UpsertSummaryFromJSON(raw json.RawMessage) {
	var s rawSession
	if err := json.Unmarshal(raw, &s); err != nil {
		return
	}
	sessionID := strings.TrimSpace(s.ID)
	if sessionID == "" {
		return
	}
	directoryPath := strings.TrimSpace(s.Directory)
	if directoryPath == "" {
		return
	}
	directoryKey := normalizeDirectory(directoryPath)
	if directoryKey == "" {
		return
	}
	parentID := strings.TrimSpace(s.ParentID)
	if parentID == "" {
		parentID = strings.TrimSpace(s.ParentID2)
	}
	title := strings.TrimSpace(s.Title)
	if title == "" {
		title = strings.TrimSpace(s.Slug)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	delete(idx.deletedAtMillis, sessionID)

	if oldDirectory, ok := idx.directoryBySess[sessionID]; ok {
		idx.removeSessionFromDirectoryLocked(sessionID, oldDirectory)
	}
	idx.directoryBySess[sessionID] = directoryPath
	idx.addSessionToDirectoryLocked(sessionID, directoryKey)

	directoryID := idx.directoryIDByDir[directoryKey]
	idx.recent.upsert(sessionID, directoryID, directoryPath, s.Time.Updated)

	idx.summaries[sessionID] = Summary{
		SessionID:     sessionID,
		DirectoryPath: directoryPath,
		ParentID:      parentID,
		Title:         title,
		UpdatedAt:     s.Time.Updated,
		Raw:           append(json.RawMessage{}, raw...),
	}
}

func (idx *Index) addSessionToDirectoryLocked(sessionID, directoryKey string) {
	key := normalizeDirectory(directoryKey)
	if key == "" {
		return
	}
	bucket, ok := idx.sessByDirectory[key]
	if !ok {
		bucket = make(map[string]struct{})
		idx.sessByDirectory[key] = bucket
	}
	bucket[sessionID] = struct{}{}
}

func (idx *Index) removeSessionFromDirectoryLocked(sessionID, directory string) {
	key := normalizeDirectory(directory)
	if key == "" {
		return
	}
	bucket, ok := idx.sessByDirectory[key]
	if !ok {
		return
	}
	delete(bucket, sessionID)
	if len(bucket) == 0 {
		delete(idx.sessByDirectory, key)
	}
}

// RemoveSummary deletes a session and records a deletion tombstone so a
// late-arriving upstream event doesn't resurrect it in the UI.
func (idx *Index) RemoveSummary(sessionID string) {
	sid := strings.TrimSpace(sessionID)
	if sid == "" {
		return
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	delete(idx.summaries, sid)
	if directory, ok := idx.directoryBySess[sid]; ok {
		delete(idx.directoryBySess, sid)
		idx.removeSessionFromDirectoryLocked(sid, directory)
	}
	delete(idx.runtime, sid)
	idx.deletedAtMillis[sid] = idx.nowMillis()
	idx.recent.remove(sid)
}

// IsRecentlyDeleted reports whether sessionID was removed within the
// tombstone TTL. Expired tombstones are evicted lazily on read.
func (idx *Index) IsRecentlyDeleted(sessionID string) bool {
	sid := strings.TrimSpace(sessionID)
	if sid == "" {
		return false
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	now := idx.nowMillis()
	cutoff := now - deleteTombstoneTTL.Milliseconds()
	deletedAt, ok := idx.deletedAtMillis[sid]
	if ok && deletedAt >= cutoff {
		return true
	}
	delete(idx.deletedAtMillis, sid)
	return false
}

// Summary returns the summary for sessionID, if any.
func (idx *Index) Summary(sessionID string) (Summary, bool) {
	sid := strings.TrimSpace(sessionID)
	if sid == "" {
		return Summary{}, false
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	s, ok := idx.summaries[sid]
	return s, ok
}

// RecentSessions returns the recent-session LRU, newest first.
func (idx *Index) RecentSessions() []Recent {
	return idx.recent.snapshot()
}

// DirectoryForSession returns the raw (non-normalized) directory path a
// session belongs to.
func (idx *Index) DirectoryForSession(sessionID string) (string, bool) {
	sid := strings.TrimSpace(sessionID)
	if sid == "" {
		return "", false
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	d, ok := idx.directoryBySess[sid]
	return d, ok
}

// DirectoryIDForPath returns the directory id registered for path, if any.
func (idx *Index) DirectoryIDForPath(path string) (string, bool) {
	key := normalizeDirectory(path)
	if key == "" {
		return "", false
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	id, ok := idx.directoryIDByDir[key]
	return id, ok
}

// SessionIDsForDirectory returns the set of session IDs bucketed under
// directory.
func (idx *Index) SessionIDsForDirectory(directory string) map[string]struct{} {
	key := normalizeDirectory(directory)
	out := make(map[string]struct{})
	if key == "" {
		return out
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for sid := range idx.sessByDirectory[key] {
		out[sid] = struct{}{}
	}
	return out
}

func parseRuntimeStatus(raw json.RawMessage) string {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		s := strings.TrimSpace(asString)
		if s != "" {
			return s
		}
	}
	var withType struct {
		Type   string `json:"type"`
		Status struct {
			Type string `json:"type"`
		} `json:"status"`
	}
	if err := json.Unmarshal(raw, &withType); err == nil {
		if t := strings.TrimSpace(withType.Type); t != "" {
			return t
		}
		if t := strings.TrimSpace(withType.Status.Type); t != "" {
			return t
		}
	}
	return "idle"
}

// MergeRuntimeStatusMap updates runtime status for every session in
// payload (map of sessionID -> status value/object) without touching
// sessions absent from the map, and returns the set of sessions the map
// reported busy/retry.
func (idx *Index) MergeRuntimeStatusMap(payload map[string]json.RawMessage) map[string]struct{} {
	busy := make(map[string]struct{})
	for sid, raw := range payload {
		sessionID := strings.TrimSpace(sid)
		if sessionID == "" {
			continue
		}
		status := parseRuntimeStatus(raw)
		if status == "busy" || status == "retry" {
			busy[sessionID] = struct{}{}
		}
		idx.UpsertRuntimeStatus(sessionID, status)
	}
	return busy
}

// ReconcileRuntimeStatusMap merges the status map, then reconciles the
// resulting busy set against the full runtime table (anything not named
// busy/retry in payload is pushed back to idle).
func (idx *Index) ReconcileRuntimeStatusMap(payload map[string]json.RawMessage) map[string]struct{} {
	busy := idx.MergeRuntimeStatusMap(payload)
	idx.ReconcileBusySet(busy)
	return busy
}

// UpsertRuntimeStatus updates the status_type field of a session's runtime
// record, recomputing effective_type, and writes only if something actually
// changed so idle polling never produces spurious updates.
func (idx *Index) UpsertRuntimeStatus(sessionID, statusType string) {
	sid := strings.TrimSpace(sessionID)
	status := strings.TrimSpace(statusType)
	if sid == "" || status == "" {
		return
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	current, had := idx.runtime[sid]
	phase := "idle"
	attention := ""
	if had {
		phase = current.Phase
		attention = current.Attention
	}
	effective := effectiveType(status, phase, attention)

	if had && current.StatusType == status && current.Phase == phase && current.Attention == attention && current.EffectiveType == effective {
		return
	}

	idx.runtime[sid] = Runtime{
		StatusType:    status,
		Phase:         phase,
		Attention:     attention,
		EffectiveType: effective,
		UpdatedAt:     idx.nowMillis(),
	}
}

// UpsertRuntimePhase updates the phase field of a session's runtime record.
func (idx *Index) UpsertRuntimePhase(sessionID, phaseType string) {
	sid := strings.TrimSpace(sessionID)
	phase := strings.TrimSpace(phaseType)
	if sid == "" || phase == "" {
		return
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	current, had := idx.runtime[sid]
	status := "idle"
	attention := ""
	if had {
		status = current.StatusType
		attention = current.Attention
	}
	effective := effectiveType(status, phase, attention)

	if had && current.StatusType == status && current.Phase == phase && current.Attention == attention && current.EffectiveType == effective {
		return
	}

	idx.runtime[sid] = Runtime{
		StatusType:    status,
		Phase:         phase,
		Attention:     attention,
		EffectiveType: effective,
		UpdatedAt:     idx.nowMillis(),
	}
}

// UpsertRuntimeAttention sets or clears the attention field ("permission",
// "question", or "" to clear).
func (idx *Index) UpsertRuntimeAttention(sessionID, attentionKind string) {
	sid := strings.TrimSpace(sessionID)
	if sid == "" {
		return
	}

	attention := ""
	switch strings.ToLower(strings.TrimSpace(attentionKind)) {
	case "permission":
		attention = "permission"
	case "question":
		attention = "question"
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	current, had := idx.runtime[sid]
	status := "idle"
	phase := "idle"
	if had {
		status = current.StatusType
		phase = current.Phase
	}
	effective := effectiveType(status, phase, attention)

	if had && current.StatusType == status && current.Phase == phase && current.Attention == attention && current.EffectiveType == effective {
		return
	}

	idx.runtime[sid] = Runtime{
		StatusType:    status,
		Phase:         phase,
		Attention:     attention,
		EffectiveType: effective,
		UpdatedAt:     idx.nowMillis(),
	}
}

// ReconcileBusySet pushes every session in busyIDs to "busy" (unless
// already busy/retry) and every session not in busyIDs that is currently
// busy/retry back to "idle". Unscoped: covers the whole runtime table.
func (idx *Index) ReconcileBusySet(busyIDs map[string]struct{}) {
	for sid := range busyIDs {
		trimmed := strings.TrimSpace(sid)
		if trimmed == "" {
			continue
		}
		idx.mu.Lock()
		cur := idx.runtime[trimmed].StatusType
		idx.mu.Unlock()
		if cur == "busy" || cur == "retry" {
			continue
		}
		idx.UpsertRuntimeStatus(trimmed, "busy")
	}

	idx.mu.Lock()
	var stale []string
	for sid, rt := range idx.runtime {
		if (rt.StatusType == "busy" || rt.StatusType == "retry") && !inSet(busyIDs, sid) {
			stale = append(stale, sid)
		}
	}
	idx.mu.Unlock()

	for _, sid := range stale {
		idx.UpsertRuntimeStatus(sid, "idle")
	}
}

// ReconcileBusySetScoped is like ReconcileBusySet but only ever touches
// sessions named in scopeSessionIDs, leaving the rest of the runtime table
// untouched. Used when reconciling a single directory's fetch result.
func (idx *Index) ReconcileBusySetScoped(busyIDs, scopeSessionIDs map[string]struct{}) {
	for sid := range scopeSessionIDs {
		trimmed := strings.TrimSpace(sid)
		if trimmed == "" {
			continue
		}

		idx.mu.Lock()
		cur := idx.runtime[trimmed].StatusType
		idx.mu.Unlock()
		shouldBeBusy := inSet(busyIDs, trimmed)

		if shouldBeBusy {
			if cur != "busy" && cur != "retry" {
				idx.UpsertRuntimeStatus(trimmed, "busy")
			}
			continue
		}

		if cur == "busy" || cur == "retry" {
			idx.UpsertRuntimeStatus(trimmed, "idle")
		}
	}
}

func inSet(set map[string]struct{}, key string) bool {
	_, ok := set[key]
	return ok
}

// RuntimeSnapshot returns a JSON-marshalable snapshot of the runtime table
// keyed by session id.
func (idx *Index) RuntimeSnapshot() map[string]any {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	out := make(map[string]any, len(idx.runtime))
	for sid, rt := range idx.runtime {
		var attention any
		if rt.Attention != "" {
			attention = rt.Attention
		}
		out[sid] = map[string]any{
			"sessionID":  sid,
			"type":       rt.EffectiveType,
			"statusType": rt.StatusType,
			"phase":      rt.Phase,
			"attention":  attention,
			"updatedAt":  rt.UpdatedAt,
		}
	}
	return out
}

// PruneStaleRuntimeEntries removes runtime records that have been fully
// idle (status, phase, and attention all clear) for longer than maxIdleAge,
// and sweeps expired deletion tombstones in the same pass.
func (idx *Index) PruneStaleRuntimeEntries(maxIdleAge time.Duration) {
	if maxIdleAge <= 0 {
		maxIdleAge = defaultStaleRuntimeMaxIdle
	}

	idx.mu.Lock()
	now := idx.nowMillis()
	cutoff := now - maxIdleAge.Milliseconds()

	for sid, rt := range idx.runtime {
		if rt.StatusType == "idle" && rt.Phase == "idle" && rt.Attention == "" && rt.UpdatedAt < cutoff {
			delete(idx.runtime, sid)
		}
	}

	tombstoneCutoff := now - deleteTombstoneTTL.Milliseconds()
	for sid, deletedAt := range idx.deletedAtMillis {
		if deletedAt < tombstoneCutoff {
			delete(idx.deletedAtMillis, sid)
		}
	}
	idx.mu.Unlock()
}
