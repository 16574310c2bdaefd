// Package activity tracks each session's busy/idle/cooldown phase. Phase
// feeds the session index's effective_type derivation and the synthetic
// "session-activity" SSE frames the global hub injects for the UI's
// per-session spinner state.
package activity

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// Phase is one of the three states a session's activity can be in.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseBusy     Phase = "busy"
	PhaseCooldown Phase = "cooldown"
)

const cooldownDuration = 2000 * time.Millisecond

type phaseRecord struct {
	phase     Phase
	updatedAt time.Time
}

type cooldownHandle struct {
	token  uint64
	cancel chan struct{}
}

// Tracker is the concurrency-safe phase state machine for every session.
type Tracker struct {
	mu        sync.Mutex
	phases    map[string]phaseRecord
	cooldowns map[string]*cooldownHandle
	nextToken uint64
	nowFunc   func() time.Time
}

// New constructs an empty Tracker.
func New() *Tracker {
	return &Tracker{
		phases:    make(map[string]phaseRecord),
		cooldowns: make(map[string]*cooldownHandle),
		nowFunc:   time.Now,
	}
}

// SnapshotJSON returns a JSON-marshalable phase snapshot keyed by session id.
func (t *Tracker) SnapshotJSON() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]any, len(t.phases))
	for sid, rec := range t.phases {
		out[sid] = map[string]any{"type": string(rec.phase)}
	}
	return out
}

// SetPhase transitions sessionID to phase. Entering Cooldown starts a
// cancellable timer that falls back to Idle after cooldownDuration;
// re-entering Cooldown while already in it keeps the pending timer and does
// not start a second one, and any transition to another phase cancels it.
func (t *Tracker) SetPhase(sessionID string, phase Phase) {
	sid := strings.TrimSpace(sessionID)
	if sid == "" {
		return
	}

	t.mu.Lock()
	existing, had := t.phases[sid]
	phaseChanged := !had || existing.phase != phase

	if phaseChanged || phase != PhaseCooldown {
		if handle, ok := t.cooldowns[sid]; ok {
			close(handle.cancel)
			delete(t.cooldowns, sid)
		}
	}

	t.phases[sid] = phaseRecord{phase: phase, updatedAt: t.nowFunc()}

	if phase != PhaseCooldown {
		t.mu.Unlock()
		return
	}

	if !phaseChanged {
		if _, ok := t.cooldowns[sid]; ok {
			t.mu.Unlock()
			return
		}
	}

	t.nextToken++
	token := t.nextToken
	cancel := make(chan struct{})
	t.cooldowns[sid] = &cooldownHandle{token: token, cancel: cancel}
	t.mu.Unlock()

	go t.runCooldown(sid, token, cancel)
}

func (t *Tracker) runCooldown(sessionID string, token uint64, cancel chan struct{}) {
	timer := time.NewTimer(cooldownDuration)
	defer timer.Stop()

	select {
	case <-timer.C:
		t.mu.Lock()
		if rec, ok := t.phases[sessionID]; ok && rec.phase == PhaseCooldown {
			t.phases[sessionID] = phaseRecord{phase: PhaseIdle, updatedAt: t.nowFunc()}
		}
		t.mu.Unlock()
	case <-cancel:
	}

	t.mu.Lock()
	if handle, ok := t.cooldowns[sessionID]; ok && handle.token == token {
		delete(t.cooldowns, sessionID)
	}
	t.mu.Unlock()
}

// PruneStaleIdleEntries drops phase records that have been Idle for longer
// than maxIdleAge, cancelling any (unexpected) lingering cooldown timer.
func (t *Tracker) PruneStaleIdleEntries(maxIdleAge time.Duration) {
	if maxIdleAge <= 0 {
		return
	}

	t.mu.Lock()
	cutoff := t.nowFunc().Add(-maxIdleAge)
	var stale []string
	for sid, rec := range t.phases {
		if rec.phase == PhaseIdle && rec.updatedAt.Before(cutoff) {
			stale = append(stale, sid)
		}
	}
	for _, sid := range stale {
		delete(t.phases, sid)
		if handle, ok := t.cooldowns[sid]; ok {
			close(handle.cancel)
			delete(t.cooldowns, sid)
		}
	}
	t.mu.Unlock()
}

// ReconcileBusySet marks every session in busyIDs Busy, and pushes every
// currently-Busy session not in busyIDs back to Idle. Best-effort fixup for
// a missed terminal session.idle event.
func (t *Tracker) ReconcileBusySet(busyIDs map[string]struct{}) {
	for sid := range busyIDs {
		t.SetPhase(sid, PhaseBusy)
	}

	t.mu.Lock()
	var staleBusy []string
	for sid, rec := range t.phases {
		if rec.phase == PhaseBusy {
			if _, ok := busyIDs[sid]; !ok {
				staleBusy = append(staleBusy, sid)
			}
		}
	}
	t.mu.Unlock()

	for _, sid := range staleBusy {
		t.SetPhase(sid, PhaseIdle)
	}
}

// ReconcileBusySetScoped is like ReconcileBusySet but only ever touches
// sessions named in scopeSessionIDs.
func (t *Tracker) ReconcileBusySetScoped(busyIDs, scopeSessionIDs map[string]struct{}) {
	for sid := range scopeSessionIDs {
		trimmed := strings.TrimSpace(sid)
		if trimmed == "" {
			continue
		}
		if _, ok := busyIDs[trimmed]; ok {
			t.SetPhase(trimmed, PhaseBusy)
			continue
		}

		t.mu.Lock()
		isBusy := t.phases[trimmed].phase == PhaseBusy
		t.mu.Unlock()
		if isBusy {
			t.SetPhase(trimmed, PhaseIdle)
		}
	}
}

func readSessionID(props map[string]json.RawMessage) string {
	for _, key := range []string{"sessionID", "sessionId", "session_id"} {
		if raw, ok := props[key]; ok {
			var s string
			if json.Unmarshal(raw, &s) == nil {
				s = strings.TrimSpace(s)
				if s != "" {
					return s
				}
			}
		}
	}
	return ""
}

// DeriveSessionActivity inspects a raw upstream event payload (already
// unwrapped from any directory/payload envelope) and returns the session id
// and resulting phase, if the event implies an activity transition.
func DeriveSessionActivity(payload map[string]json.RawMessage) (string, Phase, bool) {
	var eventType string
	if raw, ok := payload["type"]; ok {
		_ = json.Unmarshal(raw, &eventType)
	}

	var props map[string]json.RawMessage
	if raw, ok := payload["properties"]; ok {
		_ = json.Unmarshal(raw, &props)
	}

	switch eventType {
	case "session.status":
		var status map[string]json.RawMessage
		if raw, ok := props["status"]; ok {
			_ = json.Unmarshal(raw, &status)
		}
		sessionID := readSessionID(props)
		var statusType string
		if raw, ok := status["type"]; ok {
			_ = json.Unmarshal(raw, &statusType)
		}
		if sessionID != "" && statusType != "" {
			if statusType == "busy" || statusType == "retry" {
				return sessionID, PhaseBusy, true
			}
			return sessionID, PhaseIdle, true
		}

	case "message.updated", "message.part.updated":
		var info map[string]json.RawMessage
		if raw, ok := props["info"]; ok {
			_ = json.Unmarshal(raw, &info)
		}
		sessionID := readSessionID(info)
		if sessionID == "" {
			sessionID = readSessionID(props)
		}
		var role, finish string
		if raw, ok := info["role"]; ok {
			_ = json.Unmarshal(raw, &role)
		}
		if raw, ok := info["finish"]; ok {
			_ = json.Unmarshal(raw, &finish)
		}
		if sessionID != "" && role == "assistant" && finish == "stop" {
			return sessionID, PhaseCooldown, true
		}

	case "session.idle", "session.error":
		sessionID := readSessionID(props)
		if sessionID != "" {
			return sessionID, PhaseIdle, true
		}
	}

	return "", "", false
}
