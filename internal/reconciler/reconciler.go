// Package reconciler periodically corrects drift between the in-memory
// directory/session index + activity tracker and the upstream agent's own
// authoritative /session/status, so a hard refresh (or a missed SSE event)
// never leaves the UI showing a stale "running" session.
package reconciler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/canxin121/opencode-studio-sub001/internal/activity"
	"github.com/canxin121/opencode-studio-sub001/internal/logging"
	"github.com/canxin121/opencode-studio-sub001/internal/sessionindex"
	"github.com/canxin121/opencode-studio-sub001/internal/supervisor"
)

const (
	// WakeInterval is how often the background loop reconciles.
	WakeInterval = 4 * time.Second

	// FetchConcurrency caps simultaneous per-directory status fetches,
	// mirroring the Rust original's buffer_unordered(6).
	FetchConcurrency = 6

	// IdleRetention is how long an idle entry survives before pruning.
	IdleRetention = 30 * time.Minute
)

// Reconciler owns no state of its own beyond its wiring; every call reads
// straight through to the index, activity tracker, and supervisor.
type Reconciler struct {
	Supervisor *supervisor.Supervisor
	Index      *sessionindex.Index
	Activity   *activity.Tracker

	// Directories returns the currently configured tracked directory
	// paths (normalized), typically backed by the settings document.
	Directories func() []string
}

// New builds a Reconciler. All fields are required except Directories,
// which defaults to always-empty (unscoped reconcile only) when nil.
func New(sup *supervisor.Supervisor, idx *sessionindex.Index, act *activity.Tracker, directories func() []string) *Reconciler {
	if directories == nil {
		directories = func() []string { return nil }
	}
	return &Reconciler{Supervisor: sup, Index: idx, Activity: act, Directories: directories}
}

// Run wakes every WakeInterval until ctx is cancelled, reconciling on each
// tick. Errors are never propagated out of the loop: they are logged and
// the loop continues, matching the background-task propagation policy
// used for the supervisor's own upstream reader.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(WakeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reconciler) tick(ctx context.Context) {
	r.ReconcileOnce(ctx)
	r.Activity.PruneStaleIdleEntries(IdleRetention)
	r.Index.PruneStaleRuntimeEntries(IdleRetention)
}

// ReconcileOnce performs a single best-effort reconcile pass without
// pruning. It is also called on-demand by the session-activity REST
// handler so a hard refresh reflects the freshest possible state.
func (r *Reconciler) ReconcileOnce(ctx context.Context) {
	status := r.Supervisor.Status()
	if status.Restarting || !status.Ready {
		return
	}

	bridge, ok := r.Supervisor.Bridge()
	if !ok {
		return
	}

	directories := r.Directories()

	if len(directories) == 0 {
		payload, ok := fetchStatusMap(ctx, bridge, "")
		if !ok {
			return
		}
		busy := r.Index.ReconcileRuntimeStatusMap(payload)
		r.Activity.ReconcileBusySet(busy)
		return
	}

	type dirResult struct {
		directory string
		payload   map[string]json.RawMessage
		ok        bool
	}

	results := make([]dirResult, len(directories))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(FetchConcurrency)
	for i, directory := range directories {
		i, directory := i, directory
		g.Go(func() error {
			payload, ok := fetchStatusMap(gctx, bridge, directory)
			results[i] = dirResult{directory: directory, payload: payload, ok: ok}
			return nil
		})
	}
	_ = g.Wait()

	busy := make(map[string]struct{})
	scope := make(map[string]struct{})

	for _, res := range results {
		if !res.ok {
			continue
		}
		localBusy := r.Index.MergeRuntimeStatusMap(res.payload)
		for sid := range r.Index.SessionIDsForDirectory(res.directory) {
			scope[sid] = struct{}{}
		}
		for sid := range localBusy {
			scope[sid] = struct{}{}
			busy[sid] = struct{}{}
		}
	}

	if len(scope) == 0 {
		return
	}

	r.Index.ReconcileBusySetScoped(busy, scope)
	r.Activity.ReconcileBusySetScoped(busy, scope)
}

// fetchStatusMap fetches /session/status, optionally scoped to a
// directory, and decodes it into a sessionID -> raw status map. Any
// failure (network, non-2xx, malformed body) yields ok=false and is
// logged, never propagated.
func fetchStatusMap(ctx context.Context, bridge supervisor.Bridge, directory string) (map[string]json.RawMessage, bool) {
	rawQuery := ""
	if directory != "" {
		rawQuery = "directory=" + url.QueryEscape(directory)
	}
	target := bridge.BuildURL("/session/status", rawQuery)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, false
	}

	client := bridge.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		logging.Debug().Err(err).Str("target", target).Msg("reconciler: status fetch request failed")
		return nil, false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, false
	}

	var payload map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		logging.Debug().Err(err).Str("target", target).Msg("reconciler: status fetch decode failed")
		return nil, false
	}
	return payload, true
}
