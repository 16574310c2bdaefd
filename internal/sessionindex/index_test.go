package sessionindex

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawMsg(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestSummaryIndexUpdatesDirectoryMapping(t *testing.T) {
	idx := New()

	idx.UpsertSummaryFromJSON(rawMsg(t, map[string]any{
		"id": "s_1", "directory": "/tmp/a", "title": "one",
		"time": map[string]any{"updated": 1.0},
	}))
	dir, ok := idx.DirectoryForSession("s_1")
	require.True(t, ok)
	assert.Equal(t, "/tmp/a", dir)

	idx.UpsertSummaryFromJSON(rawMsg(t, map[string]any{
		"id": "s_1", "directory": "/tmp/b", "title": "two",
		"time": map[string]any{"updated": 2.0},
	}))
	dir, ok = idx.DirectoryForSession("s_1")
	require.True(t, ok)
	assert.Equal(t, "/tmp/b", dir)

	idx.RemoveSummary("s_1")
	_, ok = idx.Summary("s_1")
	assert.False(t, ok)
	_, ok = idx.DirectoryForSession("s_1")
	assert.False(t, ok)
}

func TestRuntimeEffectiveTypePrefersPhaseWhenIdleStatus(t *testing.T) {
	idx := New()
	idx.UpsertRuntimePhase("s_1", "busy")
	idx.UpsertRuntimeStatus("s_1", "idle")

	snap := idx.RuntimeSnapshot()
	assert.Equal(t, "busy", snap["s_1"].(map[string]any)["type"])
}

func TestReconcileRuntimeStatusMapUpdatesBusySet(t *testing.T) {
	idx := New()
	busy := idx.ReconcileRuntimeStatusMap(map[string]json.RawMessage{
		"s_busy":  rawMsg(t, map[string]any{"type": "busy"}),
		"s_retry": rawMsg(t, map[string]any{"status": map[string]any{"type": "retry"}}),
		"s_idle":  rawMsg(t, "idle"),
	})

	_, hasBusy := busy["s_busy"]
	_, hasRetry := busy["s_retry"]
	_, hasIdle := busy["s_idle"]
	assert.True(t, hasBusy)
	assert.True(t, hasRetry)
	assert.False(t, hasIdle)

	snap := idx.RuntimeSnapshot()
	assert.Equal(t, "busy", snap["s_busy"].(map[string]any)["statusType"])
	assert.Equal(t, "retry", snap["s_retry"].(map[string]any)["statusType"])
}

func TestMergeRuntimeStatusMapDoesNotClearOtherSessions(t *testing.T) {
	idx := New()
	idx.ReconcileRuntimeStatusMap(map[string]json.RawMessage{
		"s_other": rawMsg(t, map[string]any{"type": "busy"}),
	})
	idx.MergeRuntimeStatusMap(map[string]json.RawMessage{
		"s_target": rawMsg(t, map[string]any{"type": "busy"}),
	})

	snap := idx.RuntimeSnapshot()
	assert.Equal(t, "busy", snap["s_other"].(map[string]any)["statusType"])
	assert.Equal(t, "busy", snap["s_target"].(map[string]any)["statusType"])
}

func TestReconcileBusySetResetsStaleBusySessionsToIdle(t *testing.T) {
	idx := New()
	idx.ReconcileRuntimeStatusMap(map[string]json.RawMessage{
		"s_1": rawMsg(t, map[string]any{"type": "busy"}),
		"s_2": rawMsg(t, map[string]any{"type": "busy"}),
	})

	idx.ReconcileBusySet(map[string]struct{}{"s_2": {}})

	snap := idx.RuntimeSnapshot()
	assert.Equal(t, "idle", snap["s_1"].(map[string]any)["statusType"])
	assert.Equal(t, "busy", snap["s_2"].(map[string]any)["statusType"])
}

func TestReconcileBusySetScopedOnlyUpdatesTargetSessions(t *testing.T) {
	idx := New()
	idx.ReconcileRuntimeStatusMap(map[string]json.RawMessage{
		"s_1": rawMsg(t, map[string]any{"type": "busy"}),
		"s_2": rawMsg(t, map[string]any{"type": "busy"}),
	})

	idx.ReconcileBusySetScoped(map[string]struct{}{}, map[string]struct{}{"s_1": {}})

	snap := idx.RuntimeSnapshot()
	assert.Equal(t, "idle", snap["s_1"].(map[string]any)["statusType"])
	assert.Equal(t, "busy", snap["s_2"].(map[string]any)["statusType"])
}

func TestUpsertRuntimePhaseUnchangedDoesNotBumpUpdatedAt(t *testing.T) {
	idx := New()
	idx.UpsertRuntimePhase("s_1", "busy")
	first := idx.RuntimeSnapshot()["s_1"].(map[string]any)["updatedAt"].(int64)

	time.Sleep(3 * time.Millisecond)
	idx.UpsertRuntimePhase("s_1", "busy")
	second := idx.RuntimeSnapshot()["s_1"].(map[string]any)["updatedAt"].(int64)

	assert.Equal(t, first, second)
}

func TestRecentSessionsSnapshotKeepsLatest40(t *testing.T) {
	idx := New()
	idx.ReplaceDirectoryMappings(map[string]string{"d_1": "/tmp/a"})

	for i := 0; i < 50; i++ {
		idx.UpsertSummaryFromJSON(rawMsg(t, map[string]any{
			"id": sessIDFor(i), "directory": "/tmp/a",
			"title": "session", "time": map[string]any{"updated": float64(i)},
		}))
	}

	recent := idx.RecentSessions()
	require.Len(t, recent, 40)
	assert.Equal(t, sessIDFor(49), recent[0].SessionID)
	assert.Equal(t, sessIDFor(10), recent[len(recent)-1].SessionID)

	for i := 1; i < len(recent); i++ {
		assert.GreaterOrEqual(t, recent[i-1].UpdatedAt, recent[i].UpdatedAt)
	}
}

func sessIDFor(i int) string {
	return "s_" + itoa(i)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

func TestRemoveSummaryEvictsRecentSessionEntry(t *testing.T) {
	idx := New()
	idx.ReplaceDirectoryMappings(map[string]string{"d_1": "/tmp/a"})

	idx.UpsertSummaryFromJSON(rawMsg(t, map[string]any{"id": "s_1", "directory": "/tmp/a", "time": map[string]any{"updated": 10.0}}))
	idx.UpsertSummaryFromJSON(rawMsg(t, map[string]any{"id": "s_2", "directory": "/tmp/a", "time": map[string]any{"updated": 9.0}}))

	idx.RemoveSummary("s_1")
	recent := idx.RecentSessions()
	require.Len(t, recent, 1)
	assert.Equal(t, "s_2", recent[0].SessionID)
}

func TestConcurrentFirstWritersDoNotDropDirectoryBucketMembers(t *testing.T) {
	idx := New()
	var wg sync.WaitGroup
	start := make(chan struct{})

	wg.Add(2)
	go func() {
		defer wg.Done()
		<-start
		idx.mu.Lock()
		idx.addSessionToDirectoryLocked("s_1", "/tmp/a")
		idx.mu.Unlock()
	}()
	go func() {
		defer wg.Done()
		<-start
		idx.mu.Lock()
		idx.addSessionToDirectoryLocked("s_2", "/tmp/a")
		idx.mu.Unlock()
	}()
	close(start)
	wg.Wait()

	members := idx.SessionIDsForDirectory("/tmp/a")
	assert.Len(t, members, 2)
	_, hasS1 := members["s_1"]
	_, hasS2 := members["s_2"]
	assert.True(t, hasS1)
	assert.True(t, hasS2)
}

func TestRemoveSummaryMarksRecentDeleteTombstone(t *testing.T) {
	idx := New()
	idx.UpsertSummaryFromJSON(rawMsg(t, map[string]any{"id": "s_1", "directory": "/tmp/a", "time": map[string]any{"updated": 1.0}}))
	idx.RemoveSummary("s_1")

	assert.True(t, idx.IsRecentlyDeleted("s_1"))
}

func TestPruneStaleRuntimeEntriesRemovesOldIdleOnly(t *testing.T) {
	idx := New()
	fixedNow := time.Now()
	idx.nowFunc = func() time.Time { return fixedNow }

	idx.mu.Lock()
	idx.runtime["s_idle_old"] = Runtime{StatusType: "idle", Phase: "idle", EffectiveType: "idle", UpdatedAt: fixedNow.Add(-2 * time.Minute).UnixMilli()}
	idx.runtime["s_busy_old"] = Runtime{StatusType: "busy", Phase: "busy", EffectiveType: "busy", UpdatedAt: fixedNow.Add(-2 * time.Minute).UnixMilli()}
	idx.runtime["s_idle_recent"] = Runtime{StatusType: "idle", Phase: "idle", EffectiveType: "idle", UpdatedAt: fixedNow.UnixMilli()}
	idx.mu.Unlock()

	idx.PruneStaleRuntimeEntries(30 * time.Second)

	snap := idx.RuntimeSnapshot()
	_, hasOldIdle := snap["s_idle_old"]
	_, hasOldBusy := snap["s_busy_old"]
	_, hasRecentIdle := snap["s_idle_recent"]
	assert.False(t, hasOldIdle)
	assert.True(t, hasOldBusy)
	assert.True(t, hasRecentIdle)
}
