package monitor_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/atlas-desktop/backtest-engine/internal/monitor"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testMonitor(t *testing.T) *monitor.Monitor {
	t.Helper()
	m := monitor.New(zap.NewNop(), types.MonitorConfig{
		MaxHistorySize: 5,
		HealthInterval: 50 * time.Millisecond,
		HealthRingSize: 10,
	})
	t.Cleanup(m.Shutdown)
	return m
}

func TestTrackLifecycle(t *testing.T) {
	m := testMonitor(t)

	exec := m.Track("user-1", "corr-42")
	assert.Equal(t, "corr-42", exec.ID())

	m.LogBacktestStart(exec.ID(), map[string]any{"stop_loss": 5.0}, 12)
	m.LogBacktestComplete(exec.ID(), 7, map[string]any{"total_return_pct": 1.5})

	active := m.ActiveExecutions()
	require.Len(t, active, 1)
	assert.Equal(t, 12, active[0].SignalsCount)

	exec.Complete()
	assert.Empty(t, m.ActiveExecutions())

	record, ok := m.ExecutionSummary("corr-42")
	require.True(t, ok)
	assert.Equal(t, "user-1", record.UserID)
	assert.Equal(t, 7, record.TradesCount)
	assert.NotNil(t, record.EndTime)
	assert.Empty(t, record.ErrorMessage)
}

func TestTrackFailure(t *testing.T) {
	m := testMonitor(t)

	exec := m.Track("", "")
	require.NotEmpty(t, exec.ID())
	exec.Fail(errors.New("engine exploded"))

	record, ok := m.ExecutionSummary(exec.ID())
	require.True(t, ok)
	assert.Equal(t, "engine exploded", record.ErrorMessage)
}

func TestHistoryRingBuffer(t *testing.T) {
	m := testMonitor(t)

	var first string
	for i := 0; i < 8; i++ {
		exec := m.Track("", fmt.Sprintf("exec-%d", i))
		if i == 0 {
			first = exec.ID()
		}
		exec.Complete()
	}

	// cap is 5: the oldest records dropped
	_, ok := m.ExecutionSummary(first)
	assert.False(t, ok)
	_, ok = m.ExecutionSummary("exec-7")
	assert.True(t, ok)
}

func TestAggregatedAndUserActivity(t *testing.T) {
	m := testMonitor(t)

	ok1 := m.Track("alice", "")
	m.LogBacktestStart(ok1.ID(), nil, 10)
	m.LogBacktestComplete(ok1.ID(), 4, nil)
	m.MarkCacheHit(ok1.ID())
	ok1.Complete()

	failed := m.Track("bob", "")
	failed.Fail(errors.New("boom"))

	analytics := m.Aggregated(7)
	assert.Equal(t, 2, analytics.TotalExecutions)
	assert.Equal(t, 1, analytics.Successful)
	assert.InDelta(t, 50.0, analytics.SuccessRatePct, 1e-9)
	assert.InDelta(t, 50.0, analytics.CacheHitRatePct, 1e-9)
	assert.Len(t, analytics.ByDay, 1)

	alice := m.UserActivity("alice", 10)
	require.Len(t, alice, 1)
	assert.Equal(t, 4, alice[0]["trades_count"])

	everyone := m.UserActivity("", 10)
	assert.Len(t, everyone, 2)
}

func TestCacheOpCounters(t *testing.T) {
	m := testMonitor(t)

	m.RecordCacheOp(monitor.CacheOpGet, 2.0, true)
	m.RecordCacheOp(monitor.CacheOpGet, 4.0, false)
	m.RecordCacheOp(monitor.CacheOpSet, 6.0, false)

	perf := m.CachePerformance()
	assert.EqualValues(t, 1, perf["hits"])
	assert.EqualValues(t, 1, perf["misses"])
	assert.InDelta(t, 50.0, perf["hit_rate"].(float64), 1e-9)
	assert.EqualValues(t, 3, perf["total_operations"])
	assert.InDelta(t, 3.0, perf["average_get_time_ms"].(float64), 1e-9)
	assert.InDelta(t, 6.0, perf["average_set_time_ms"].(float64), 1e-9)
}

func TestHealthSampler(t *testing.T) {
	m := testMonitor(t)

	// the sampler goroutine takes its first sample right after start,
	// before the first tick
	require.Eventually(t, func() bool {
		_, ok := m.SystemHealth()
		return ok
	}, time.Second, 10*time.Millisecond)

	sample, ok := m.SystemHealth()
	require.True(t, ok)
	assert.False(t, sample.Timestamp.IsZero())
	assert.Greater(t, sample.GoroutineCount, 0)
}

func TestCleanupAndExport(t *testing.T) {
	m := testMonitor(t)

	exec := m.Track("alice", "")
	exec.Complete()

	// nothing is old enough to be removed
	assert.Zero(t, m.Cleanup(30))

	out, err := m.Export("json")
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Contains(t, decoded, "executions")
	assert.Contains(t, decoded, "system_health")
	assert.Contains(t, decoded, "cache_stats")

	_, err = m.Export("csv")
	assert.Error(t, err)
}
