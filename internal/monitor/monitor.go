// Package monitor tracks engine executions and system health for
// operational visibility. All state is in-memory and bounded: execution
// history and health samples live in ring buffers, per-user activity is
// pruned by age. Readers always receive snapshots.
package monitor

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/atlas-desktop/backtest-engine/pkg/utils"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// CacheOpKind identifies a cache operation being recorded.
type CacheOpKind string

const (
	CacheOpGet CacheOpKind = "get"
	CacheOpSet CacheOpKind = "set"
)

// cacheCounters holds the rolling cache-op statistics.
type cacheCounters struct {
	hits     int64
	misses   int64
	total    int64
	getTimes []float64
	setTimes []float64
}

// Monitor is the execution monitor.
type Monitor struct {
	logger *zap.Logger
	config types.MonitorConfig

	mu       sync.Mutex
	active   map[string]*types.ExecutionRecord
	history  []types.ExecutionRecord // ring, oldest first
	byUser   map[string][]userActivity
	cacheOps cacheCounters

	health *healthSampler
}

type userActivity struct {
	Timestamp   time.Time `json:"timestamp"`
	ExecutionID string    `json:"execution_id"`
	Duration    float64   `json:"duration"`
	TradesCount int       `json:"trades_count"`
	Error       string    `json:"error,omitempty"`
}

// New creates a monitor and starts its background health sampler.
func New(logger *zap.Logger, config types.MonitorConfig) *Monitor {
	if config.MaxHistorySize <= 0 {
		config.MaxHistorySize = 10000
	}
	if config.HealthRingSize <= 0 {
		config.HealthRingSize = 1000
	}
	if config.HealthInterval <= 0 {
		config.HealthInterval = 60 * time.Second
	}

	m := &Monitor{
		logger: logger,
		config: config,
		active: make(map[string]*types.ExecutionRecord),
		byUser: make(map[string][]userActivity),
	}
	m.health = newHealthSampler(logger, config.HealthInterval, config.HealthRingSize)
	m.health.start()
	return m
}

// Execution is the scope handle returned by Track. Exactly one of
// Complete or Fail must be called when the tracked work finishes.
type Execution struct {
	monitor *Monitor
	id      string
	started time.Time
}

// ID returns the execution id.
func (e *Execution) ID() string { return e.id }

// Track registers the start of an execution. An empty correlationID gets a
// generated id; a supplied one becomes the execution id verbatim.
func (m *Monitor) Track(userID, correlationID string) *Execution {
	id := correlationID
	if id == "" {
		id = utils.GenerateExecutionID()
	}

	now := time.Now()
	record := &types.ExecutionRecord{
		ID:        id,
		UserID:    userID,
		StartTime: now,
		MemoryMB:  processMemoryMB(),
		CPUPct:    processCPUPercent(),
	}

	m.mu.Lock()
	m.active[id] = record
	m.mu.Unlock()

	m.logger.Debug("execution started", zap.String("execution_id", id), zap.String("user_id", userID))
	return &Execution{monitor: m, id: id, started: now}
}

// LogBacktestStart attaches the request parameters and signal count to the
// active execution.
func (m *Monitor) LogBacktestStart(id string, params map[string]any, signalsCount int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record, ok := m.active[id]; ok {
		record.Parameters = params
		record.SignalsCount = signalsCount
	}
}

// LogBacktestComplete attaches result counts and metrics to the active
// execution.
func (m *Monitor) LogBacktestComplete(id string, tradesCount int, performance map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record, ok := m.active[id]; ok {
		record.TradesCount = tradesCount
		record.Performance = performance
	}
}

// MarkCacheHit flags the active execution as served from cache.
func (m *Monitor) MarkCacheHit(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record, ok := m.active[id]; ok {
		record.CacheHit = true
	}
}

// Complete closes the execution scope successfully.
func (e *Execution) Complete() {
	e.finish("")
}

// Fail closes the execution scope with an error message.
func (e *Execution) Fail(err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	e.finish(msg)
}

func (e *Execution) finish(errMsg string) {
	m := e.monitor
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.active[e.id]
	if !ok {
		return
	}
	delete(m.active, e.id)

	record.EndTime = &now
	record.Duration = now.Sub(e.started).Seconds()
	record.ErrorMessage = errMsg
	record.MemoryMB = processMemoryMB()
	record.CPUPct = processCPUPercent()

	m.history = append(m.history, *record)
	if overflow := len(m.history) - m.config.MaxHistorySize; overflow > 0 {
		m.history = m.history[overflow:]
	}

	if record.UserID != "" {
		m.byUser[record.UserID] = append(m.byUser[record.UserID], userActivity{
			Timestamp:   now,
			ExecutionID: record.ID,
			Duration:    record.Duration,
			TradesCount: record.TradesCount,
			Error:       errMsg,
		})
	}
}

// RecordCacheOp updates the rolling cache-operation counters.
func (m *Monitor) RecordCacheOp(kind CacheOpKind, durationMS float64, hit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cacheOps.total++
	switch kind {
	case CacheOpGet:
		m.cacheOps.getTimes = appendBounded(m.cacheOps.getTimes, durationMS, 1000)
		if hit {
			m.cacheOps.hits++
		} else {
			m.cacheOps.misses++
		}
	case CacheOpSet:
		m.cacheOps.setTimes = appendBounded(m.cacheOps.setTimes, durationMS, 1000)
	}
}

func appendBounded(values []float64, v float64, limit int) []float64 {
	values = append(values, v)
	if len(values) > limit {
		values = values[len(values)-limit:]
	}
	return values
}

// ExecutionSummary returns the record for an execution id, active or
// completed, newest first on duplicate ids.
func (m *Monitor) ExecutionSummary(id string) (types.ExecutionRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if record, ok := m.active[id]; ok {
		return *record, true
	}
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].ID == id {
			return m.history[i], true
		}
	}
	return types.ExecutionRecord{}, false
}

// ActiveExecutions snapshots the currently running executions.
func (m *Monitor) ActiveExecutions() []types.ExecutionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.ExecutionRecord, 0, len(m.active))
	for _, record := range m.active {
		out = append(out, *record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// Analytics aggregates execution history over the trailing number of days.
type Analytics struct {
	PeriodDays      int            `json:"period_days"`
	TotalExecutions int            `json:"total_executions"`
	Successful      int            `json:"successful_executions"`
	SuccessRatePct  float64        `json:"success_rate"`
	AvgDuration     float64        `json:"average_duration"`
	AvgSignals      float64        `json:"average_signals"`
	AvgTrades       float64        `json:"average_trades"`
	CacheHitRatePct float64        `json:"cache_hit_rate"`
	ByDay           map[string]int `json:"executions_by_day"`
}

// Aggregated computes analytics for executions started within the window.
func (m *Monitor) Aggregated(days int) Analytics {
	if days <= 0 {
		days = 7
	}
	cutoff := time.Now().AddDate(0, 0, -days)

	m.mu.Lock()
	defer m.mu.Unlock()

	out := Analytics{PeriodDays: days, ByDay: map[string]int{}}
	var durations, signalCounts, tradeCounts []float64
	cacheHits := 0

	for _, record := range m.history {
		if record.StartTime.Before(cutoff) {
			continue
		}
		out.TotalExecutions++
		if record.ErrorMessage == "" {
			out.Successful++
		}
		if record.CacheHit {
			cacheHits++
		}
		durations = append(durations, record.Duration)
		signalCounts = append(signalCounts, float64(record.SignalsCount))
		tradeCounts = append(tradeCounts, float64(record.TradesCount))
		out.ByDay[record.StartTime.Format("2006-01-02")]++
	}

	if out.TotalExecutions > 0 {
		out.SuccessRatePct = float64(out.Successful) / float64(out.TotalExecutions) * 100
		out.CacheHitRatePct = float64(cacheHits) / float64(out.TotalExecutions) * 100
	}
	out.AvgDuration = utils.Mean(durations)
	out.AvgSignals = utils.Mean(signalCounts)
	out.AvgTrades = utils.Mean(tradeCounts)
	return out
}

// UserActivity returns recent activity, for one user or across all users.
func (m *Monitor) UserActivity(userID string, limit int) []map[string]any {
	if limit <= 0 {
		limit = 100
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var all []userActivity
	if userID != "" {
		all = append(all, m.byUser[userID]...)
	} else {
		for _, entries := range m.byUser {
			all = append(all, entries...)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.After(all[j].Timestamp) })
	if len(all) > limit {
		all = all[:limit]
	}

	out := make([]map[string]any, len(all))
	for i, a := range all {
		out[i] = map[string]any{
			"timestamp":    a.Timestamp.Format(time.RFC3339),
			"execution_id": a.ExecutionID,
			"duration":     a.Duration,
			"trades_count": a.TradesCount,
		}
		if a.Error != "" {
			out[i]["error"] = a.Error
		}
	}
	return out
}

// CachePerformance snapshots the rolling cache counters.
func (m *Monitor) CachePerformance() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	lookups := m.cacheOps.hits + m.cacheOps.misses
	hitRate := 0.0
	if lookups > 0 {
		hitRate = float64(m.cacheOps.hits) / float64(lookups) * 100
	}

	return map[string]any{
		"timestamp":           time.Now().Format(time.RFC3339),
		"hits":                m.cacheOps.hits,
		"misses":              m.cacheOps.misses,
		"hit_rate":            hitRate,
		"total_operations":    m.cacheOps.total,
		"average_get_time_ms": utils.Mean(m.cacheOps.getTimes),
		"average_set_time_ms": utils.Mean(m.cacheOps.setTimes),
	}
}

// SystemHealth returns the latest health sample, if any.
func (m *Monitor) SystemHealth() (HealthSample, bool) {
	return m.health.latest()
}

// HealthHistory snapshots the health ring, oldest first.
func (m *Monitor) HealthHistory() []HealthSample {
	return m.health.snapshot()
}

// Cleanup drops history, user activity, and health samples older than the
// cutoff. Returns the number of execution records removed.
func (m *Monitor) Cleanup(days int) int {
	if days <= 0 {
		days = 30
	}
	cutoff := time.Now().AddDate(0, 0, -days)

	m.mu.Lock()
	kept := m.history[:0]
	for _, record := range m.history {
		if !record.StartTime.Before(cutoff) {
			kept = append(kept, record)
		}
	}
	removed := len(m.history) - len(kept)
	m.history = kept

	for user, entries := range m.byUser {
		filtered := entries[:0]
		for _, a := range entries {
			if !a.Timestamp.Before(cutoff) {
				filtered = append(filtered, a)
			}
		}
		if len(filtered) == 0 {
			delete(m.byUser, user)
		} else {
			m.byUser[user] = filtered
		}
	}
	m.mu.Unlock()

	m.health.cleanup(cutoff)

	m.logger.Info("monitoring data cleaned up", zap.Int("days", days), zap.Int("removed", removed))
	return removed
}

// Export serializes the full monitoring state. Only "json" is supported.
func (m *Monitor) Export(format string) (string, error) {
	if format != "" && format != "json" {
		return "", fmt.Errorf("unsupported export format: %s", format)
	}

	m.mu.Lock()
	data := map[string]any{
		"export_timestamp": time.Now().Format(time.RFC3339),
		"executions":       append([]types.ExecutionRecord(nil), m.history...),
		"active":           len(m.active),
		"user_activity":    m.byUser,
	}
	m.mu.Unlock()

	data["system_health"] = m.health.snapshot()
	data["cache_stats"] = m.CachePerformance()

	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", fmt.Errorf("export monitoring data: %w", err)
	}
	return string(out), nil
}

// Shutdown stops the health sampler. The monitor remains queryable.
func (m *Monitor) Shutdown() {
	m.health.stop()
	m.logger.Info("execution monitor shut down")
}

// processMemoryMB reads the current process RSS in megabytes; 0 on failure.
func processMemoryMB() float64 {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	info, err := proc.MemoryInfo()
	if err != nil || info == nil {
		return 0
	}
	return float64(info.RSS) / 1024 / 1024
}

// processCPUPercent reads the process CPU percentage; 0 on failure.
func processCPUPercent() float64 {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	pct, err := proc.CPUPercent()
	if err != nil {
		return 0
	}
	return pct
}
