// Package hooks provides production-ready core.Logger and
// core.MetricsCollector implementations, plus BeforeSubtask/AfterSubtask
// observers the pipeline can wire into the coordinator's lifecycle.
package hooks

import (
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/imgpipe/imgpipe/core"
)

// ── Structured logger adapter ───────────────────────────────────────────

// SlogLogger wraps the standard library slog.Logger to satisfy core.Logger.
type SlogLogger struct {
	log *slog.Logger
}

// NewSlogLogger creates a logger backed by slog.
func NewSlogLogger(l *slog.Logger) *SlogLogger { return &SlogLogger{log: l} }

func (s *SlogLogger) Debug(msg string, fields ...any) { s.log.Debug(msg, fields...) }
func (s *SlogLogger) Info(msg string, fields ...any)  { s.log.Info(msg, fields...) }
func (s *SlogLogger) Warn(msg string, fields ...any)  { s.log.Warn(msg, fields...) }
func (s *SlogLogger) Error(msg string, fields ...any) { s.log.Error(msg, fields...) }

// ── Subtask lifecycle hooks ─────────────────────────────────────────────

// SubtaskEvent names the point in a subtask's life a hook is called at.
type SubtaskEvent struct {
	Stage string // coordinator.Stage.String()
	Key   string // a stable description of the subtask, for correlating before/after
}

// LoggingHook logs before/after each subtask runs its stage operation.
type LoggingHook struct {
	logger core.Logger
}

// NewLoggingHook creates a LoggingHook.
func NewLoggingHook(l core.Logger) *LoggingHook { return &LoggingHook{logger: l} }

func (h *LoggingHook) BeforeSubtask(ev SubtaskEvent) {
	h.logger.Debug("subtask.start", "stage", ev.Stage, "key", ev.Key)
}

func (h *LoggingHook) AfterSubtask(ev SubtaskEvent, d time.Duration, err error) {
	if err != nil {
		h.logger.Error("subtask.error", "stage", ev.Stage, "key", ev.Key, "duration_ms", d.Milliseconds(), "error", err.Error())
		return
	}
	h.logger.Debug("subtask.done", "stage", ev.Stage, "key", ev.Key, "duration_ms", d.Milliseconds())
}

// ── In-memory metrics collector ─────────────────────────────────────────

// InMemoryMetrics accumulates metrics safely for concurrent use,
// satisfying core.MetricsCollector.
type InMemoryMetrics struct {
	mu sync.RWMutex

	stageDurationsMs map[string]int64
	stageCalls       map[string]int64
	stageErrors      map[string]int64

	totalBytesLoaded int64
}

// NewInMemoryMetrics creates an empty metrics store.
func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		stageDurationsMs: make(map[string]int64),
		stageCalls:       make(map[string]int64),
		stageErrors:      make(map[string]int64),
	}
}

func (m *InMemoryMetrics) RecordSubtaskDuration(stage string, ms int64) {
	m.mu.Lock()
	m.stageDurationsMs[stage] += ms
	m.stageCalls[stage]++
	m.mu.Unlock()
}

func (m *InMemoryMetrics) RecordSubtaskError(stage string) {
	m.mu.Lock()
	m.stageErrors[stage]++
	m.mu.Unlock()
}

func (m *InMemoryMetrics) RecordBytesLoaded(n int64) {
	atomic.AddInt64(&m.totalBytesLoaded, n)
}

// Snapshot returns a copy of current metrics.
func (m *InMemoryMetrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := MetricsSnapshot{
		StageDurationsMs: make(map[string]int64, len(m.stageDurationsMs)),
		StageCalls:       make(map[string]int64, len(m.stageCalls)),
		StageErrors:      make(map[string]int64, len(m.stageErrors)),
		TotalBytesLoaded: atomic.LoadInt64(&m.totalBytesLoaded),
	}
	for k, v := range m.stageDurationsMs {
		snap.StageDurationsMs[k] = v
	}
	for k, v := range m.stageCalls {
		snap.StageCalls[k] = v
	}
	for k, v := range m.stageErrors {
		snap.StageErrors[k] = v
	}
	return snap
}

// MetricsSnapshot is an immutable point-in-time copy of metrics.
type MetricsSnapshot struct {
	StageDurationsMs map[string]int64
	StageCalls       map[string]int64
	StageErrors      map[string]int64
	TotalBytesLoaded int64
}

var (
	_ core.Logger           = (*SlogLogger)(nil)
	_ core.MetricsCollector = (*InMemoryMetrics)(nil)
)
