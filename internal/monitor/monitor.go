// Package monitor tracks deadline outcomes per task: the deviation of each
// completion from its absolute deadline, miss counts, and sliding-window
// percentiles used by the status surface and the directive gate's
// regression checks.
package monitor

import (
	"sort"

	"github.com/sirupsen/logrus"

	"detsched/internal/cbs"
)

// WindowSize is the number of most recent jitter samples kept per task.
const WindowSize = 64

// TaskStats is a read-only snapshot of one task's deadline history.
type TaskStats struct {
	TaskID      cbs.TaskID
	Completions uint64
	Misses      uint64
	LastJitter  uint64
	P50         uint64
	P95         uint64
	P99         uint64
}

type taskState struct {
	completions uint64
	misses      uint64
	window      [WindowSize]uint64
	count       int
	next        int
}

func (ts *taskState) record(jitter uint64) {
	ts.window[ts.next] = jitter
	ts.next = (ts.next + 1) % WindowSize
	if ts.count < WindowSize {
		ts.count++
	}
}

func (ts *taskState) lastJitter() uint64 {
	if ts.count == 0 {
		return 0
	}
	idx := (ts.next - 1 + WindowSize) % WindowSize
	return ts.window[idx]
}

// percentile returns the p-th percentile over the current window using the
// nearest-rank method on a sorted copy.
func (ts *taskState) percentile(p int) uint64 {
	if ts.count == 0 {
		return 0
	}
	sorted := make([]uint64, ts.count)
	copy(sorted, ts.window[:ts.count])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	rank := (p*ts.count + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > ts.count {
		rank = ts.count
	}
	return sorted[rank-1]
}

// Monitor accumulates per-task deadline outcomes. Like the budget server it
// is single-writer: the scheduler facade serializes all calls.
type Monitor struct {
	tasks  map[cbs.TaskID]*taskState
	misses uint64
	logger logrus.FieldLogger
}

func New(logger logrus.FieldLogger) *Monitor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Monitor{
		tasks:  make(map[cbs.TaskID]*taskState),
		logger: logger,
	}
}

// RecordCompletion logs a job finishing at finish against its absolute
// deadline and returns the jitter sample: the absolute deviation of the
// finish from the deadline. Early completions register their earliness
// rather than flattening to zero, so the percentiles stay informative while
// every job makes its deadline. Lateness additionally counts as a miss.
func (m *Monitor) RecordCompletion(id cbs.TaskID, deadline, finish uint64) (jitter uint64, missed bool) {
	ts := m.state(id)
	if finish > deadline {
		jitter = finish - deadline
		missed = true
		ts.misses++
		m.misses++
		m.logger.WithFields(logrus.Fields{
			"task_id":   id,
			"jitter_ns": jitter,
		}).Warn("Deadline miss")
	} else {
		jitter = deadline - finish
	}
	ts.completions++
	ts.record(jitter)
	return jitter, missed
}

// RecordMiss logs a deadline passing with budget still unconsumed, without
// a completion. The jitter sample is the overrun observed at detection.
func (m *Monitor) RecordMiss(id cbs.TaskID, deadline, now uint64) uint64 {
	ts := m.state(id)
	var jitter uint64
	if now > deadline {
		jitter = now - deadline
	}
	ts.misses++
	m.misses++
	ts.record(jitter)
	m.logger.WithFields(logrus.Fields{
		"task_id":   id,
		"jitter_ns": jitter,
	}).Warn("Deadline miss")
	return jitter
}

// Forget drops a task's history after removal.
func (m *Monitor) Forget(id cbs.TaskID) {
	delete(m.tasks, id)
}

// Stats returns the snapshot for one task.
func (m *Monitor) Stats(id cbs.TaskID) (TaskStats, bool) {
	ts, ok := m.tasks[id]
	if !ok {
		return TaskStats{}, false
	}
	return TaskStats{
		TaskID:      id,
		Completions: ts.completions,
		Misses:      ts.misses,
		LastJitter:  ts.lastJitter(),
		P50:         ts.percentile(50),
		P95:         ts.percentile(95),
		P99:         ts.percentile(99),
	}, true
}

// All returns snapshots for every tracked task, sorted by id.
func (m *Monitor) All() []TaskStats {
	out := make([]TaskStats, 0, len(m.tasks))
	for id := range m.tasks {
		s, _ := m.Stats(id)
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// TotalMisses is the global miss count across all tasks, including
// forgotten ones.
func (m *Monitor) TotalMisses() uint64 {
	return m.misses
}

// MaxP99 returns the worst p99 jitter across tracked tasks. The gate uses
// it as the regression metric for scheduling-adjacent directives.
func (m *Monitor) MaxP99() uint64 {
	var max uint64
	for id := range m.tasks {
		s, _ := m.Stats(id)
		if s.P99 > max {
			max = s.P99
		}
	}
	return max
}

func (m *Monitor) state(id cbs.TaskID) *taskState {
	ts, ok := m.tasks[id]
	if !ok {
		ts = &taskState{}
		m.tasks[id] = ts
	}
	return ts
}
