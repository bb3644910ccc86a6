// Package cbs implements per-task budget bookkeeping in the style of a
// constant bandwidth server: admission control against a utilization bound,
// saturating budget consumption, and strict budget reset at period
// boundaries. A task that exhausts its budget mid-period becomes ineligible
// until replenishment, which is what isolates well-behaved tasks from
// overrunning ones.
package cbs

import (
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
)

type TaskID uint32

// Params are the static real-time parameters of one task. All values are
// nanoseconds of the scheduler's monotonic clock.
type Params struct {
	WCET     uint64
	Period   uint64
	Deadline uint64
}

// Task is one admitted task descriptor. Copies returned to callers are
// snapshots; the server owns the live state.
type Task struct {
	ID TaskID
	Params

	RemainingBudget  uint64
	PeriodStart      uint64
	AbsoluteDeadline uint64
}

// Runnable reports whether the task is eligible for dispatch.
func (t *Task) Runnable() bool {
	return t.RemainingBudget > 0
}

var (
	ErrInvalidParams    = errors.New("invalid admission parameters")
	ErrCapacityExceeded = errors.New("admission capacity exceeded")
	ErrNotFound         = errors.New("task not found")
)

// PPMScale is the fixed-point denominator used for utilization accounting:
// utilization is tracked as parts per million of one CPU.
const PPMScale = 1_000_000

// UtilPPM computes wcet/period in parts per million, rounding up so the
// admission check stays conservative. Degenerate periods saturate. The
// ceiling is taken via the remainder rather than by adding period-1 to the
// scaled wcet, which could wrap for large periods.
func UtilPPM(wcet, period uint64) uint32 {
	if period == 0 {
		return math.MaxUint32
	}
	if wcet > math.MaxUint64/PPMScale {
		return math.MaxUint32
	}
	scaled := wcet * PPMScale
	u := scaled / period
	if scaled%period != 0 {
		u++
	}
	if u > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(u)
}

// Server holds the fixed-size task table. It is not goroutine safe: the
// scheduler facade serializes admission, removal and tick updates, which
// keeps the feasibility check single-writer by construction.
type Server struct {
	boundPPM uint32
	slots    []slot
	nextID   TaskID
	usedPPM  uint32
	accepted uint64
	rejected uint64
	logger   logrus.FieldLogger
}

type slot struct {
	used bool
	task Task
}

func NewServer(boundPPM uint32, maxTasks int, logger logrus.FieldLogger) *Server {
	if maxTasks <= 0 {
		maxTasks = 64
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{
		boundPPM: boundPPM,
		slots:    make([]slot, maxTasks),
		nextID:   1,
		logger:   logger,
	}
}

// Admit runs the feasibility check for the candidate and creates its
// descriptor on success. The admission set is unchanged on rejection.
func (s *Server) Admit(p Params, now uint64) (TaskID, error) {
	if p.WCET == 0 {
		s.rejected++
		return 0, fmt.Errorf("%w: wcet must be > 0", ErrInvalidParams)
	}
	if p.Period == 0 {
		s.rejected++
		return 0, fmt.Errorf("%w: period must be > 0", ErrInvalidParams)
	}
	if p.Deadline == 0 || p.Deadline > p.Period {
		s.rejected++
		return 0, fmt.Errorf("%w: deadline must be in (0, period]", ErrInvalidParams)
	}

	u := UtilPPM(p.WCET, p.Period)
	if u > s.boundPPM || s.usedPPM > s.boundPPM-u {
		s.rejected++
		return 0, fmt.Errorf("%w: task utilization %d ppm, used %d ppm, bound %d ppm",
			ErrCapacityExceeded, u, s.usedPPM, s.boundPPM)
	}

	idx := -1
	for i := range s.slots {
		if !s.slots[i].used {
			idx = i
			break
		}
	}
	if idx == -1 {
		s.rejected++
		return 0, fmt.Errorf("%w: task table full (%d tasks)", ErrCapacityExceeded, len(s.slots))
	}

	id := s.nextID
	s.nextID++
	s.slots[idx] = slot{
		used: true,
		task: Task{
			ID:               id,
			Params:           p,
			RemainingBudget:  p.WCET,
			PeriodStart:      now,
			AbsoluteDeadline: now + p.Deadline,
		},
	}
	s.usedPPM += u
	s.accepted++

	s.logger.WithFields(logrus.Fields{
		"task_id":   id,
		"wcet_ns":   p.WCET,
		"period_ns": p.Period,
		"util_ppm":  u,
		"used_ppm":  s.usedPPM,
	}).Debug("Task admitted")
	return id, nil
}

// Tick consumes elapsed nanoseconds from the task's budget, saturating at
// zero. It returns the remaining budget.
func (s *Server) Tick(id TaskID, elapsed uint64) (uint64, error) {
	t := s.lookup(id)
	if t == nil {
		return 0, fmt.Errorf("%w: task %d", ErrNotFound, id)
	}
	if elapsed >= t.RemainingBudget {
		t.RemainingBudget = 0
	} else {
		t.RemainingBudget -= elapsed
	}
	return t.RemainingBudget, nil
}

// Replenishment describes one period rollover. PriorBudget and
// PriorDeadline capture the expiring period before the reset: unconsumed
// budget there means the period's job never completed, and the reset would
// otherwise erase the evidence.
type Replenishment struct {
	ID            TaskID
	PriorBudget   uint64
	PriorDeadline uint64
	Periods       uint64
}

// ReplenishIfPeriodElapsed resets the budget to one period's worth if at
// least one full period has passed, reporting the expiring period's state.
// Catch-up across several missed periods advances period start and deadline
// by whole periods but never accumulates credit: the budget after
// replenishment is exactly WCET.
func (s *Server) ReplenishIfPeriodElapsed(id TaskID, now uint64) (Replenishment, bool, error) {
	t := s.lookup(id)
	if t == nil {
		return Replenishment{}, false, fmt.Errorf("%w: task %d", ErrNotFound, id)
	}
	if now < t.PeriodStart+t.Period {
		return Replenishment{}, false, nil
	}
	rep := Replenishment{
		ID:            t.ID,
		PriorBudget:   t.RemainingBudget,
		PriorDeadline: t.AbsoluteDeadline,
		Periods:       (now - t.PeriodStart) / t.Period,
	}
	t.PeriodStart += rep.Periods * t.Period
	t.AbsoluteDeadline = t.PeriodStart + t.Deadline
	t.RemainingBudget = t.WCET
	return rep, true, nil
}

// ReplenishAll applies ReplenishIfPeriodElapsed to every task and returns
// the rollovers that fired, in ascending id order.
func (s *Server) ReplenishAll(now uint64) []Replenishment {
	var out []Replenishment
	for _, t := range s.Snapshot() {
		if rep, ok, _ := s.ReplenishIfPeriodElapsed(t.ID, now); ok {
			out = append(out, rep)
		}
	}
	return out
}

func (s *Server) Remove(id TaskID) error {
	for i := range s.slots {
		if s.slots[i].used && s.slots[i].task.ID == id {
			u := UtilPPM(s.slots[i].task.WCET, s.slots[i].task.Period)
			if u > s.usedPPM {
				s.usedPPM = 0
			} else {
				s.usedPPM -= u
			}
			s.slots[i] = slot{}
			s.logger.WithFields(logrus.Fields{
				"task_id":  id,
				"used_ppm": s.usedPPM,
			}).Debug("Task removed")
			return nil
		}
	}
	return fmt.Errorf("%w: task %d", ErrNotFound, id)
}

// Get returns a snapshot of the task descriptor.
func (s *Server) Get(id TaskID) (Task, bool) {
	t := s.lookup(id)
	if t == nil {
		return Task{}, false
	}
	return *t, true
}

// Snapshot returns copies of all admitted tasks sorted by id.
func (s *Server) Snapshot() []Task {
	out := make([]Task, 0, len(s.slots))
	for i := range s.slots {
		if s.slots[i].used {
			out = append(out, s.slots[i].task)
		}
	}
	for i := 0; i < len(out)-1; i++ {
		for j := i + 1; j < len(out); j++ {
			if out[i].ID > out[j].ID {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

func (s *Server) UtilizationPPM() uint32 {
	return s.usedPPM
}

func (s *Server) BoundPPM() uint32 {
	return s.boundPPM
}

// Stats returns accepted and rejected admission counts.
func (s *Server) Stats() (accepted, rejected uint64) {
	return s.accepted, s.rejected
}

func (s *Server) Len() int {
	n := 0
	for i := range s.slots {
		if s.slots[i].used {
			n++
		}
	}
	return n
}

func (s *Server) lookup(id TaskID) *Task {
	for i := range s.slots {
		if s.slots[i].used && s.slots[i].task.ID == id {
			return &s.slots[i].task
		}
	}
	return nil
}
