// Package sched is the scheduler facade: admission, tick-driven dispatch,
// deadline supervision and the directive gate behind one mutex. All state
// transitions funnel through here, which is what makes the audit trail a
// complete record of scheduling activity.
package sched

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"detsched/internal/audit"
	"detsched/internal/cbs"
	"detsched/internal/clock"
	"detsched/internal/gate"
	"detsched/internal/monitor"
	"detsched/internal/runqueue"
	"detsched/internal/subsystem"
)

// Miss policies.
const (
	MissPolicyLog    = "log"
	MissPolicyRemove = "remove"
)

// Config carries the facade's scheduling parameters.
type Config struct {
	TickInterval     time.Duration
	CapacityBoundPPM uint32
	MaxTasks         int
	AuditCapacity    int
	MissPolicy       string
}

// TaskStatus is one row of the status surface.
type TaskStatus struct {
	ID          cbs.TaskID `json:"id"`
	WCET        uint64     `json:"wcet_ns"`
	Period      uint64     `json:"period_ns"`
	Budget      uint64     `json:"budget_ns"`
	Deadline    uint64     `json:"deadline_ns"`
	Completions uint64     `json:"completions"`
	Misses      uint64     `json:"misses"`
	P50         uint64     `json:"p50_jitter_ns"`
	P99         uint64     `json:"p99_jitter_ns"`
}

// Status is the full snapshot behind `det status` and the HTTP surface.
type Status struct {
	Enabled        bool              `json:"enabled"`
	Ticks          uint64            `json:"ticks"`
	UtilizationPPM uint32            `json:"utilization_ppm"`
	BoundPPM       uint32            `json:"bound_ppm"`
	Accepted       uint64            `json:"admissions_accepted"`
	Rejected       uint64            `json:"admissions_rejected"`
	TotalMisses    uint64            `json:"total_misses"`
	Tasks          []TaskStatus      `json:"tasks"`
	Gate           gate.Stats        `json:"gate"`
	Subsystems     map[string]string `json:"subsystems"`
}

// Scheduler serializes every operation behind one mutex. The tick loop,
// the control server and the predictor all share this instance.
type Scheduler struct {
	mu sync.Mutex

	cfg      Config
	clk      clock.Clock
	server   *cbs.Server
	queue    *runqueue.EDF
	mon      *monitor.Monitor
	ring     *audit.Ring
	gate     *gate.Gate
	registry *subsystem.Registry
	logger   logrus.FieldLogger

	enabled bool
	running cbs.TaskID
	hasTask bool
	ticks   uint64
}

// New wires the facade. The gate's regression metric prefers the target
// subsystem's own measurement, so a memory directive is judged against
// memory pressure; subsystems without a metric of their own fall back to
// the worst p99 completion jitter across tasks.
func New(cfg Config, clk clock.Clock, registry *subsystem.Registry, policies map[string]gate.Policy, logger logrus.FieldLogger) *Scheduler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Scheduler{
		cfg:      cfg,
		clk:      clk,
		server:   cbs.NewServer(cfg.CapacityBoundPPM, cfg.MaxTasks, logger),
		queue:    runqueue.New(),
		mon:      monitor.New(logger),
		ring:     audit.NewRing(cfg.AuditCapacity),
		registry: registry,
		logger:   logger,
	}
	s.gate = gate.New(registry, policies, func(name string) float64 {
		if sub, err := registry.Get(name); err == nil {
			if m := sub.CurrentMetric(); m > 0 {
				return m
			}
		}
		return float64(s.mon.MaxP99())
	}, s.ring, logger)
	return s
}

// Enable turns deterministic scheduling on. Idempotent.
func (s *Scheduler) Enable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		s.enabled = true
		s.logger.Info("Deterministic scheduling enabled")
	}
}

// Disable stops dispatch. Admitted tasks keep their reservations and
// resume when scheduling is re-enabled.
func (s *Scheduler) Disable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enabled {
		s.enabled = false
		s.hasTask = false
		s.logger.Info("Deterministic scheduling disabled")
	}
}

func (s *Scheduler) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Admit runs admission control and queues the task on success. Every
// decision lands in the audit ring.
func (s *Scheduler) Admit(p cbs.Params) (cbs.TaskID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	id, err := s.server.Admit(p, now)
	if err != nil {
		s.ring.Append(audit.Record{
			Time:     now,
			Kind:     audit.KindAdmissionDecision,
			Admitted: false,
			Reason:   err.Error(),
		})
		return 0, err
	}

	s.queue.Push(id)
	s.ring.Append(audit.Record{
		Time:     now,
		Kind:     audit.KindAdmissionDecision,
		TaskID:   uint32(id),
		Admitted: true,
	})
	return id, nil
}

// Remove drops a task, releasing its bandwidth.
func (s *Scheduler) Remove(id cbs.TaskID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(id, s.clk.Now(), "removal requested")
}

func (s *Scheduler) removeLocked(id cbs.TaskID, now uint64, reason string) error {
	if err := s.server.Remove(id); err != nil {
		return err
	}
	s.queue.Remove(id)
	s.mon.Forget(id)
	if s.hasTask && s.running == id {
		s.hasTask = false
	}
	s.ring.Append(audit.Record{
		Time:   now,
		Kind:   audit.KindRemoval,
		TaskID: uint32(id),
		Reason: reason,
	})
	return nil
}

// Tick advances the scheduler by one tick interval: replenish budgets,
// fire deadline events, pick the next task by earliest deadline and charge
// its budget.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	s.ticks++

	if !s.enabled {
		// Disabled ticks still leave a trace so the audit stream shows the
		// gap rather than silence.
		s.ring.Append(audit.Record{Time: now, Kind: audit.KindDispatch, Running: false})
		return
	}

	for _, rep := range s.server.ReplenishAll(now) {
		if rep.PriorBudget == 0 {
			continue
		}
		// The period rolled over with budget unconsumed: that period's job
		// never completed, and the reset already forfeited its budget.
		s.missLocked(rep.ID, rep.PriorDeadline, now, 0)
	}
	s.fireDeadlines(now)
	s.dispatch(now)
	s.gate.Observe(now)
}

// fireDeadlines records a miss for every task whose absolute deadline has
// passed with budget left unconsumed. This catches misses mid-period when
// the deadline is shorter than the period; misses at the period boundary
// itself surface through replenishment.
func (s *Scheduler) fireDeadlines(now uint64) {
	for _, t := range s.server.Snapshot() {
		if now <= t.AbsoluteDeadline || t.RemainingBudget == 0 {
			continue
		}
		s.missLocked(t.ID, t.AbsoluteDeadline, now, t.RemainingBudget)
	}
}

// missLocked records a deadline miss and applies the configured miss
// policy. forfeit is the budget still reserved for the missed period; it is
// zero when the miss is detected at a period boundary, where replenishment
// has already issued the new budget. Forfeiting keeps one late job from
// cascading into the next period.
func (s *Scheduler) missLocked(id cbs.TaskID, deadline, now, forfeit uint64) {
	jitter := s.mon.RecordMiss(id, deadline, now)
	s.ring.Append(audit.Record{
		Time:     now,
		Kind:     audit.KindDeadlineEvent,
		TaskID:   uint32(id),
		Missed:   true,
		Deadline: deadline,
		Jitter:   jitter,
	})

	if s.cfg.MissPolicy == MissPolicyRemove {
		if err := s.removeLocked(id, now, "deadline miss"); err != nil {
			s.logger.WithError(err).WithField("task_id", id).Error("Failed to remove task after miss")
		}
		return
	}
	if forfeit == 0 {
		return
	}
	if _, err := s.server.Tick(id, forfeit); err != nil {
		s.logger.WithError(err).WithField("task_id", id).Error("Failed to forfeit budget after miss")
	}
}

func (s *Scheduler) dispatch(now uint64) {
	id, ok := s.queue.PickNext(func(id cbs.TaskID) (uint64, bool, bool) {
		t, found := s.server.Get(id)
		if !found {
			return 0, false, false
		}
		return t.AbsoluteDeadline, t.Runnable(), true
	})
	if !ok {
		s.hasTask = false
		s.ring.Append(audit.Record{Time: now, Kind: audit.KindDispatch, Running: false})
		return
	}

	s.running = id
	s.hasTask = true
	t, _ := s.server.Get(id)
	s.ring.Append(audit.Record{
		Time:     now,
		Kind:     audit.KindDispatch,
		TaskID:   uint32(id),
		Running:  true,
		Deadline: t.AbsoluteDeadline,
	})

	rem, err := s.server.Tick(id, uint64(s.cfg.TickInterval.Nanoseconds()))
	if err != nil {
		s.logger.WithError(err).WithField("task_id", id).Error("Budget charge failed")
		return
	}
	if rem == 0 {
		// The job consumed its reserved budget: the period's work is done.
		jitter, missed := s.mon.RecordCompletion(id, t.AbsoluteDeadline, now)
		s.ring.Append(audit.Record{
			Time:     now,
			Kind:     audit.KindDeadlineEvent,
			TaskID:   uint32(id),
			Missed:   missed,
			Deadline: t.AbsoluteDeadline,
			Finish:   now,
			Jitter:   jitter,
		})
		s.hasTask = false
	}
}

// Propose forwards a tuning directive to the gate under the facade lock.
func (s *Scheduler) Propose(d gate.Directive) gate.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gate.Propose(d, s.clk.Now())
}

// Status returns a consistent snapshot for the control surfaces.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	accepted, rejected := s.server.Stats()
	st := Status{
		Enabled:        s.enabled,
		Ticks:          s.ticks,
		UtilizationPPM: s.server.UtilizationPPM(),
		BoundPPM:       s.server.BoundPPM(),
		Accepted:       accepted,
		Rejected:       rejected,
		TotalMisses:    s.mon.TotalMisses(),
		Gate:           s.gate.Stats(),
		Subsystems:     make(map[string]string),
	}
	for _, t := range s.server.Snapshot() {
		row := TaskStatus{
			ID:       t.ID,
			WCET:     t.WCET,
			Period:   t.Period,
			Budget:   t.RemainingBudget,
			Deadline: t.AbsoluteDeadline,
		}
		if ms, ok := s.mon.Stats(t.ID); ok {
			row.Completions = ms.Completions
			row.Misses = ms.Misses
			row.P50 = ms.P50
			row.P99 = ms.P99
		}
		st.Tasks = append(st.Tasks, row)
	}
	for _, name := range s.registry.Names() {
		if sub, err := s.registry.Get(name); err == nil {
			st.Subsystems[name] = sub.Current()
		}
	}
	return st
}

// ResetCounters clears miss counts and jitter history for every task.
// Admitted tasks and the audit ring are untouched: a reset is itself part
// of the record, not an eraser for it.
func (s *Scheduler) ResetCounters() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mon = monitor.New(s.logger)
	s.logger.Info("Deadline counters reset")
}

// AuditSince returns audit records at or after cursor plus the next
// cursor, for incremental export.
func (s *Scheduler) AuditSince(cursor uint64) ([]audit.Record, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.ReadSince(cursor)
}

// AuditLast returns the most recent n audit records.
func (s *Scheduler) AuditLast(n int) []audit.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.Last(n)
}

// TickInterval exposes the configured tick period for the run loop.
func (s *Scheduler) TickInterval() time.Duration {
	return s.cfg.TickInterval
}

// Validate rejects nonsensical configurations before the loop starts.
func (c Config) Validate() error {
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive, got %s", c.TickInterval)
	}
	if c.CapacityBoundPPM == 0 || c.CapacityBoundPPM > cbs.PPMScale {
		return fmt.Errorf("capacity bound must be in (0, %d] ppm, got %d", cbs.PPMScale, c.CapacityBoundPPM)
	}
	if c.MissPolicy != MissPolicyLog && c.MissPolicy != MissPolicyRemove {
		return fmt.Errorf("miss policy must be %q or %q, got %q", MissPolicyLog, MissPolicyRemove, c.MissPolicy)
	}
	return nil
}
