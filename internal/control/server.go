// Package control serves the line-oriented text protocol over TCP:
//
//	det on [<wcet_ns> <period_ns> <deadline_ns>]
//	det off
//	det status
//	det reset
//	det rm <task-id>
//	audit last <n>
//	audit export
//
// Each reply is one or more lines terminated by a single blank line, so
// clients can frame responses without timeouts. Connections are sessions:
// a client may issue any number of commands before closing.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"detsched/internal/audit"
	"detsched/internal/cbs"
	"detsched/internal/sched"
)

// Exporter drains audit records to a durable artifact. The control server
// does not care where; the telemetry spool backs it in production.
type Exporter interface {
	Export(records []audit.Record) (string, error)
}

// Server accepts control sessions and translates commands into facade
// calls.
type Server struct {
	sched    *sched.Scheduler
	exporter Exporter
	logger   logrus.FieldLogger

	// mu guards the listener handle and the export cursor; sessions run
	// concurrently. cursor marks the first unexported audit record.
	mu       sync.Mutex
	listener net.Listener
	cursor   uint64
}

func NewServer(s *sched.Scheduler, exporter Exporter, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{sched: s, exporter: exporter, logger: logger}
}

// ListenAndServe accepts connections on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.WithField("addr", ln.Addr().String()).Info("Control server listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		go s.handle(conn)
	}
}

// Addr returns the bound address, for tests that listen on port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	w := bufio.NewWriter(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			return
		}
		for _, reply := range s.dispatch(line) {
			fmt.Fprintln(w, reply)
		}
		fmt.Fprintln(w)
		if err := w.Flush(); err != nil {
			return
		}
	}
}

const usage = "usage: det on [<wcet_ns> <period_ns> <deadline_ns>] | off | status | reset | rm <id>  --  audit last <n> | export"

func (s *Server) dispatch(line string) []string {
	parts := strings.Fields(line)
	switch parts[0] {
	case "det":
		return s.det(parts[1:])
	case "audit":
		return s.audit(parts[1:])
	case "help":
		return []string{usage}
	default:
		return []string{usage}
	}
}

func (s *Server) det(args []string) []string {
	if len(args) == 0 {
		return []string{usage}
	}
	switch args[0] {
	case "on":
		s.sched.Enable()
		if len(args) == 1 {
			return []string{"[DET] enabled"}
		}
		if len(args) < 4 {
			return []string{"usage: det on <wcet_ns> <period_ns> <deadline_ns>"}
		}
		return s.admit(args[1:4])
	case "off":
		s.sched.Disable()
		return []string{"[DET] disabled"}
	case "status":
		return s.status()
	case "reset":
		s.sched.ResetCounters()
		return []string{"[DET] counters reset"}
	case "rm":
		if len(args) < 2 {
			return []string{"usage: det rm <task-id>"}
		}
		id, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return []string{"[DET] invalid task id"}
		}
		if err := s.sched.Remove(cbs.TaskID(id)); err != nil {
			return []string{fmt.Sprintf("[DET] rejected reason=%s", err)}
		}
		return []string{fmt.Sprintf("[DET] removed id=%d", id)}
	default:
		return []string{usage}
	}
}

func (s *Server) admit(args []string) []string {
	var vals [3]uint64
	names := [3]string{"wcet", "period", "deadline"}
	for i, arg := range args {
		v, err := strconv.ParseUint(arg, 10, 64)
		if err != nil {
			return []string{fmt.Sprintf("[DET] invalid %s", names[i])}
		}
		vals[i] = v
	}

	id, err := s.sched.Admit(cbs.Params{WCET: vals[0], Period: vals[1], Deadline: vals[2]})
	if err != nil {
		return []string{fmt.Sprintf("[DET] rejected reason=%s", err)}
	}
	return []string{fmt.Sprintf("[DET] admitted id=%d", id)}
}

func (s *Server) status() []string {
	st := s.sched.Status()

	enabled := 0
	if st.Enabled {
		enabled = 1
	}
	out := []string{
		fmt.Sprintf("[DET] enabled=%d tasks=%d util_ppm=%d bound_ppm=%d misses=%d",
			enabled, len(st.Tasks), st.UtilizationPPM, st.BoundPPM, st.TotalMisses),
	}
	for _, task := range st.Tasks {
		out = append(out, fmt.Sprintf(
			"[DET] task id=%d wcet_ns=%d period_ns=%d budget_ns=%d completions=%d misses=%d p50_jitter_ns=%d p99_jitter_ns=%d",
			task.ID, task.WCET, task.Period, task.Budget, task.Completions, task.Misses, task.P50, task.P99))
	}
	out = append(out, fmt.Sprintf("[DET] gate proposed=%d accepted=%d rejected=%d rolled_back=%d in_flight=%d",
		st.Gate.Proposed, st.Gate.Accepted, st.Gate.Rejected, st.Gate.RolledBack, st.Gate.InFlight))
	for name, strategy := range st.Subsystems {
		out = append(out, fmt.Sprintf("[DET] subsystem %s strategy=%s", name, strategy))
	}
	return out
}

func (s *Server) audit(args []string) []string {
	if len(args) == 0 {
		return []string{usage}
	}
	switch args[0] {
	case "last":
		n := 10
		if len(args) > 1 {
			v, err := strconv.Atoi(args[1])
			if err != nil || v <= 0 {
				return []string{"[AUDIT] invalid count"}
			}
			n = v
		}
		records := s.sched.AuditLast(n)
		out := make([]string, 0, len(records))
		for _, rec := range records {
			data, err := json.Marshal(rec)
			if err != nil {
				continue
			}
			out = append(out, string(data))
		}
		if len(out) == 0 {
			out = append(out, "[AUDIT] empty")
		}
		return out
	case "export":
		if s.exporter == nil {
			return []string{"[AUDIT] export not configured"}
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		records, next := s.sched.AuditSince(s.cursor)
		if len(records) == 0 {
			return []string{"[AUDIT] nothing to export"}
		}
		path, err := s.exporter.Export(records)
		if err != nil {
			return []string{fmt.Sprintf("[AUDIT] export failed: %s", err)}
		}
		s.cursor = next
		return []string{fmt.Sprintf("[AUDIT] exported records=%d file=%s", len(records), path)}
	default:
		return []string{usage}
	}
}
