package control

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"detsched/internal/audit"
	"detsched/internal/clock"
	"detsched/internal/gate"
	"detsched/internal/sched"
	"detsched/internal/subsystem"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

type fakeExporter struct {
	records []audit.Record
	err     error
}

func (f *fakeExporter) Export(records []audit.Record) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.records = append(f.records, records...)
	return "spool/audit-test.json.gz", nil
}

func startServer(t *testing.T) (*Server, string, *fakeExporter) {
	t.Helper()

	registry := subsystem.NewRegistry()
	registry.Register(subsystem.NewMemory(testLogger()))
	cfg := sched.Config{
		TickInterval:     time.Millisecond,
		CapacityBoundPPM: 850_000,
		MaxTasks:         16,
		AuditCapacity:    256,
		MissPolicy:       sched.MissPolicyLog,
	}
	s := sched.New(cfg, clock.NewManual(0), registry, map[string]gate.Policy{}, testLogger())

	exporter := &fakeExporter{}
	srv := NewServer(s, exporter, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe(ctx, "127.0.0.1:0") }()

	require.Eventually(t, func() bool { return srv.Addr() != "" }, time.Second, 5*time.Millisecond)
	t.Cleanup(func() {
		cancel()
		<-errc
	})
	return srv, srv.Addr(), exporter
}

func TestDetOnOffStatus(t *testing.T) {
	_, addr, _ := startServer(t)

	reply, err := Send(addr, "det on")
	require.NoError(t, err)
	assert.Equal(t, []string{"[DET] enabled"}, reply)

	reply, err = Send(addr, "det status")
	require.NoError(t, err)
	require.NotEmpty(t, reply)
	assert.Contains(t, reply[0], "enabled=1")

	reply, err = Send(addr, "det off")
	require.NoError(t, err)
	assert.Equal(t, []string{"[DET] disabled"}, reply)
}

func TestDetOnAdmitsTask(t *testing.T) {
	_, addr, _ := startServer(t)

	reply, err := Send(addr, "det on 2000000 10000000 10000000")
	require.NoError(t, err)
	require.Len(t, reply, 1)
	assert.Equal(t, "[DET] admitted id=1", reply[0])

	reply, err = Send(addr, "det status")
	require.NoError(t, err)
	var taskLine string
	for _, line := range reply {
		if strings.Contains(line, "task id=1") {
			taskLine = line
		}
	}
	require.NotEmpty(t, taskLine, "status missing admitted task")
	assert.Contains(t, taskLine, "wcet_ns=2000000")
}

func TestDetOnRejectsOverCapacity(t *testing.T) {
	_, addr, _ := startServer(t)

	reply, err := Send(addr, "det on 6000000 10000000 10000000")
	require.NoError(t, err)
	assert.Contains(t, reply[0], "admitted")

	reply, err = Send(addr, "det on 6000000 10000000 10000000")
	require.NoError(t, err)
	assert.Contains(t, reply[0], "[DET] rejected reason=")
}

func TestDetRm(t *testing.T) {
	_, addr, _ := startServer(t)

	_, err := Send(addr, "det on 1000000 10000000 10000000")
	require.NoError(t, err)

	reply, err := Send(addr, "det rm 1")
	require.NoError(t, err)
	assert.Equal(t, []string{"[DET] removed id=1"}, reply)

	reply, err = Send(addr, "det rm 1")
	require.NoError(t, err)
	assert.Contains(t, reply[0], "rejected")
}

func TestDetReset(t *testing.T) {
	_, addr, _ := startServer(t)

	reply, err := Send(addr, "det reset")
	require.NoError(t, err)
	assert.Equal(t, []string{"[DET] counters reset"}, reply)
}

func TestAuditLastAndExport(t *testing.T) {
	_, addr, exporter := startServer(t)

	// Two admission decisions land in the ring.
	_, err := Send(addr, "det on 1000000 10000000 10000000")
	require.NoError(t, err)
	_, err = Send(addr, "det on 1000000 10000000 10000000")
	require.NoError(t, err)

	reply, err := Send(addr, "audit last 10")
	require.NoError(t, err)
	assert.Len(t, reply, 2)
	assert.Contains(t, reply[0], `"admission_decision"`)

	reply, err = Send(addr, "audit export")
	require.NoError(t, err)
	require.Len(t, reply, 1)
	assert.Contains(t, reply[0], "exported records=2")
	assert.Len(t, exporter.records, 2)

	// Export is incremental: nothing new means nothing to export.
	reply, err = Send(addr, "audit export")
	require.NoError(t, err)
	assert.Equal(t, []string{"[AUDIT] nothing to export"}, reply)
}

func TestUnknownCommandReturnsUsage(t *testing.T) {
	_, addr, _ := startServer(t)

	reply, err := Send(addr, "frobnicate")
	require.NoError(t, err)
	require.Len(t, reply, 1)
	assert.Contains(t, reply[0], "usage:")
}

func TestSessionHandlesMultipleCommands(t *testing.T) {
	_, addr, _ := startServer(t)

	// Multiple commands over one raw connection.
	conn, err := Dial(addr)
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 3; i++ {
		lines, err := conn.Do("det status")
		require.NoError(t, err)
		require.NotEmpty(t, lines)
		assert.Contains(t, lines[0], fmt.Sprintf("enabled=%d", 0))
	}
}
