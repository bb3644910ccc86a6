package telemetry

import (
	"compress/gzip"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"detsched/internal/audit"
	"detsched/internal/cbs"
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

func newScheduler(t *testing.T) *sched.Scheduler {
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
	return sched.New(cfg, clock.NewManual(0), registry, map[string]gate.Policy{}, testLogger())
}

func TestSpoolExportRoundTrip(t *testing.T) {
	spool := NewSpool(t.TempDir(), "scheduler:\n  tick_interval_ms: 1\n")

	records := []audit.Record{
		{Seq: 3, Kind: audit.KindAdmissionDecision, TaskID: 1, Admitted: true},
		{Seq: 4, Kind: audit.KindDispatch, TaskID: 1, Running: true},
	}
	path, err := spool.Export(records)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, ".json.gz"))
	assert.Contains(t, path, "3-4")

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)

	var artifact SpoolArtifact
	require.NoError(t, json.NewDecoder(gz).Decode(&artifact))
	assert.Equal(t, 1, artifact.Version)
	assert.Equal(t, uint64(3), artifact.FirstSeq)
	assert.Equal(t, uint64(4), artifact.LastSeq)
	assert.Contains(t, artifact.ConfigContent, "tick_interval_ms")
	require.Len(t, artifact.Records, 2)
	assert.Equal(t, audit.KindDispatch, artifact.Records[1].Kind)
}

func TestSpoolExportEmptyFails(t *testing.T) {
	spool := NewSpool(t.TempDir(), "")
	_, err := spool.Export(nil)
	assert.Error(t, err)
}

func TestHTTPStatus(t *testing.T) {
	s := newScheduler(t)
	s.Enable()
	srv := NewHTTPServer(s, testLogger())

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var st sched.Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.True(t, st.Enabled)
	assert.Equal(t, uint32(850_000), st.BoundPPM)
}

func TestHTTPAuditCursor(t *testing.T) {
	s := newScheduler(t)
	if _, err := s.Admit(cbs.Params{WCET: 1000, Period: 10_000, Deadline: 10_000}); err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	srv := NewHTTPServer(s, testLogger())

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp auditResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Records, 1)
	assert.Equal(t, audit.KindAdmissionDecision, resp.Records[0].Kind)
	assert.Equal(t, uint64(1), resp.Next)

	// Incremental read from the returned cursor is empty.
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit?cursor=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Empty(t, resp.Records)
}

func TestHTTPAuditRejectsBadCursor(t *testing.T) {
	srv := NewHTTPServer(newScheduler(t), testLogger())

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit?cursor=banana", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTPHealth(t *testing.T) {
	srv := NewHTTPServer(newScheduler(t), testLogger())

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
