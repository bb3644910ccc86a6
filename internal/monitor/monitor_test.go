package monitor

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestRecordCompletionEarlyRecordsEarliness(t *testing.T) {
	m := New(testLogger())

	jitter, missed := m.RecordCompletion(1, 1_000, 900)
	if jitter != 100 || missed {
		t.Errorf("early completion = (%d, %v), want (100, false)", jitter, missed)
	}
	if jitter, missed := m.RecordCompletion(1, 2_000, 2_000); jitter != 0 || missed {
		t.Errorf("exact completion = (%d, %v), want (0, false)", jitter, missed)
	}

	s, ok := m.Stats(1)
	if !ok {
		t.Fatal("Stats missing for recorded task")
	}
	if s.Completions != 2 || s.Misses != 0 {
		t.Errorf("stats = %+v, want 2 completions, 0 misses", s)
	}
}

func TestEarlyCompletionsShapePercentiles(t *testing.T) {
	m := New(testLogger())

	// A healthy task finishing consistently 5 before its deadline must not
	// report flat-zero percentiles.
	for i := 0; i < 10; i++ {
		m.RecordCompletion(1, 1_000, 995)
	}
	s, _ := m.Stats(1)
	if s.P50 != 5 || s.P99 != 5 {
		t.Errorf("percentiles = (%d, %d), want (5, 5)", s.P50, s.P99)
	}
}

func TestRecordCompletionLateCountsMiss(t *testing.T) {
	m := New(testLogger())

	jitter, missed := m.RecordCompletion(1, 1_000, 1_250)
	if jitter != 250 || !missed {
		t.Errorf("late completion = (%d, %v), want (250, true)", jitter, missed)
	}
	if m.TotalMisses() != 1 {
		t.Errorf("TotalMisses = %d, want 1", m.TotalMisses())
	}
}

func TestRecordMissWithoutCompletion(t *testing.T) {
	m := New(testLogger())

	if jitter := m.RecordMiss(2, 1_000, 1_400); jitter != 400 {
		t.Errorf("RecordMiss jitter = %d, want 400", jitter)
	}
	s, _ := m.Stats(2)
	if s.Misses != 1 || s.Completions != 0 {
		t.Errorf("stats = %+v, want 1 miss, 0 completions", s)
	}
}

func TestPercentilesOverWindow(t *testing.T) {
	m := New(testLogger())

	// 100 samples of increasing jitter; only the last 64 stay in the window
	// (37..100 inclusive).
	for i := 1; i <= 100; i++ {
		m.RecordCompletion(1, 0, uint64(i))
	}
	s, _ := m.Stats(1)
	if s.LastJitter != 100 {
		t.Errorf("LastJitter = %d, want 100", s.LastJitter)
	}
	if s.P50 != 68 {
		t.Errorf("P50 = %d, want 68", s.P50)
	}
	if s.P99 != 100 {
		t.Errorf("P99 = %d, want 100", s.P99)
	}
}

func TestForgetDropsHistoryKeepsGlobalMisses(t *testing.T) {
	m := New(testLogger())

	m.RecordMiss(1, 100, 200)
	m.Forget(1)
	if _, ok := m.Stats(1); ok {
		t.Error("Stats survived Forget")
	}
	if m.TotalMisses() != 1 {
		t.Errorf("TotalMisses = %d, want 1 after Forget", m.TotalMisses())
	}
}

func TestMaxP99AcrossTasks(t *testing.T) {
	m := New(testLogger())

	m.RecordCompletion(1, 0, 10)
	m.RecordCompletion(2, 0, 500)
	if got := m.MaxP99(); got != 500 {
		t.Errorf("MaxP99 = %d, want 500", got)
	}
}
