package runqueue

import (
	"testing"

	"detsched/internal/cbs"
)

type fakeTask struct {
	deadline uint64
	runnable bool
}

func viewOf(tasks map[cbs.TaskID]fakeTask) View {
	return func(id cbs.TaskID) (uint64, bool, bool) {
		t, ok := tasks[id]
		return t.deadline, t.runnable, ok
	}
}

func TestPickNextEarliestDeadline(t *testing.T) {
	q := New()
	tasks := map[cbs.TaskID]fakeTask{
		1: {deadline: 300, runnable: true},
		2: {deadline: 100, runnable: true},
		3: {deadline: 200, runnable: true},
	}
	for id := range tasks {
		q.Push(id)
	}

	id, ok := q.PickNext(viewOf(tasks))
	if !ok || id != 2 {
		t.Errorf("PickNext = (%d, %v), want (2, true)", id, ok)
	}
}

func TestPickNextTieBreaksByLowestID(t *testing.T) {
	q := New()
	tasks := map[cbs.TaskID]fakeTask{
		7: {deadline: 100, runnable: true},
		3: {deadline: 100, runnable: true},
		5: {deadline: 100, runnable: true},
	}
	// Push in an order that differs from id order.
	q.Push(7)
	q.Push(5)
	q.Push(3)

	id, ok := q.PickNext(viewOf(tasks))
	if !ok || id != 3 {
		t.Errorf("PickNext = (%d, %v), want (3, true)", id, ok)
	}
}

func TestPickNextSkipsExhaustedTasks(t *testing.T) {
	q := New()
	tasks := map[cbs.TaskID]fakeTask{
		1: {deadline: 100, runnable: false},
		2: {deadline: 500, runnable: true},
	}
	q.Push(1)
	q.Push(2)

	id, ok := q.PickNext(viewOf(tasks))
	if !ok || id != 2 {
		t.Errorf("PickNext = (%d, %v), want (2, true)", id, ok)
	}
	// The exhausted task stays queued for after replenishment.
	if !q.Contains(1) {
		t.Error("ineligible task was dropped from the queue")
	}
}

func TestPickNextEmptyAndAllBlocked(t *testing.T) {
	q := New()
	if _, ok := q.PickNext(viewOf(nil)); ok {
		t.Error("PickNext on empty queue reported a task")
	}

	tasks := map[cbs.TaskID]fakeTask{1: {deadline: 100, runnable: false}}
	q.Push(1)
	if _, ok := q.PickNext(viewOf(tasks)); ok {
		t.Error("PickNext with no runnable tasks reported a task")
	}
}

func TestStaleIDsDropped(t *testing.T) {
	q := New()
	tasks := map[cbs.TaskID]fakeTask{2: {deadline: 50, runnable: true}}
	q.Push(1) // removed from the task table behind the queue's back
	q.Push(2)

	id, ok := q.PickNext(viewOf(tasks))
	if !ok || id != 2 {
		t.Errorf("PickNext = (%d, %v), want (2, true)", id, ok)
	}
	if q.Len() != 1 {
		t.Errorf("stale id not dropped, queue len = %d", q.Len())
	}
}

func TestPushDeduplicates(t *testing.T) {
	q := New()
	q.Push(1)
	q.Push(1)
	if q.Len() != 1 {
		t.Errorf("duplicate push grew the queue to %d", q.Len())
	}
	q.Remove(1)
	if q.Len() != 0 {
		t.Errorf("Remove left queue len %d", q.Len())
	}
}
