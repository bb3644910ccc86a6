// Package runqueue holds the earliest-deadline-first dispatch order over
// runnable task ids. The queue stores ids only; deadline and budget state
// live in the budget server and are consulted through a view callback, so
// the dispatch decision always reflects current accounting.
package runqueue

import "detsched/internal/cbs"

// View resolves a task id to its current absolute deadline and
// eligibility. Tasks for which ok is false are skipped.
type View func(id cbs.TaskID) (deadline uint64, runnable bool, ok bool)

// EDF is a small unordered set of task ids scanned per dispatch. With the
// bounded task table a linear scan is cheaper and simpler than keeping a
// heap coherent across budget exhaustion and replenishment.
type EDF struct {
	ids []cbs.TaskID
}

func New() *EDF {
	return &EDF{}
}

// Push enqueues an id. Duplicate pushes are ignored.
func (q *EDF) Push(id cbs.TaskID) {
	for _, existing := range q.ids {
		if existing == id {
			return
		}
	}
	q.ids = append(q.ids, id)
}

// Remove drops an id from the queue if present.
func (q *EDF) Remove(id cbs.TaskID) {
	for i, existing := range q.ids {
		if existing == id {
			q.ids = append(q.ids[:i], q.ids[i+1:]...)
			return
		}
	}
}

// PickNext returns the runnable task with the earliest absolute deadline.
// Ties break toward the lowest task id so dispatch is a pure function of
// queue state. Ineligible entries stay queued; stale ids (not resolvable
// through the view) are dropped in place.
func (q *EDF) PickNext(view View) (cbs.TaskID, bool) {
	var (
		best         cbs.TaskID
		bestDeadline uint64
		found        bool
	)
	for i := 0; i < len(q.ids); {
		id := q.ids[i]
		deadline, runnable, ok := view(id)
		if !ok {
			q.ids = append(q.ids[:i], q.ids[i+1:]...)
			continue
		}
		i++
		if !runnable {
			continue
		}
		if !found || deadline < bestDeadline || (deadline == bestDeadline && id < best) {
			best = id
			bestDeadline = deadline
			found = true
		}
	}
	return best, found
}

// Contains reports whether the id is queued.
func (q *EDF) Contains(id cbs.TaskID) bool {
	for _, existing := range q.ids {
		if existing == id {
			return true
		}
	}
	return false
}

func (q *EDF) Len() int {
	return len(q.ids)
}

// IDs returns the queued ids in insertion order.
func (q *EDF) IDs() []cbs.TaskID {
	out := make([]cbs.TaskID, len(q.ids))
	copy(out, q.ids)
	return out
}
