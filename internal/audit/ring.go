// Package audit provides the fixed-capacity decision log shared by the
// scheduler core and the directive gate. The ring overwrites its oldest
// entries and is an observability aid, not a durability guarantee.
package audit

// Kind tags a Record. A record carries only the fields that are meaningful
// for its kind; the rest stay zero.
type Kind string

const (
	KindAdmissionDecision   Kind = "admission_decision"
	KindDispatch            Kind = "dispatch"
	KindDeadlineEvent       Kind = "deadline_event"
	KindRemoval             Kind = "removal"
	KindDirectiveProposed   Kind = "directive_proposed"
	KindDirectiveApplied    Kind = "directive_applied"
	KindDirectiveRolledBack Kind = "directive_rolled_back"
)

const DefaultCapacity = 4096

// Record is one immutable audit entry. Seq is assigned by the ring and is
// strictly increasing; it doubles as the export cursor.
type Record struct {
	Seq  uint64 `json:"seq"`
	Time uint64 `json:"time_ns"`
	Kind Kind   `json:"kind"`

	// Admission / dispatch / deadline fields.
	TaskID   uint32 `json:"task_id,omitempty"`
	Admitted bool   `json:"admitted,omitempty"`
	Running  bool   `json:"running,omitempty"`
	Missed   bool   `json:"missed,omitempty"`
	Deadline uint64 `json:"deadline_ns,omitempty"`
	Finish   uint64 `json:"finish_ns,omitempty"`
	Jitter   uint64 `json:"jitter_ns,omitempty"`
	Reason   string `json:"reason,omitempty"`

	// Directive fields.
	DirectiveID string  `json:"directive_id,omitempty"`
	Subsystem   string  `json:"subsystem,omitempty"`
	Action      string  `json:"action,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
	Outcome     string  `json:"outcome,omitempty"`
	Metric      float64 `json:"metric,omitempty"`
}

// Ring is an overwrite-oldest circular buffer of Records. It is not
// goroutine safe; the scheduler facade owns it and serializes access.
type Ring struct {
	records []Record
	next    uint64 // sequence number of the next record to be appended
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{records: make([]Record, capacity)}
}

func (r *Ring) Capacity() int {
	return len(r.records)
}

// Append stamps the record with the next sequence number and stores it,
// overwriting the oldest entry when the ring is full. It returns the
// assigned sequence number.
func (r *Ring) Append(rec Record) uint64 {
	rec.Seq = r.next
	r.records[rec.Seq%uint64(len(r.records))] = rec
	r.next++
	return rec.Seq
}

// Len reports how many records are currently retained.
func (r *Ring) Len() int {
	if r.next < uint64(len(r.records)) {
		return int(r.next)
	}
	return len(r.records)
}

// Oldest returns the sequence number of the oldest retained record.
func (r *Ring) Oldest() uint64 {
	if r.next <= uint64(len(r.records)) {
		return 0
	}
	return r.next - uint64(len(r.records))
}

// Next returns the sequence number the next appended record will get.
func (r *Ring) Next() uint64 {
	return r.next
}

// ReadSince returns copies of all retained records with Seq >= cursor in
// chronological order, and the cursor to use for the following read.
// Records already overwritten are silently skipped.
func (r *Ring) ReadSince(cursor uint64) ([]Record, uint64) {
	start := cursor
	if oldest := r.Oldest(); start < oldest {
		start = oldest
	}
	if start >= r.next {
		return nil, r.next
	}
	out := make([]Record, 0, r.next-start)
	for seq := start; seq < r.next; seq++ {
		out = append(out, r.records[seq%uint64(len(r.records))])
	}
	return out, r.next
}

// Last returns up to n most recent records in chronological order.
func (r *Ring) Last(n int) []Record {
	if n <= 0 {
		return nil
	}
	start := r.next
	if uint64(n) < r.next {
		start = r.next - uint64(n)
	} else {
		start = 0
	}
	recs, _ := r.ReadSince(start)
	return recs
}
