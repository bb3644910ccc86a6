package audit

import "testing"

func TestAppendAssignsMonotonicSeq(t *testing.T) {
	r := NewRing(4)
	for i := 0; i < 3; i++ {
		if seq := r.Append(Record{Kind: KindDispatch}); seq != uint64(i) {
			t.Errorf("Append #%d seq = %d, want %d", i, seq, i)
		}
	}
	if r.Len() != 3 {
		t.Errorf("Len = %d, want 3", r.Len())
	}
}

func TestOverwriteOldest(t *testing.T) {
	r := NewRing(4)
	for i := 0; i < 10; i++ {
		r.Append(Record{Kind: KindDispatch, TaskID: uint32(i)})
	}

	if r.Len() != 4 {
		t.Errorf("Len = %d, want capacity 4", r.Len())
	}
	if r.Oldest() != 6 {
		t.Errorf("Oldest = %d, want 6", r.Oldest())
	}
	if r.Next() != 10 {
		t.Errorf("Next = %d, want 10", r.Next())
	}

	records, next := r.ReadSince(0)
	if len(records) != 4 {
		t.Fatalf("ReadSince(0) returned %d records, want 4 (cursor clamped)", len(records))
	}
	if records[0].Seq != 6 || records[3].Seq != 9 {
		t.Errorf("record seqs = %d..%d, want 6..9", records[0].Seq, records[3].Seq)
	}
	if next != 10 {
		t.Errorf("next cursor = %d, want 10", next)
	}
}

func TestReadSinceIncrementalCursor(t *testing.T) {
	r := NewRing(8)
	r.Append(Record{Kind: KindAdmissionDecision})
	r.Append(Record{Kind: KindDispatch})

	records, cursor := r.ReadSince(0)
	if len(records) != 2 {
		t.Fatalf("first read = %d records, want 2", len(records))
	}

	// Nothing new: empty read, cursor unchanged.
	records, cursor2 := r.ReadSince(cursor)
	if len(records) != 0 || cursor2 != cursor {
		t.Errorf("idle read = (%d records, cursor %d), want (0, %d)", len(records), cursor2, cursor)
	}

	r.Append(Record{Kind: KindDeadlineEvent})
	records, _ = r.ReadSince(cursor)
	if len(records) != 1 || records[0].Kind != KindDeadlineEvent {
		t.Errorf("incremental read = %+v, want the one new record", records)
	}
}

func TestLast(t *testing.T) {
	r := NewRing(8)
	for i := 0; i < 5; i++ {
		r.Append(Record{TaskID: uint32(i)})
	}

	last := r.Last(2)
	if len(last) != 2 || last[0].TaskID != 3 || last[1].TaskID != 4 {
		t.Errorf("Last(2) = %+v, want task ids 3, 4", last)
	}
	if got := r.Last(100); len(got) != 5 {
		t.Errorf("Last(100) = %d records, want all 5", len(got))
	}
}
