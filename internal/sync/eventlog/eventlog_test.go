package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/kimhsiao/nodesync/internal/db"
	apperrors "github.com/kimhsiao/nodesync/internal/errors"
	"github.com/kimhsiao/nodesync/internal/models"
)

func openTestDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.OpenMigrated(t.TempDir())
	if err != nil {
		t.Fatalf("OpenMigrated() error = %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func newEvent(t *testing.T, id, source string, seq uint64, origin models.Origin) *models.ChangeEvent {
	t.Helper()
	data := json.RawMessage(fmt.Sprintf(`{"id":"r1","name":"v%d"}`, seq))
	sum, err := models.ComputeChecksum(data)
	if err != nil {
		t.Fatal(err)
	}
	return &models.ChangeEvent{
		EventID:      id,
		SourceNodeID: source,
		SourceSeq:    seq,
		Table:        "products",
		RecordID:     "r1",
		Operation:    models.OpUpdate,
		ChangeData:   data,
		VectorClock:  models.VectorClock{source: seq},
		LamportClock: seq,
		Checksum:     sum,
		Origin:       origin,
	}
}

// =====================================================
// Events
// =====================================================

// TestAppendAndGet verifies events round-trip through the table.
func TestAppendAndGet(t *testing.T) {
	ctx := context.Background()
	s := New(openTestDB(t))

	e := newEvent(t, "e1", "A", 1, models.OriginLocal)
	e.BeforeData = json.RawMessage(`{"id":"r1","name":"old"}`)
	e.Metadata = models.Metadata{"bulk": "true"}
	if err := s.Append(ctx, e); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	got, found, err := s.Get(ctx, "e1")
	if err != nil || !found {
		t.Fatalf("Get() = %v, %v, %v", got, found, err)
	}
	if got.SourceSeq != 1 || got.LamportClock != 1 || got.VectorClock.Get("A") != 1 {
		t.Errorf("Get() clocks = seq %d lamport %d vc %v", got.SourceSeq, got.LamportClock, got.VectorClock)
	}
	if string(got.ChangeData) != string(e.ChangeData) || string(got.BeforeData) != string(e.BeforeData) {
		t.Errorf("Get() data = %s / %s", got.ChangeData, got.BeforeData)
	}
	if got.Metadata["bulk"] != "true" {
		t.Errorf("Get() metadata = %v", got.Metadata)
	}
	if err := got.VerifyChecksum(); err != nil {
		t.Errorf("VerifyChecksum() after round trip = %v", err)
	}

	if _, found, _ := s.Get(ctx, "missing"); found {
		t.Error("Get(missing) found = true")
	}
}

// TestAppend_duplicate verifies eventId uniqueness.
func TestAppend_duplicate(t *testing.T) {
	ctx := context.Background()
	s := New(openTestDB(t))

	if err := s.Append(ctx, newEvent(t, "e1", "A", 1, models.OriginLocal)); err != nil {
		t.Fatal(err)
	}
	err := s.Append(ctx, newEvent(t, "e1", "A", 1, models.OriginLocal))
	if !apperrors.Is(err, apperrors.ErrDuplicate) {
		t.Errorf("Append() duplicate = %v, want DUPLICATE", err)
	}
}

// TestMarkProcessed verifies the compare-and-set semantics.
func TestMarkProcessed(t *testing.T) {
	ctx := context.Background()
	s := New(openTestDB(t))
	if err := s.Append(ctx, newEvent(t, "e1", "B", 1, models.OriginRemote)); err != nil {
		t.Fatal(err)
	}

	ok, err := s.MarkProcessed(ctx, "e1", models.OutcomeApplied)
	if err != nil || !ok {
		t.Fatalf("MarkProcessed() = %v, %v, want true", ok, err)
	}
	ok, err = s.MarkProcessed(ctx, "e1", models.OutcomeDiscarded)
	if err != nil || ok {
		t.Fatalf("second MarkProcessed() = %v, %v, want false", ok, err)
	}

	got, _, _ := s.Get(ctx, "e1")
	if !got.Processed || got.Outcome != models.OutcomeApplied || got.ProcessedAt == 0 {
		t.Errorf("event = processed %v outcome %q at %d", got.Processed, got.Outcome, got.ProcessedAt)
	}
}

// TestMarkFailed verifies retry counting and dead-lettering.
func TestMarkFailed(t *testing.T) {
	ctx := context.Background()
	s := New(openTestDB(t))
	if err := s.Append(ctx, newEvent(t, "e1", "B", 1, models.OriginRemote)); err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 3; i++ {
		res, err := s.MarkFailed(ctx, "e1", "checksum mismatch", 3)
		if err != nil {
			t.Fatalf("MarkFailed() error = %v", err)
		}
		if res.RetryCount != i {
			t.Errorf("attempt %d: RetryCount = %d", i, res.RetryCount)
		}
		if res.DeadLettered != (i == 3) {
			t.Errorf("attempt %d: DeadLettered = %v", i, res.DeadLettered)
		}
	}

	// dead letters are never processed
	if ok, _ := s.MarkProcessed(ctx, "e1", models.OutcomeApplied); ok {
		t.Error("MarkProcessed() succeeded on a dead letter")
	}

	dead, err := s.DeadLetters(ctx, 10)
	if err != nil || len(dead) != 1 || dead[0].ProcessingError != "checksum mismatch" {
		t.Fatalf("DeadLetters() = %v, %v", dead, err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.DeadLettered != 1 || st.PendingRemote != 0 {
		t.Errorf("Stats() = %+v", st)
	}
}

// TestReplacePayload verifies a resend overwrites a corrupt copy.
func TestReplacePayload(t *testing.T) {
	ctx := context.Background()
	s := New(openTestDB(t))

	bad := newEvent(t, "e1", "B", 1, models.OriginRemote)
	bad.Checksum = "corrupt"
	if err := s.Append(ctx, bad); err != nil {
		t.Fatal(err)
	}

	good := newEvent(t, "e1", "B", 1, models.OriginRemote)
	if err := s.ReplacePayload(ctx, good); err != nil {
		t.Fatalf("ReplacePayload() error = %v", err)
	}
	got, _, _ := s.Get(ctx, "e1")
	if err := got.VerifyChecksum(); err != nil {
		t.Errorf("VerifyChecksum() after replace = %v", err)
	}
}

// TestPendingForKey verifies conflict candidate selection.
func TestPendingForKey(t *testing.T) {
	ctx := context.Background()
	s := New(openTestDB(t))

	healthy := newEvent(t, "e-a", "A", 1, models.OriginLocal)
	fromB := newEvent(t, "e-b", "B", 1, models.OriginRemote)
	failing := newEvent(t, "e-c", "C", 1, models.OriginRemote)
	done := newEvent(t, "e-d", "D", 1, models.OriginRemote)
	other := newEvent(t, "e-o", "A", 2, models.OriginLocal)
	other.RecordID = "r2"
	for _, e := range []*models.ChangeEvent{healthy, fromB, failing, done, other} {
		if err := s.Append(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.MarkFailed(ctx, "e-c", "boom", 5); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MarkProcessed(ctx, "e-d", models.OutcomeApplied); err != nil {
		t.Fatal(err)
	}

	got, err := s.PendingForKey(ctx, models.RecordKey{Table: "products", RecordID: "r1"}, "B")
	if err != nil {
		t.Fatalf("PendingForKey() error = %v", err)
	}
	if len(got) != 1 || got[0].EventID != "e-a" {
		ids := []string{}
		for _, e := range got {
			ids = append(ids, e.EventID)
		}
		t.Errorf("PendingForKey() = %v, want [e-a]", ids)
	}
}

// =====================================================
// Deliveries
// =====================================================

// TestBackoff verifies exponential growth and the cap.
func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{10, 2560 * time.Second},
		{11, time.Hour},
		{64, time.Hour},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt_%d", tt.attempt), func(t *testing.T) {
			if got := Backoff(tt.attempt, 5*time.Second); got != tt.want {
				t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

// TestOutbox verifies per-peer selection and retry scheduling.
func TestOutbox(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	s := New(openTestDB(t)).WithClock(func() time.Time { return now })

	for i := uint64(1); i <= 3; i++ {
		if err := s.Append(ctx, newEvent(t, fmt.Sprintf("e%d", i), "A", i, models.OriginLocal)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Append(ctx, newEvent(t, "remote", "B", 1, models.OriginRemote)); err != nil {
		t.Fatal(err)
	}

	got, err := s.Outbox(ctx, "B", 10)
	if err != nil || len(got) != 3 || got[0].EventID != "e1" {
		t.Fatalf("Outbox() = %d events, %v", len(got), err)
	}

	if err := s.MarkDelivered(ctx, "e1", "B"); err != nil {
		t.Fatal(err)
	}
	delay, err := s.MarkDeliveryFailed(ctx, "e2", "B", "timeout", 5*time.Second)
	if err != nil || delay != 5*time.Second {
		t.Fatalf("MarkDeliveryFailed() = %v, %v", delay, err)
	}
	if err := s.MarkRejected(ctx, "e3", "B", "dead lettered"); err != nil {
		t.Fatal(err)
	}

	if got, _ := s.Outbox(ctx, "B", 10); len(got) != 0 {
		t.Errorf("Outbox() right after failure = %d events, want 0", len(got))
	}
	// another peer still sees everything
	if got, _ := s.Outbox(ctx, "C", 10); len(got) != 3 {
		t.Errorf("Outbox(C) = %d events, want 3", len(got))
	}

	now = now.Add(6 * time.Second)
	got, _ = s.Outbox(ctx, "B", 10)
	if len(got) != 1 || got[0].EventID != "e2" {
		t.Fatalf("Outbox() after backoff = %v", got)
	}

	delay, _ = s.MarkDeliveryFailed(ctx, "e2", "B", "timeout", 5*time.Second)
	if delay != 10*time.Second {
		t.Errorf("second failure delay = %v, want 10s", delay)
	}
	d, found, err := s.Delivery(ctx, "e2", "B")
	if err != nil || !found || d.Attempts != 2 || d.Status != models.DeliveryFailed || d.LastError != "timeout" {
		t.Errorf("Delivery() = %+v, %v, %v", d, found, err)
	}
}

// TestCompleteDelivered verifies local events complete only when every peer
// is done with them.
func TestCompleteDelivered(t *testing.T) {
	ctx := context.Background()
	s := New(openTestDB(t))

	for i := uint64(1); i <= 2; i++ {
		if err := s.Append(ctx, newEvent(t, fmt.Sprintf("e%d", i), "A", i, models.OriginLocal)); err != nil {
			t.Fatal(err)
		}
	}

	if n, _ := s.CompleteDelivered(ctx, nil); n != 0 {
		t.Errorf("CompleteDelivered(no peers) = %d, want 0", n)
	}

	_ = s.MarkDelivered(ctx, "e1", "B")
	_ = s.MarkRejected(ctx, "e1", "C", "parked")
	_ = s.MarkDelivered(ctx, "e2", "B")

	n, err := s.CompleteDelivered(ctx, []string{"B", "C"})
	if err != nil || n != 1 {
		t.Fatalf("CompleteDelivered() = %d, %v, want 1", n, err)
	}
	e1, _, _ := s.Get(ctx, "e1")
	e2, _, _ := s.Get(ctx, "e2")
	if !e1.Processed || e2.Processed {
		t.Errorf("processed = e1 %v, e2 %v", e1.Processed, e2.Processed)
	}

	stats, err := s.DeliveryStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats["total"] != 3 || stats["delivered"] != 2 || stats["rejected"] != 1 {
		t.Errorf("DeliveryStats() = %v", stats)
	}
}

// =====================================================
// Heads and Progress
// =====================================================

// TestHead verifies record head upserts.
func TestHead(t *testing.T) {
	ctx := context.Background()
	s := New(openTestDB(t))
	key := models.RecordKey{Table: "products", RecordID: "r1"}

	if _, found, _ := s.Head(ctx, key); found {
		t.Fatal("Head() found before SetHead")
	}

	first := newEvent(t, "e1", "A", 1, models.OriginLocal)
	if err := s.SetHead(ctx, models.HeadFromEvent(first, 100)); err != nil {
		t.Fatal(err)
	}
	second := newEvent(t, "e2", "B", 3, models.OriginRemote)
	second.Operation = models.OpDelete
	if err := s.SetHead(ctx, models.HeadFromEvent(second, 200)); err != nil {
		t.Fatal(err)
	}

	h, found, err := s.Head(ctx, key)
	if err != nil || !found {
		t.Fatalf("Head() = %v, %v", found, err)
	}
	if h.EventID != "e2" || h.Operation != models.OpDelete || h.LamportClock != 3 || h.VectorClock.Get("B") != 3 {
		t.Errorf("Head() = %+v", h)
	}
}

// TestObserveSource verifies contiguous progress and gap detection.
func TestObserveSource(t *testing.T) {
	ctx := context.Background()
	s := New(openTestDB(t))

	steps := []struct {
		seq      uint64
		wantGap  bool
		wantHigh uint64
		wantMax  uint64
	}{
		{1, false, 1, 1}, // baseline
		{2, false, 2, 2},
		{4, true, 2, 4},
		{2, false, 2, 4}, // duplicate
	}
	for _, st := range steps {
		gap, err := s.ObserveSource(ctx, "B", st.seq)
		if err != nil {
			t.Fatalf("ObserveSource(%d) error = %v", st.seq, err)
		}
		if gap != st.wantGap {
			t.Errorf("ObserveSource(%d) gap = %v, want %v", st.seq, gap, st.wantGap)
		}
		p, _, _ := s.progress(ctx, "B")
		if p.HighWater != st.wantHigh || p.MaxSeen != st.wantMax {
			t.Errorf("after %d: progress = %+v", st.seq, p)
		}
	}

	// seq 4 is stored; when 3 arrives the high water fills forward over it
	if err := s.Append(ctx, newEvent(t, "e4", "B", 4, models.OriginRemote)); err != nil {
		t.Fatal(err)
	}
	gap, err := s.ObserveSource(ctx, "B", 3)
	if err != nil || gap {
		t.Fatalf("ObserveSource(3) = %v, %v", gap, err)
	}
	progress, err := s.Progress(ctx)
	if err != nil || len(progress) != 1 {
		t.Fatalf("Progress() = %v, %v", progress, err)
	}
	if progress[0].HighWater != 4 || progress[0].Gap() {
		t.Errorf("Progress() = %+v, want high water 4 and no gap", progress[0])
	}
}

// TestSeedProgress verifies seeding never moves progress backwards.
func TestSeedProgress(t *testing.T) {
	ctx := context.Background()
	s := New(openTestDB(t))

	if err := s.SeedProgress(ctx, "B", 10); err != nil {
		t.Fatal(err)
	}
	if err := s.SeedProgress(ctx, "B", 4); err != nil {
		t.Fatal(err)
	}
	p, _, _ := s.progress(ctx, "B")
	if p.HighWater != 10 || p.MaxSeen != 10 {
		t.Errorf("progress = %+v, want 10/10", p)
	}
	if gap, _ := s.ObserveSource(ctx, "B", 11); gap {
		t.Error("ObserveSource(11) after seed reported a gap")
	}

	if err := s.ResetProgress(ctx); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.Progress(ctx); len(got) != 0 {
		t.Errorf("Progress() after reset = %v", got)
	}
}

// =====================================================
// Retention
// =====================================================

// TestRetention verifies cleanup selection and deletion.
func TestRetention(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t)
	now := time.Unix(1_700_000_000, 0)
	s := New(d).WithClock(func() time.Time { return now })

	for i := uint64(1); i <= 3; i++ {
		if err := s.Append(ctx, newEvent(t, fmt.Sprintf("e%d", i), "B", i, models.OriginRemote)); err != nil {
			t.Fatal(err)
		}
	}
	_, _ = s.MarkProcessed(ctx, "e1", models.OutcomeApplied)
	now = now.Add(48 * time.Hour)
	_, _ = s.MarkProcessed(ctx, "e2", models.OutcomeSuperseded)

	old, err := s.ProcessedBefore(ctx, now.Add(-24*time.Hour), 100)
	if err != nil || len(old) != 1 || old[0].EventID != "e1" {
		t.Fatalf("ProcessedBefore() = %v, %v", old, err)
	}
	if n, err := s.Delete(ctx, []string{"e1"}); err != nil || n != 1 {
		t.Fatalf("Delete() = %d, %v", n, err)
	}

	n, err := s.DeleteUnprocessed(ctx)
	if err != nil || n != 1 {
		t.Fatalf("DeleteUnprocessed() = %d, %v", n, err)
	}
	st, _ := s.Stats(ctx)
	if st.Processed != 1 || st.PendingRemote != 0 {
		t.Errorf("Stats() = %+v", st)
	}
}

// TestStore_inTransaction verifies the store works over a transaction.
func TestStore_inTransaction(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t)

	err := d.InTx(ctx, func(tx *sql.Tx) error {
		if err := New(tx).Append(ctx, newEvent(t, "e1", "A", 1, models.OriginLocal)); err != nil {
			return err
		}
		return fmt.Errorf("abort")
	})
	if err == nil {
		t.Fatal("InTx() should return the abort error")
	}
	if _, found, _ := New(d).Get(ctx, "e1"); found {
		t.Error("event survived a rolled back transaction")
	}
}
