package state

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/hochfrequenz/claude-batch-orchestrator/internal/domain"
)

func testUnits() []domain.Unit {
	return []domain.Unit{
		{ID: "unit-a", Path: "plans/a.md"},
		{ID: "unit-b", Path: "plans/b.md"},
		{ID: "unit-c", Path: "plans/c.md"},
	}
}

func openTestLedger(t *testing.T) (*Ledger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "progress.db")
	l, err := OpenLedger(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	if err := l.Init(testUnits()); err != nil {
		t.Fatal(err)
	}
	return l, path
}

func TestLedgerInitAndOrder(t *testing.T) {
	l, _ := openTestLedger(t)

	records, err := l.Records()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("len(records) = %d, want 3", len(records))
	}
	for i, want := range []string{"unit-a", "unit-b", "unit-c"} {
		if records[i].UnitID != want {
			t.Errorf("records[%d] = %q, want %q (queue order)", i, records[i].UnitID, want)
		}
		if records[i].Status != domain.StatusPending {
			t.Errorf("records[%d].Status = %q, want pending", i, records[i].Status)
		}
	}

	// Re-init must not clobber existing records.
	if err := l.SetStatus("unit-a", domain.StatusInProgress, "", "s1"); err != nil {
		t.Fatal(err)
	}
	if err := l.Init(testUnits()); err != nil {
		t.Fatal(err)
	}
	rec, err := l.Get("unit-a")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != domain.StatusInProgress {
		t.Errorf("re-init reset status to %q", rec.Status)
	}
}

func TestLedgerMonotonicTransitions(t *testing.T) {
	l, _ := openTestLedger(t)

	if err := l.SetStatus("unit-a", domain.StatusInProgress, "", "s1"); err != nil {
		t.Fatal(err)
	}
	if err := l.SetStatus("unit-a", domain.StatusCompleted, "", "s1"); err != nil {
		t.Fatal(err)
	}

	// Idempotent repeat of the same terminal status.
	if err := l.SetStatus("unit-a", domain.StatusCompleted, "", "s1"); err != nil {
		t.Errorf("repeated completion should be a no-op: %v", err)
	}

	// No backward transition is observable.
	for _, status := range []domain.UnitStatus{domain.StatusPending, domain.StatusInProgress, domain.StatusFailed} {
		if err := l.SetStatus("unit-a", status, "", "s1"); !errors.Is(err, ErrStatusRegression) {
			t.Errorf("transition completed -> %s: err = %v, want ErrStatusRegression", status, err)
		}
	}

	rec, _ := l.Get("unit-a")
	if rec.Status != domain.StatusCompleted {
		t.Errorf("status = %q after rejected transitions, want completed", rec.Status)
	}
	if rec.CompletedAt == nil || rec.StartedAt == nil {
		t.Error("timestamps should be recorded")
	}
}

func TestLedgerNextPendingFIFO(t *testing.T) {
	l, _ := openTestLedger(t)

	rec, ok, err := l.NextPending()
	if err != nil || !ok {
		t.Fatalf("NextPending: %v %v", ok, err)
	}
	if rec.UnitID != "unit-a" {
		t.Errorf("NextPending = %q, want unit-a", rec.UnitID)
	}

	l.SetStatus("unit-a", domain.StatusFailed, "boom", "s1")

	rec, ok, _ = l.NextPending()
	if !ok || rec.UnitID != "unit-b" {
		t.Errorf("NextPending = %q/%v, want unit-b", rec.UnitID, ok)
	}

	l.SetStatus("unit-b", domain.StatusCompleted, "", "s1")
	l.SetStatus("unit-c", domain.StatusCompleted, "", "s1")

	if _, ok, _ = l.NextPending(); ok {
		t.Error("exhausted queue should report no pending unit")
	}

	counts, err := l.Counts()
	if err != nil {
		t.Fatal(err)
	}
	if counts[domain.StatusCompleted] != 2 || counts[domain.StatusFailed] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestMergeDedupSurvivesReopen(t *testing.T) {
	l, path := openTestLedger(t)

	inserted, err := l.RecordMerge("batch/unit-a-w1-abc123", "deadbeef", "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if !inserted {
		t.Fatal("first merge record should insert")
	}

	inserted, err = l.RecordMerge("batch/unit-a-w1-abc123", "cafebabe", "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if inserted {
		t.Error("duplicate branch must not produce a second record")
	}

	// Simulated crash-recovery restart: reopen the database.
	l.Close()
	reopened, err := OpenLedger(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	merged, err := reopened.Merged("batch/unit-a-w1-abc123")
	if err != nil {
		t.Fatal(err)
	}
	if !merged {
		t.Error("dedup set must survive restarts")
	}

	inserted, _ = reopened.RecordMerge("batch/unit-a-w1-abc123", "deadbeef", "run-2")
	if inserted {
		t.Error("branch must appear in exactly one merge record across restarts")
	}
}
