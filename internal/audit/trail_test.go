package audit

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestTrailRecordsSequencedSteps(t *testing.T) {
	trail := New()
	if trail.RunID == "" {
		t.Fatal("New() must assign a run id")
	}

	trail.Record("waterfall", "preference-tranche", "rank 3",
		Dec("amount", decimal.NewFromInt(10_000_000)),
		Int("classes", 1))
	trail.Record("waterfall", "residual-start", "")

	steps := trail.Steps()
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(steps))
	}
	if steps[0].Seq != 1 || steps[1].Seq != 2 {
		t.Errorf("expected sequence 1,2, got %d,%d", steps[0].Seq, steps[1].Seq)
	}
	if steps[0].Values["amount"] != "10000000" {
		t.Errorf("expected decimal recorded exactly, got %q", steps[0].Values["amount"])
	}
	if steps[0].Values["classes"] != "1" {
		t.Errorf("expected integer value \"1\", got %q", steps[0].Values["classes"])
	}
}

func TestTrailChildSharesRunID(t *testing.T) {
	trail := New()
	child := trail.Child("scenario:downside")

	if child.RunID != trail.RunID {
		t.Errorf("child run id %s, expected parent's %s", child.RunID, trail.RunID)
	}
	if child.Scope != "scenario:downside" {
		t.Errorf("child scope = %q", child.Scope)
	}
}

func TestTrailMergeRenumbers(t *testing.T) {
	trail := New()
	trail.Record("scenario", "weights-normalized", "")

	child := trail.Child("scenario:base")
	child.Record("opm", "tranche", "interval 0")
	child.Record("opm", "allocation-complete", "")

	trail.Merge(child)
	trail.Merge(nil) // no-op

	steps := trail.Steps()
	if len(steps) != 3 {
		t.Fatalf("expected 3 steps after merge, got %d", len(steps))
	}
	for i, step := range steps {
		if step.Seq != i+1 {
			t.Errorf("step %d has Seq %d, expected %d", i, step.Seq, i+1)
		}
	}
	if steps[1].Scope != "scenario:base" {
		t.Errorf("merged step kept scope %q, expected scenario:base", steps[1].Scope)
	}
}

func TestTrailFind(t *testing.T) {
	trail := New()
	trail.Record("waterfall", "schedule-complete", "", Int("breakpoints", 7))

	step, ok := trail.Find("waterfall", "schedule-complete")
	if !ok {
		t.Fatal("Find() should locate the recorded step")
	}
	if step.Values["breakpoints"] != "7" {
		t.Errorf("found step carries %q, expected 7", step.Values["breakpoints"])
	}

	if _, ok := trail.Find("opm", "tranche"); ok {
		t.Error("Find() should miss on absent component/name")
	}
}
