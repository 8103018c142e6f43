package tracker

import (
	"math"
	"testing"
	"time"

	"toolforge/internal/store"
	"toolforge/internal/types"
)

func newTestTracker(t *testing.T) (*Tracker, *store.LocalStore) {
	t.Helper()
	db, err := store.NewLocalStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to create local store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	tr := New(db)
	t.Cleanup(tr.Close)
	return tr, db
}

func logSession(t *testing.T, tr *Tracker, sessionID string, tools []string, success bool) {
	t.Helper()
	for _, name := range tools {
		tr.Log(&types.ExecutionRecord{
			SessionID: sessionID,
			ToolName:  name,
			Success:   success,
		})
	}
	tr.Flush()
}

func TestLogAssignsSequenceNumbers(t *testing.T) {
	tr, db := newTestTracker(t)

	logSession(t, tr, "s1", []string{"a", "b", "c"}, true)

	records, err := db.ListSessionExecutions("s1")
	if err != nil {
		t.Fatalf("ListSessionExecutions failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(records))
	}
	for i, rec := range records {
		if rec.SessionSeq != i+1 {
			t.Errorf("records[%d].SessionSeq = %d, want %d", i, rec.SessionSeq, i+1)
		}
		if rec.ID == "" {
			t.Error("Record ID not assigned")
		}
		if rec.RecordedAt.IsZero() {
			t.Error("RecordedAt not assigned")
		}
	}
}

func TestMineSessionFullSequence(t *testing.T) {
	tr, db := newTestTracker(t)

	// Same successful sequence across three sessions.
	for _, sid := range []string{"m1", "m2", "m3"} {
		logSession(t, tr, sid, []string{"fetch", "parse"}, true)
		if err := tr.MineSession(sid); err != nil {
			t.Fatalf("MineSession(%s) failed: %v", sid, err)
		}
	}

	p, err := db.GetPattern("full_sequence", []string{"fetch", "parse"})
	if err != nil {
		t.Fatalf("GetPattern failed: %v", err)
	}
	if p == nil {
		t.Fatal("Full sequence pattern not mined")
	}
	if p.Frequency != 3 {
		t.Errorf("Frequency = %d, want 3", p.Frequency)
	}
	// All observations succeeded, so the smoothed rate stays at 1.0.
	if math.Abs(p.SuccessRate-1.0) > 1e-9 {
		t.Errorf("SuccessRate = %.3f, want 1.0", p.SuccessRate)
	}
	want := Confidence(1.0, 3)
	if math.Abs(p.Confidence-want) > 1e-9 {
		t.Errorf("Confidence = %.3f, want %.3f", p.Confidence, want)
	}
}

func TestMineSessionSingleToolNoSequence(t *testing.T) {
	tr, db := newTestTracker(t)

	logSession(t, tr, "solo", []string{"only"}, true)
	if err := tr.MineSession("solo"); err != nil {
		t.Fatalf("MineSession failed: %v", err)
	}

	patterns, err := db.ListPatterns(0)
	if err != nil {
		t.Fatalf("ListPatterns failed: %v", err)
	}
	if len(patterns) != 0 {
		t.Errorf("Single-tool session mined %d patterns", len(patterns))
	}
}

func TestMineSessionFailureDegradesRate(t *testing.T) {
	tr, db := newTestTracker(t)

	logSession(t, tr, "good", []string{"x", "y"}, true)
	if err := tr.MineSession("good"); err != nil {
		t.Fatalf("MineSession failed: %v", err)
	}
	logSession(t, tr, "bad", []string{"x", "y"}, false)
	if err := tr.MineSession("bad"); err != nil {
		t.Fatalf("MineSession failed: %v", err)
	}

	p, _ := db.GetPattern("full_sequence", []string{"x", "y"})
	if p == nil {
		t.Fatal("Pattern missing")
	}
	want := 0.3*0.0 + 0.7*1.0
	if math.Abs(p.SuccessRate-want) > 1e-9 {
		t.Errorf("SuccessRate = %.3f, want %.3f", p.SuccessRate, want)
	}
}

func TestMineSubsequencesWindows(t *testing.T) {
	tr, db := newTestTracker(t)

	logSession(t, tr, "long", []string{"a", "b", "c", "d"}, true)
	if err := tr.MineSession("long"); err != nil {
		t.Fatalf("MineSession failed: %v", err)
	}

	// Windows strictly shorter than the session: 2 and 3.
	for _, seq := range [][]string{{"a", "b"}, {"b", "c"}, {"c", "d"}, {"a", "b", "c"}, {"b", "c", "d"}} {
		p, err := db.GetPattern("subsequence", seq)
		if err != nil {
			t.Fatalf("GetPattern failed: %v", err)
		}
		if p == nil {
			t.Errorf("Subsequence %v not mined", seq)
		}
	}

	// The full-length window is covered by the full-sequence pattern, not a
	// subsequence.
	if p, _ := db.GetPattern("subsequence", []string{"a", "b", "c", "d"}); p != nil {
		t.Error("Full-length subsequence should not be mined")
	}
}

func TestMinePairsBuildsRelationships(t *testing.T) {
	tr, db := newTestTracker(t)

	logSession(t, tr, "rel", []string{"first", "second", "third"}, true)
	if err := tr.MineSession("rel"); err != nil {
		t.Fatalf("MineSession failed: %v", err)
	}

	for _, pair := range [][2]string{{"first", "second"}, {"second", "third"}} {
		rel, err := db.GetRelationship(pair[0], pair[1])
		if err != nil {
			t.Fatalf("GetRelationship failed: %v", err)
		}
		if rel == nil {
			t.Errorf("Relationship %s->%s not mined", pair[0], pair[1])
			continue
		}
		if rel.Frequency != 1 || rel.SuccessRate != 1.0 {
			t.Errorf("%s->%s: freq=%d sr=%.2f", pair[0], pair[1], rel.Frequency, rel.SuccessRate)
		}
	}
	if rel, _ := db.GetRelationship("first", "third"); rel != nil {
		t.Error("Non-adjacent pair should not be mined")
	}
}

func TestMineRecent(t *testing.T) {
	tr, _ := newTestTracker(t)

	logSession(t, tr, "r1", []string{"a", "b"}, true)
	logSession(t, tr, "r2", []string{"c", "d"}, true)

	mined, err := tr.MineRecent(time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("MineRecent failed: %v", err)
	}
	if mined != 2 {
		t.Errorf("Mined %d sessions, want 2", mined)
	}
}

func TestConfidenceFormula(t *testing.T) {
	tests := []struct {
		sr   float64
		freq int
		want float64
	}{
		{1.0, 10, 0.95}, // capped
		{1.0, 5, 0.5},
		{0.8, 10, 0.8},
		{0.5, 2, 0.1},
		{1.0, 20, 0.95}, // evidence saturates at 1
	}
	for _, tt := range tests {
		if got := Confidence(tt.sr, tt.freq); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("Confidence(%.2f, %d) = %.3f, want %.3f", tt.sr, tt.freq, got, tt.want)
		}
	}
}

func TestMineSessionIdempotent(t *testing.T) {
	tr, db := newTestTracker(t)

	logSession(t, tr, "s1", []string{"load_csv", "calc_margin", "render_report"}, true)

	if err := tr.MineSession("s1"); err != nil {
		t.Fatalf("First MineSession failed: %v", err)
	}
	if err := tr.MineSession("s1"); err != nil {
		t.Fatalf("Second MineSession failed: %v", err)
	}

	// Re-mining with no new executions must not inflate any counts.
	sub, err := db.GetPattern("subsequence", []string{"load_csv", "calc_margin"})
	if err != nil {
		t.Fatalf("GetPattern failed: %v", err)
	}
	if sub == nil || sub.Frequency != 1 {
		t.Errorf("Subsequence frequency = %+v, want 1", sub)
	}
	full, _ := db.GetPattern("full_sequence", []string{"load_csv", "calc_margin", "render_report"})
	if full == nil || full.Frequency != 1 {
		t.Errorf("Full sequence frequency = %+v, want 1", full)
	}
	rel, _ := db.GetRelationship("load_csv", "calc_margin")
	if rel == nil || rel.Frequency != 1 {
		t.Errorf("Relationship frequency = %+v, want 1", rel)
	}
}

func TestMineSessionIncrementalSuffix(t *testing.T) {
	tr, db := newTestTracker(t)

	logSession(t, tr, "s1", []string{"fetch", "parse"}, true)
	if err := tr.MineSession("s1"); err != nil {
		t.Fatalf("MineSession failed: %v", err)
	}
	logSession(t, tr, "s1", []string{"report"}, true)
	if err := tr.MineSession("s1"); err != nil {
		t.Fatalf("Incremental MineSession failed: %v", err)
	}

	// The already-mined pair keeps its single observation.
	rel, _ := db.GetRelationship("fetch", "parse")
	if rel == nil || rel.Frequency != 1 {
		t.Errorf("fetch->parse frequency = %+v, want 1", rel)
	}
	// The boundary pair into the new suffix is counted once.
	rel, _ = db.GetRelationship("parse", "report")
	if rel == nil || rel.Frequency != 1 {
		t.Errorf("parse->report frequency = %+v, want 1", rel)
	}
	// Only the window reaching into the suffix becomes a subsequence.
	if sub, _ := db.GetPattern("subsequence", []string{"fetch", "parse"}); sub != nil {
		t.Errorf("Pre-watermark window re-counted: %+v", sub)
	}
	sub, _ := db.GetPattern("subsequence", []string{"parse", "report"})
	if sub == nil || sub.Frequency != 1 {
		t.Errorf("parse,report subsequence = %+v, want frequency 1", sub)
	}
	// Each distinct full prefix is observed once.
	if full, _ := db.GetPattern("full_sequence", []string{"fetch", "parse"}); full == nil || full.Frequency != 1 {
		t.Errorf("Two-step full sequence = %+v, want frequency 1", full)
	}
	if full, _ := db.GetPattern("full_sequence", []string{"fetch", "parse", "report"}); full == nil || full.Frequency != 1 {
		t.Errorf("Three-step full sequence = %+v, want frequency 1", full)
	}
}
