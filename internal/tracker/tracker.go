// Package tracker records every tool execution in an append-only log and
// mines it for workflow patterns: full session sequences, adjacent pairs,
// and sliding-window subsequences. Mining is out of band; it never runs on
// the request path.
package tracker

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"toolforge/internal/logging"
	"toolforge/internal/store"
	"toolforge/internal/types"
)

// Mining constants. Sequence statistics fold in with an EMA; confidence is
// capped below certainty because mined evidence is always partial.
const (
	sequenceAlpha     = 0.3
	confidenceCeiling = 0.95
	newSequenceConf   = 0.5
	newSubseqConf     = 0.3
)

// Tracker buffers execution records through a single writer goroutine so
// logging never blocks request handling.
type Tracker struct {
	db      *store.LocalStore
	records chan *types.ExecutionRecord
	flush   chan chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

// New creates a tracker and starts its writer.
func New(db *store.LocalStore) *Tracker {
	t := &Tracker{
		db:      db,
		records: make(chan *types.ExecutionRecord, 128),
		flush:   make(chan chan struct{}),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go t.writeLoop()
	return t
}

// Log enqueues one execution record. The call returns immediately; a full
// buffer falls back to a synchronous write rather than dropping the record,
// the log must stay complete for mining.
func (t *Tracker) Log(rec *types.ExecutionRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	if rec.SessionSeq == 0 {
		seq, err := t.db.NextSessionSeq(rec.SessionID)
		if err == nil {
			rec.SessionSeq = seq
		}
	}

	select {
	case t.records <- rec:
	default:
		if err := t.db.AppendExecution(rec); err != nil {
			logging.Get(logging.CategoryWorkflow).Error("Synchronous execution append failed: %v", err)
		}
	}
}

// Flush blocks until every enqueued record is committed. Used by tests and
// shutdown.
func (t *Tracker) Flush() {
	ack := make(chan struct{})
	select {
	case t.flush <- ack:
		<-ack
	case <-t.stopped:
	}
}

// Close flushes and stops the writer.
func (t *Tracker) Close() {
	t.Flush()
	close(t.done)
	<-t.stopped
}

func (t *Tracker) writeLoop() {
	defer close(t.stopped)
	for {
		select {
		case rec := <-t.records:
			if err := t.db.AppendExecution(rec); err != nil {
				logging.Get(logging.CategoryWorkflow).Error("Execution append failed: %v", err)
			}
		case ack := <-t.flush:
			t.drain()
			close(ack)
		case <-t.done:
			t.drain()
			return
		}
	}
}

// drain commits everything currently buffered.
func (t *Tracker) drain() {
	for {
		select {
		case rec := <-t.records:
			if err := t.db.AppendExecution(rec); err != nil {
				logging.Get(logging.CategoryWorkflow).Error("Execution append failed: %v", err)
			}
		default:
			return
		}
	}
}

// =============================================================================
// MINING
// =============================================================================

// MineSession analyzes one session's committed log: the full sequence, every
// adjacent pair, and sliding subsequences of length 2 and 3. A per-session
// watermark makes the call idempotent: each observation is folded exactly
// once, no matter how often the session is re-mined.
func (t *Tracker) MineSession(sessionID string) error {
	timer := logging.StartTimer(logging.CategoryWorkflow, "MineSession")
	defer timer.Stop()

	records, err := t.db.ListSessionExecutions(sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session log: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	watermark, err := t.db.MiningWatermark(sessionID)
	if err != nil {
		return fmt.Errorf("failed to load mining watermark: %w", err)
	}
	firstNew := len(records)
	for i, rec := range records {
		if rec.SessionSeq > watermark {
			firstNew = i
			break
		}
	}
	if firstNew == len(records) {
		return nil
	}

	sequence := make([]string, len(records))
	allSucceeded := true
	for i, rec := range records {
		sequence[i] = rec.ToolName
		if !rec.Success {
			allSucceeded = false
		}
	}

	// The full sequence changes identity as the session grows, so each
	// distinct prefix is observed at most once.
	if len(sequence) >= 2 {
		if err := t.mineSequence("full_sequence", sequence, allSucceeded, newSequenceConf); err != nil {
			return err
		}
	}
	if err := t.minePairs(records, firstNew); err != nil {
		return err
	}
	if err := t.mineSubsequences(records, firstNew); err != nil {
		return err
	}

	if err := t.db.SetMiningWatermark(sessionID, records[len(records)-1].SessionSeq); err != nil {
		return fmt.Errorf("failed to advance mining watermark: %w", err)
	}

	logging.Workflow("Mined session %s: %d executions (%d new)", sessionID, len(records), len(records)-firstNew)
	return nil
}

// MineRecent mines every session active since the cutoff, for the scheduled
// batch job.
func (t *Tracker) MineRecent(cutoff time.Time) (int, error) {
	sessions, err := t.db.ListRecentSessionIDs(cutoff)
	if err != nil {
		return 0, err
	}
	mined := 0
	for _, id := range sessions {
		if err := t.MineSession(id); err != nil {
			logging.Get(logging.CategoryWorkflow).Warn("Mining session %s failed: %v", id, err)
			continue
		}
		mined++
	}
	return mined, nil
}

// Confidence computes pattern confidence from observed reliability and
// evidence volume: min(0.95, successRate * min(1, frequency/10)).
func Confidence(successRate float64, frequency int) float64 {
	evidence := float64(frequency) / 10.0
	if evidence > 1 {
		evidence = 1
	}
	conf := successRate * evidence
	if conf > confidenceCeiling {
		conf = confidenceCeiling
	}
	return conf
}

// mineSequence folds one observation of a tool sequence into its pattern.
func (t *Tracker) mineSequence(kind string, sequence []string, success bool, initialConf float64) error {
	observed := 0.0
	if success {
		observed = 1.0
	}

	existing, err := t.db.GetPattern(kind, sequence)
	if err != nil {
		return err
	}

	if existing == nil {
		p := &types.WorkflowPattern{
			ID:           uuid.NewString(),
			ToolSequence: sequence,
			Kind:         kind,
			Frequency:    1,
			SuccessRate:  observed,
			Confidence:   initialConf,
			LastSeenAt:   time.Now().UTC(),
		}
		return t.db.UpsertPattern(p)
	}

	existing.Frequency++
	existing.SuccessRate = sequenceAlpha*observed + (1-sequenceAlpha)*existing.SuccessRate
	existing.Confidence = Confidence(existing.SuccessRate, existing.Frequency)
	existing.LastSeenAt = time.Now().UTC()
	return t.db.UpsertPattern(existing)
}

// minePairs folds adjacent pairs into the relationship table, counting only
// pairs that end at or past the first unmined record.
func (t *Tracker) minePairs(records []*types.ExecutionRecord, firstNew int) error {
	for i := 0; i+1 < len(records); i++ {
		if i+1 < firstNew {
			continue
		}
		from, to := records[i], records[i+1]
		observed := 0.0
		if from.Success && to.Success {
			observed = 1.0
		}

		rel, err := t.db.GetRelationship(from.ToolName, to.ToolName)
		if err != nil {
			return err
		}
		if rel == nil {
			rel = &types.ToolRelationship{
				FromTool:    from.ToolName,
				ToTool:      to.ToolName,
				Frequency:   1,
				SuccessRate: observed,
			}
		} else {
			rel.Frequency++
			rel.SuccessRate = sequenceAlpha*observed + (1-sequenceAlpha)*rel.SuccessRate
		}
		rel.Confidence = Confidence(rel.SuccessRate, rel.Frequency)

		if err := t.db.UpsertRelationship(rel); err != nil {
			return err
		}
	}
	return nil
}

// mineSubsequences slides windows of length 2 and 3 across the session,
// counting only windows that reach into the unmined suffix.
func (t *Tracker) mineSubsequences(records []*types.ExecutionRecord, firstNew int) error {
	for _, window := range []int{2, 3} {
		if len(records) <= window {
			continue
		}
		for i := 0; i+window <= len(records); i++ {
			if i+window-1 < firstNew {
				continue
			}
			slice := records[i : i+window]
			sequence := make([]string, window)
			success := true
			for j, rec := range slice {
				sequence[j] = rec.ToolName
				if !rec.Success {
					success = false
				}
			}
			if err := t.mineSequence("subsequence", sequence, success, newSubseqConf); err != nil {
				return err
			}
		}
	}
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

// Patterns returns mined patterns above a confidence floor.
func (t *Tracker) Patterns(minConfidence float64) ([]*types.WorkflowPattern, error) {
	return t.db.ListPatterns(minConfidence)
}

// Relationships returns a tool's likely successors above a confidence floor.
func (t *Tracker) Relationships(toolName string, minConfidence float64) ([]*types.ToolRelationship, error) {
	return t.db.ListRelationships(toolName, minConfidence)
}
