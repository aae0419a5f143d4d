/*
submission.go - Validating and committing reported meter indexes

PURPOSE:
  Turns the rows a reader edited into committed Readings. Only rows whose
  value changed since the session was loaded are written, each row succeeds
  or fails on its own, and the caller gets the authoritative state back.

PIPELINE:
  1. Plan (pure):   edits + session → rows to commit, rows rejected, skipped
  2. Resolve:       meter per row, serial and memoized per unit
  3. Commit:        one storage transaction per row, run concurrently
  4. Reload:        fresh session and progress for the response

VALIDATION RULES:
  - blank value      → skipped, not an error ("not read this round")
  - value unchanged  → skipped
  - value < 0        → NegativeIndex
  - value <= prev    → NonMonotonicIndex (prev = EffectivePrev)
  - date < latest    → ReadingOutOfOrder (latest stored reading on the meter)

  Rules run at planning time against the session, and again inside the
  commit transaction against the latest stored reading. A reading committed
  by someone else in between is therefore never undercut. The transaction
  also re-reads the assignment, so a release or completion that landed after
  the session was loaded stops the write.

  A closed assignment only fails the batch when the batch would write.
  Resubmitting what is already stored is a no-op either way.

FAILURE MODEL:
  Gather all, fail independently. A meter that can't be provisioned or a
  write that fails marks that row failed; siblings still commit. Failed rows
  carry their original input so the client can fix and resubmit them.

IDEMPOTENCE:
  Submitting the same values twice performs zero writes the second time: the
  reloaded snapshot already holds them, so the plan is empty.

SEE ALSO:
  - session.go: Session and Snapshot
  - registry.go: FindOrCreate, Advance, EffectivePrev
  - progress.go: counts returned with the result
*/
package metering

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// DefaultSubmitWorkers bounds concurrent reading writes per batch.
const DefaultSubmitWorkers = 4

// =============================================================================
// INPUT / OUTPUT
// =============================================================================

// RowEdit is one edited row. Either UnitID or MeterID addresses the row.
// A nil CurrIndex means the unit was not read this round.
type RowEdit struct {
	UnitID    UnitID
	MeterID   MeterID
	CurrIndex *decimal.Decimal
	Note      string
}

type SubmitRequest struct {
	AssignmentID AssignmentID
	ReadingDate  time.Time
	Rows         []RowEdit
}

// RowResult is the outcome of one row. Position is the index of the row in
// the request so clients can map results back to their input.
type RowResult struct {
	Position     int
	UnitID       UnitID
	MeterID      MeterID
	CurrIndex    *decimal.Decimal
	PrevIndex    decimal.Decimal
	Note         string
	ReadingID    ReadingID
	MeterCreated bool
	Err          error
}

type SubmitResult struct {
	AssignmentID  AssignmentID
	Committed     []RowResult
	Failed        []RowResult
	Skipped       int
	MetersCreated int
	Progress      Progress
	Session       *Session
}

// =============================================================================
// PLAN - pure function of (session, edits)
// =============================================================================

type PlannedRow struct {
	Position int
	Row      Row
	Edit     RowEdit
}

type BatchPlan struct {
	AssignmentID AssignmentID
	Rows         []PlannedRow
	Rejected     []RowResult
	Skipped      int
}

// Plan decides which edits to commit. It never touches storage.
// When several edits address the same unit, the last one wins.
func Plan(session *Session, edits []RowEdit) BatchPlan {
	plan := BatchPlan{AssignmentID: session.Assignment.ID}

	rows := make([]*Row, len(edits))
	lastEdit := make(map[UnitID]int)
	for i, e := range edits {
		row, ok := locateRow(session, e)
		if !ok {
			continue
		}
		rows[i] = row
		lastEdit[row.UnitID] = i
	}

	for i, e := range edits {
		row := rows[i]
		if row == nil {
			plan.Rejected = append(plan.Rejected, RowResult{
				Position:  i,
				UnitID:    e.UnitID,
				MeterID:   e.MeterID,
				CurrIndex: e.CurrIndex,
				Note:      e.Note,
				Err: &ValidationError{
					Code:    CodeUnknownRow,
					Field:   "unit_id",
					Units:   nonEmptyUnit(e.UnitID),
					Message: "row is not part of this assignment",
				},
			})
			continue
		}
		if lastEdit[row.UnitID] != i || e.CurrIndex == nil ||
			!session.Snapshot.Changed(row.UnitID, e.CurrIndex) {
			plan.Skipped++
			continue
		}
		if err := ValidateIndex(row.PrevIndex, *e.CurrIndex); err != nil {
			plan.Rejected = append(plan.Rejected, RowResult{
				Position:  i,
				UnitID:    row.UnitID,
				MeterID:   row.MeterID,
				CurrIndex: e.CurrIndex,
				PrevIndex: row.PrevIndex,
				Note:      e.Note,
				Err:       err,
			})
			continue
		}
		plan.Rows = append(plan.Rows, PlannedRow{Position: i, Row: *row, Edit: e})
	}
	return plan
}

// ValidateIndex checks a candidate index against the effective previous one.
func ValidateIndex(prev, curr decimal.Decimal) error {
	if curr.IsNegative() {
		return invalid(CodeNegativeIndex, "curr_index", "index %s is negative", curr)
	}
	if curr.LessThanOrEqual(prev) {
		return invalid(CodeNonMonotonicIndex, "curr_index",
			"index %s must be greater than previous index %s", curr, prev)
	}
	return nil
}

func locateRow(session *Session, e RowEdit) (*Row, bool) {
	if e.UnitID != "" {
		row, ok := session.RowFor(e.UnitID)
		if ok && e.MeterID != "" && row.HasMeter && row.MeterID != e.MeterID {
			return nil, false
		}
		return row, ok
	}
	if e.MeterID != "" {
		return session.RowForMeter(e.MeterID)
	}
	return nil, false
}

func nonEmptyUnit(id UnitID) []UnitID {
	if id == "" {
		return nil
	}
	return []UnitID{id}
}

// =============================================================================
// SUBMITTER
// =============================================================================

type Submitter struct {
	store    Store
	loader   *SessionLoader
	registry *Registry
	progress *ProgressTracker

	// Workers bounds concurrent reading writes within one batch.
	Workers int
	Logger  zerolog.Logger

	now func() time.Time
}

func NewSubmitter(dir Directory, store Store) *Submitter {
	return &Submitter{
		store:    store,
		loader:   NewSessionLoader(dir, store),
		registry: NewRegistry(store),
		progress: NewProgressTracker(store),
		Workers:  DefaultSubmitWorkers,
		Logger:   log.Logger,
		now:      time.Now,
	}
}

// Submit validates and commits the edited rows of an assignment.
// It returns an error only when the batch could not start; row failures are
// reported in SubmitResult.Failed.
func (s *Submitter) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if req.AssignmentID == "" {
		return nil, invalid(CodeMissingField, "assignment_id", "assignment_id is required")
	}
	readingDate := Day(req.ReadingDate)
	if req.ReadingDate.IsZero() {
		readingDate = Day(s.now())
	}

	session, err := s.loader.Load(ctx, req.AssignmentID)
	if err != nil {
		return nil, err
	}

	plan := Plan(session, req.Rows)
	if len(plan.Rows) > 0 && !session.Assignment.IsOpen() {
		return nil, closedAssignment(req.AssignmentID)
	}
	result := &SubmitResult{
		AssignmentID: req.AssignmentID,
		Failed:       plan.Rejected,
		Skipped:      plan.Skipped,
	}

	if len(plan.Rows) == 0 {
		result.Session = session
		result.Progress, err = s.progress.FromSession(ctx, session)
		if err != nil {
			return nil, err
		}
		return result, nil
	}

	meters := s.resolveMeters(ctx, session, plan.Rows, result)

	outcomes := make([]RowResult, len(plan.Rows))
	var g errgroup.Group
	g.SetLimit(s.workers())
	for i, pr := range plan.Rows {
		m, ok := meters[pr.Row.UnitID]
		if !ok {
			continue
		}
		g.Go(func() error {
			outcomes[i] = s.commit(ctx, session.Assignment, m.meter, pr, readingDate)
			outcomes[i].MeterCreated = m.created
			return nil
		})
	}
	_ = g.Wait()

	for i, pr := range plan.Rows {
		if _, ok := meters[pr.Row.UnitID]; !ok {
			continue
		}
		if outcomes[i].Err != nil {
			result.Failed = append(result.Failed, outcomes[i])
		} else {
			result.Committed = append(result.Committed, outcomes[i])
		}
	}
	sortResults(result.Failed)

	// Report what storage holds now, not what we think we wrote.
	fresh, err := s.loader.Load(ctx, req.AssignmentID)
	if err != nil {
		return nil, err
	}
	result.Session = fresh
	result.Progress, err = s.progress.FromSession(ctx, fresh)
	if err != nil {
		return nil, err
	}

	s.Logger.Info().
		Str("assignment_id", string(req.AssignmentID)).
		Int("committed", len(result.Committed)).
		Int("failed", len(result.Failed)).
		Int("skipped", result.Skipped).
		Int("meters_created", result.MetersCreated).
		Msg("readings submitted")

	return result, nil
}

type resolvedMeter struct {
	meter   Meter
	created bool
}

// resolveMeters finds or provisions the meter of every planned row, one unit
// at a time. Rows whose meter can't be resolved are moved to result.Failed.
func (s *Submitter) resolveMeters(ctx context.Context, session *Session, rows []PlannedRow, result *SubmitResult) map[UnitID]resolvedMeter {
	resolved := make(map[UnitID]resolvedMeter, len(rows))
	for _, pr := range rows {
		unitID := pr.Row.UnitID
		if _, ok := resolved[unitID]; ok {
			continue
		}
		if m, ok := session.Meters[unitID]; ok {
			resolved[unitID] = resolvedMeter{meter: m}
			continue
		}

		m, err := s.registry.Find(ctx, unitID, session.Assignment.ServiceID)
		if err == nil && m != nil {
			resolved[unitID] = resolvedMeter{meter: *m}
			continue
		}
		if err == nil {
			code := MeterCode(pr.Row.UnitCode, session.Service.Code)
			var created Meter
			var isNew bool
			created, isNew, err = s.registry.FindOrCreate(ctx, unitID, session.Assignment.ServiceID, code)
			if err == nil {
				resolved[unitID] = resolvedMeter{meter: created, created: isNew}
				if isNew {
					result.MetersCreated++
				}
				continue
			}
		}

		s.Logger.Warn().Err(err).Str("unit_id", string(unitID)).Msg("meter resolution failed")
		result.Failed = append(result.Failed, RowResult{
			Position:  pr.Position,
			UnitID:    unitID,
			CurrIndex: pr.Edit.CurrIndex,
			PrevIndex: pr.Row.PrevIndex,
			Note:      pr.Edit.Note,
			Err:       err,
		})
	}
	return resolved
}

// commit writes one reading. The previous index is recomputed inside the
// transaction so a reading committed concurrently by another assignment is
// honored.
func (s *Submitter) commit(ctx context.Context, a Assignment, meter Meter, pr PlannedRow, date time.Time) RowResult {
	out := RowResult{
		Position:  pr.Position,
		UnitID:    pr.Row.UnitID,
		MeterID:   meter.ID,
		CurrIndex: pr.Edit.CurrIndex,
		PrevIndex: pr.Row.PrevIndex,
		Note:      pr.Edit.Note,
	}
	curr := *pr.Edit.CurrIndex

	err := s.store.WithReadingTx(ctx, func(tx ReadingTx) error {
		held, err := tx.GetAssignment(ctx, a.ID)
		if err != nil {
			return classify("get assignment", err)
		}
		if !held.IsOpen() {
			return closedAssignment(a.ID)
		}
		current, err := tx.GetMeter(ctx, meter.ID)
		if err != nil {
			return classify("get meter", err)
		}
		latest, err := tx.LatestReading(ctx, meter.ID)
		if err != nil {
			return classify("latest reading", err)
		}
		if last := latestDate(latest, current); last != nil && date.Before(*last) {
			return invalid(CodeReadingOutOfOrder, "reading_date",
				"reading date %s is before the latest reading on %s",
				date.Format(DateLayout), last.Format(DateLayout))
		}

		prev := EffectivePrev(latest, current, a.ID)
		out.PrevIndex = prev
		if err := ValidateIndex(prev, curr); err != nil {
			return err
		}

		reading := Reading{
			ID:           ReadingID(uuid.NewString()),
			AssignmentID: a.ID,
			MeterID:      meter.ID,
			UnitID:       pr.Row.UnitID,
			CycleID:      a.CycleID,
			ReadingDate:  date,
			PrevIndex:    prev,
			CurrIndex:    curr,
			Note:         pr.Edit.Note,
			CreatedAt:    s.now().UTC(),
		}
		if err := tx.InsertReading(ctx, reading); err != nil {
			return classify("insert reading", err)
		}
		if _, err := s.registry.Advance(ctx, tx, meter.ID, curr, date); err != nil {
			return err
		}
		out.ReadingID = reading.ID
		return nil
	})
	if err != nil {
		out.ReadingID = ""
		out.Err = classify("commit reading", err)
		s.Logger.Debug().Err(err).Str("unit_id", string(out.UnitID)).Msg("reading rejected")
	}
	return out
}

// latestDate is the date a new reading on the meter may not precede.
func latestDate(latest *Reading, meter *Meter) *time.Time {
	last := meter.LastReadingDate
	if latest != nil && (last == nil || latest.ReadingDate.After(*last)) {
		d := latest.ReadingDate
		last = &d
	}
	return last
}

func closedAssignment(id AssignmentID) error {
	return invalid(CodeAssignmentCompleted, "assignment_id",
		"assignment %s no longer accepts readings", id)
}

func (s *Submitter) workers() int {
	if s.Workers < 1 {
		return 1
	}
	return s.Workers
}

func sortResults(results []RowResult) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Position < results[j].Position
	})
}
