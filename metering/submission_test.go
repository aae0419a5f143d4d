package metering_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/meter-reading/metering"
	"github.com/warp/meter-reading/metering/store"
)

// =============================================================================
// PLAN (no storage involved)
// =============================================================================

func planSession() *metering.Session {
	return &metering.Session{
		Assignment: metering.Assignment{ID: "A"},
		Rows: []metering.Row{
			{UnitID: "U1", MeterID: "M1", HasMeter: true, PrevIndex: decimal.NewFromInt(100), HasPrev: true, CurrIndex: dec("120")},
			{UnitID: "U2"},
		},
		Snapshot: metering.NewSnapshot("A", map[metering.UnitID]metering.SnapshotRow{
			"U1": {MeterID: "M1", CurrIndex: dec("120")},
			"U2": {},
		}),
	}
}

func TestPlan_SkipsBlankAndUnchanged(t *testing.T) {
	plan := metering.Plan(planSession(), []metering.RowEdit{
		edit("U1", "120.0"),
		edit("U2", ""),
	})

	assert.Empty(t, plan.Rows)
	assert.Empty(t, plan.Rejected)
	assert.Equal(t, 2, plan.Skipped)
}

func TestPlan_UnknownRow(t *testing.T) {
	plan := metering.Plan(planSession(), []metering.RowEdit{
		edit("U9", "10"),
		{UnitID: "U1", MeterID: "M-other", CurrIndex: dec("130")},
		{CurrIndex: dec("5")},
	})

	require.Len(t, plan.Rejected, 3)
	for i, r := range plan.Rejected {
		assert.Equal(t, i, r.Position)
		assert.True(t, metering.HasCode(r.Err, metering.CodeUnknownRow))
	}
}

func TestPlan_LastEditWins(t *testing.T) {
	plan := metering.Plan(planSession(), []metering.RowEdit{
		edit("U2", "5"),
		edit("U2", "7"),
	})

	require.Len(t, plan.Rows, 1)
	assert.Equal(t, 1, plan.Rows[0].Position)
	assert.True(t, plan.Rows[0].Edit.CurrIndex.Equal(decimal.NewFromInt(7)))
	assert.Equal(t, 1, plan.Skipped)
}

func TestPlan_AddressByMeter(t *testing.T) {
	plan := metering.Plan(planSession(), []metering.RowEdit{
		{MeterID: "M1", CurrIndex: dec("130")},
	})

	require.Len(t, plan.Rows, 1)
	assert.Equal(t, metering.UnitID("U1"), plan.Rows[0].Row.UnitID)
}

func TestValidateIndex(t *testing.T) {
	hundred := decimal.NewFromInt(100)

	tests := []struct {
		name string
		prev decimal.Decimal
		curr string
		code metering.ValidationCode
	}{
		{"greater", hundred, "100.5", ""},
		{"from zero", decimal.Zero, "0.1", ""},
		{"equal", hundred, "100", metering.CodeNonMonotonicIndex},
		{"lower", hundred, "95", metering.CodeNonMonotonicIndex},
		{"negative", decimal.Zero, "-5", metering.CodeNegativeIndex},
		{"zero on zero", decimal.Zero, "0", metering.CodeNonMonotonicIndex},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := metering.ValidateIndex(tt.prev, decimal.RequireFromString(tt.curr))
			if tt.code == "" {
				assert.NoError(t, err)
				return
			}
			assert.True(t, metering.HasCode(err, tt.code), "got %v", err)
		})
	}
}

// =============================================================================
// SUBMIT - existing meters
// =============================================================================

func TestSubmit_LowerThanLastIndex_Rejected(t *testing.T) {
	// GIVEN: U1 has a meter whose last index is 100
	// WHEN: A reader submits 95
	// THEN: The row fails with NonMonotonicIndex and nothing is written

	f := newFixture(t)
	meterID := f.withMeter("U1", "100")
	a := f.allocate(t, "S1", "U1")

	res := f.submit(t, a.ID, march10, edit("U1", "95"))

	assert.Empty(t, res.Committed)
	require.Len(t, res.Failed, 1)
	assert.True(t, metering.HasCode(res.Failed[0].Err, metering.CodeNonMonotonicIndex))
	assert.True(t, res.Failed[0].PrevIndex.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, 0, f.mem.ReadingCount())

	m, err := f.mem.GetMeter(context.Background(), meterID)
	require.NoError(t, err)
	assert.True(t, m.LastIndex().Equal(decimal.NewFromInt(100)))
}

func TestSubmit_AdvancesMeter(t *testing.T) {
	f := newFixture(t)
	meterID := f.withMeter("U1", "100")
	a := f.allocate(t, "S1", "U1")

	res := f.submit(t, a.ID, march10, edit("U1", "120"))

	require.Len(t, res.Committed, 1)
	c := res.Committed[0]
	assert.Equal(t, meterID, c.MeterID)
	assert.True(t, c.PrevIndex.Equal(decimal.NewFromInt(100)))
	assert.NotEmpty(t, c.ReadingID)
	assert.False(t, c.MeterCreated)

	m, err := f.mem.GetMeter(context.Background(), meterID)
	require.NoError(t, err)
	assert.True(t, m.LastIndex().Equal(decimal.NewFromInt(120)))
	require.NotNil(t, m.LastReadingDate)
	assert.Equal(t, march10, *m.LastReadingDate)

	row, ok := res.Session.RowFor("U1")
	require.True(t, ok)
	require.NotNil(t, row.CurrIndex)
	assert.True(t, row.CurrIndex.Equal(decimal.NewFromInt(120)))
}

func TestSubmit_CorrectionWithinAssignment(t *testing.T) {
	// GIVEN: An assignment already committed 120 over a previous index of 100
	// WHEN: The reader corrects the value to 110 later in the cycle
	// THEN: The correction is checked against 100, not 120, and wins

	f := newFixture(t)
	f.withMeter("U1", "100")
	a := f.allocate(t, "S1", "U1")
	f.submit(t, a.ID, march10, edit("U1", "120"))

	res := f.submit(t, a.ID, march20, edit("U1", "110"))

	require.Len(t, res.Committed, 1)
	assert.True(t, res.Committed[0].PrevIndex.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, 2, f.mem.ReadingCount(), "readings are append-only")

	row, _ := res.Session.RowFor("U1")
	assert.True(t, row.CurrIndex.Equal(decimal.NewFromInt(110)))
	assert.True(t, row.PrevIndex.Equal(decimal.NewFromInt(100)))
}

func TestSubmit_Resubmit_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.withMeter("U1", "100")
	a := f.allocate(t, "S1", "U1", "U2")
	f.submit(t, a.ID, march10, edit("U1", "120"), edit("U2", "8"))
	require.Equal(t, 2, f.mem.ReadingCount())

	res := f.submit(t, a.ID, march10, edit("U1", "120"), edit("U2", "8"))

	assert.Empty(t, res.Committed)
	assert.Empty(t, res.Failed)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 2, f.mem.ReadingCount())
	assert.Equal(t, 2, res.Progress.UnitsWithReading)
}

// =============================================================================
// SUBMIT - lazy meter provisioning
// =============================================================================

func TestSubmit_FirstReading_CreatesMeter(t *testing.T) {
	// GIVEN: U2 has no meter
	// WHEN: A reader submits 10
	// THEN: A meter coded after unit and service is created, prev is 0

	f := newFixture(t)
	a := f.allocate(t, "S1", "U2")

	before, err := f.loader.Load(context.Background(), a.ID)
	require.NoError(t, err)
	row, _ := before.RowFor("U2")
	assert.False(t, row.HasMeter)
	assert.False(t, row.HasPrev)

	res := f.submit(t, a.ID, march10, edit("U2", "10"))

	require.Len(t, res.Committed, 1)
	assert.True(t, res.Committed[0].MeterCreated)
	assert.True(t, res.Committed[0].PrevIndex.IsZero())
	assert.Equal(t, 1, res.MetersCreated)

	m, err := f.registry.Find(context.Background(), "U2", "WATER")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "B1-102-WATER", m.Code)
	assert.True(t, m.LastIndex().Equal(decimal.NewFromInt(10)))

	after, _ := res.Session.RowFor("U2")
	assert.True(t, after.HasMeter)
	assert.Equal(t, m.ID, after.MeterID)
}

func TestSubmit_Concurrent_OneMeterPerUnit(t *testing.T) {
	// GIVEN: Two readers open the same sheet for a unit without a meter
	// WHEN: Both submit at once
	// THEN: Exactly one active meter exists afterwards

	f := newFixture(t)
	a := f.allocate(t, "S1", "U2")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.submitter.Submit(context.Background(), metering.SubmitRequest{
				AssignmentID: a.ID, ReadingDate: march10, Rows: []metering.RowEdit{edit("U2", "10")},
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.mem.CountActiveMeters("U2", "WATER"))
}

// =============================================================================
// SUBMIT - independent row outcomes
// =============================================================================

func TestSubmit_MixedBatch_RowsFailIndependently(t *testing.T) {
	// GIVEN: Three rows, the middle one negative
	// THEN: Two rows commit, the middle one fails with its position

	f := newFixture(t)
	f.withMeter("U1", "100")
	a := f.allocate(t, "S1")

	res := f.submit(t, a.ID, march10,
		edit("U1", "120"),
		edit("U2", "-5"),
		edit("U3", "7"),
	)

	assert.Len(t, res.Committed, 2)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, 1, res.Failed[0].Position)
	assert.Equal(t, metering.UnitID("U2"), res.Failed[0].UnitID)
	assert.True(t, metering.HasCode(res.Failed[0].Err, metering.CodeNegativeIndex))
	assert.True(t, res.Failed[0].CurrIndex.Equal(decimal.NewFromInt(-5)), "failed rows keep their input")

	assert.Equal(t, 2, res.Progress.UnitsWithReading)
	assert.Equal(t, 3, res.Progress.UnitsTotal)
}

func TestSubmit_StorageFailure_OnlyAffectsItsRow(t *testing.T) {
	f := newFixture(t)
	a := f.allocate(t, "S1")
	f.mem.FailInsertReading = func(r metering.Reading) error {
		if r.UnitID == "U3" {
			return errors.New("disk full")
		}
		return nil
	}

	res := f.submit(t, a.ID, march10, edit("U1", "1"), edit("U2", "2"), edit("U3", "3"))

	assert.Len(t, res.Committed, 2)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, metering.UnitID("U3"), res.Failed[0].UnitID)
	assert.ErrorIs(t, res.Failed[0].Err, metering.ErrDependency)
	assert.True(t, metering.IsRetryable(res.Failed[0].Err))
	assert.Equal(t, 2, f.mem.ReadingCount())

	row, _ := res.Session.RowFor("U3")
	assert.Nil(t, row.CurrIndex)
}

func TestSubmit_UnknownRowReported(t *testing.T) {
	f := newFixture(t)
	a := f.allocate(t, "S1", "U1")

	res := f.submit(t, a.ID, march10, edit("U3", "5"), edit("U1", "5"))

	require.Len(t, res.Failed, 1)
	assert.Equal(t, 0, res.Failed[0].Position)
	assert.True(t, metering.HasCode(res.Failed[0].Err, metering.CodeUnknownRow))
	assert.Len(t, res.Committed, 1)
}

// =============================================================================
// SUBMIT - request level errors
// =============================================================================

func TestSubmit_RequestErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.submitter.Submit(ctx, metering.SubmitRequest{})
	assert.True(t, metering.HasCode(err, metering.CodeMissingField))

	_, err = f.submitter.Submit(ctx, metering.SubmitRequest{AssignmentID: "missing"})
	assert.True(t, metering.IsNotFound(err))

	a := f.allocate(t, "S1", "U1")
	_, err = f.allocator.Complete(ctx, a.ID)
	require.NoError(t, err)

	_, err = f.submitter.Submit(ctx, metering.SubmitRequest{
		AssignmentID: a.ID, Rows: []metering.RowEdit{edit("U1", "5")},
	})
	assert.True(t, metering.HasCode(err, metering.CodeAssignmentCompleted))
}

func TestSubmit_DefaultsReadingDateToToday(t *testing.T) {
	f := newFixture(t)
	a := f.allocate(t, "S1", "U1")

	f.submit(t, a.ID, time.Time{}, edit("U1", "4"))

	readings, err := f.mem.ListReadingsByAssignment(context.Background(), a.ID)
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, metering.Today(), readings[0].ReadingDate)
}

// =============================================================================
// CROSS-ASSIGNMENT ORDERING
// =============================================================================

func TestSubmit_LaterCycleReadingIsTheFloor(t *testing.T) {
	// GIVEN: April's assignment already read U1 at 150 on April 5
	// WHEN: March's assignment submits 130 dated March 20
	// THEN: 130 is rejected against 150; the April reading is the latest

	f := newFixture(t)
	ctx := context.Background()
	f.withMeter("U1", "100")
	f.mem.PutCycle(metering.ReadingCycle{
		ID: "C2", ServiceID: "WATER", Status: metering.CycleInProgress,
		Period: metering.NewPeriod(metering.NewDay(2025, time.April, 1), metering.NewDay(2025, time.April, 30)),
	})

	march := f.allocate(t, "S1", "U1")
	april, err := f.allocator.Allocate(ctx, metering.AllocationRequest{
		CycleID: "C2", ServiceID: "WATER", StaffID: "S2", BuildingID: "B1", UnitIDs: []metering.UnitID{"U1"},
	})
	require.NoError(t, err)
	f.submit(t, april.ID, metering.NewDay(2025, time.April, 5), edit("U1", "150"))

	res := f.submit(t, march.ID, march20, edit("U1", "130"))

	require.Len(t, res.Failed, 1)
	assert.True(t, metering.HasCode(res.Failed[0].Err, metering.CodeNonMonotonicIndex))
	assert.True(t, res.Failed[0].PrevIndex.Equal(decimal.NewFromInt(150)))
}

// =============================================================================
// SUBMIT - reading dates
// =============================================================================

func TestSubmit_BackdatedReading_Rejected(t *testing.T) {
	// GIVEN: U1 was read at 120 on March 20
	// WHEN: The reader sends 110 dated March 10, twice
	// THEN: Both attempts fail with ReadingOutOfOrder and nothing is written

	f := newFixture(t)
	meterID := f.withMeter("U1", "100")
	a := f.allocate(t, "S1", "U1")
	f.submit(t, a.ID, march20, edit("U1", "120"))

	for attempt := 0; attempt < 2; attempt++ {
		res := f.submit(t, a.ID, march10, edit("U1", "110"))

		assert.Empty(t, res.Committed)
		require.Len(t, res.Failed, 1)
		assert.True(t, metering.HasCode(res.Failed[0].Err, metering.CodeReadingOutOfOrder))
		assert.Equal(t, 1, f.mem.ReadingCount(), "attempt %d", attempt)

		row, _ := res.Session.RowFor("U1")
		assert.True(t, row.CurrIndex.Equal(decimal.NewFromInt(120)))
	}

	m, err := f.mem.GetMeter(context.Background(), meterID)
	require.NoError(t, err)
	assert.True(t, m.LastIndex().Equal(decimal.NewFromInt(120)))
	assert.Equal(t, march20, *m.LastReadingDate)
}

func TestSubmit_BeforeMeterLastReadingDate_Rejected(t *testing.T) {
	// GIVEN: U1's meter was last read on February 25 and has no readings
	f := newFixture(t)
	f.withMeter("U1", "100")
	a := f.allocate(t, "S1", "U1")

	// WHEN: A reading dated February 20 comes in
	res := f.submit(t, a.ID, metering.NewDay(2025, time.February, 20), edit("U1", "130"))

	// THEN: It is refused
	require.Len(t, res.Failed, 1)
	assert.True(t, metering.HasCode(res.Failed[0].Err, metering.CodeReadingOutOfOrder))
	assert.Equal(t, 0, f.mem.ReadingCount())
}

// =============================================================================
// SUBMIT - closed assignments
// =============================================================================

func TestSubmit_CompletedAssignment_IdenticalResubmitIsNoop(t *testing.T) {
	// GIVEN: Every unit was read and the assignment was completed
	f := newFixture(t)
	ctx := context.Background()
	a := f.allocate(t, "S1", "U1", "U2")
	f.submit(t, a.ID, march10, edit("U1", "12"), edit("U2", "8"))
	_, err := f.allocator.Complete(ctx, a.ID)
	require.NoError(t, err)

	// WHEN: The reader's app sends the same values again
	res := f.submit(t, a.ID, march10, edit("U1", "12"), edit("U2", "8"))

	// THEN: Nothing to write, no error
	assert.Empty(t, res.Committed)
	assert.Empty(t, res.Failed)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 2, f.mem.ReadingCount())

	// AND: A changed value is still refused
	_, err = f.submitter.Submit(ctx, metering.SubmitRequest{
		AssignmentID: a.ID, ReadingDate: march10, Rows: []metering.RowEdit{edit("U1", "13")},
	})
	assert.True(t, metering.HasCode(err, metering.CodeAssignmentCompleted))
}

// releasingStore releases an assignment just before each reading
// transaction, as a planner would between a reader loading and saving.
type releasingStore struct {
	*store.Memory
	id metering.AssignmentID
}

func (s releasingStore) WithReadingTx(ctx context.Context, fn func(tx metering.ReadingTx) error) error {
	if err := s.Memory.ReleaseAssignment(ctx, s.id, time.Now()); err != nil {
		return err
	}
	return s.Memory.WithReadingTx(ctx, fn)
}

func TestSubmit_ReleasedWhileEditing_NothingWritten(t *testing.T) {
	// GIVEN: The reader loaded the session of an open assignment
	f := newFixture(t)
	a := f.allocate(t, "S1", "U1", "U2")

	submitter := metering.NewSubmitter(f.mem, releasingStore{Memory: f.mem, id: a.ID})
	submitter.Logger = zerolog.Nop()

	// WHEN: The assignment is released before the readings are written
	res, err := submitter.Submit(context.Background(), metering.SubmitRequest{
		AssignmentID: a.ID, ReadingDate: march10,
		Rows: []metering.RowEdit{edit("U1", "12"), edit("U2", "8")},
	})

	// THEN: Every row fails and the released units carry no reading
	require.NoError(t, err)
	assert.Empty(t, res.Committed)
	require.Len(t, res.Failed, 2)
	for _, r := range res.Failed {
		assert.True(t, metering.HasCode(r.Err, metering.CodeAssignmentCompleted))
	}
	assert.Equal(t, 0, f.mem.ReadingCount())
}
