package api

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/meter-reading/metering"
)

func readRemainingUnits(t *testing.T, h *Handler, id metering.AssignmentID) {
	t.Helper()
	v := decPtr("10")
	res, err := h.Submitter.Submit(context.Background(), metering.SubmitRequest{
		AssignmentID: id,
		ReadingDate:  scenarioDay,
		Rows: []metering.RowEdit{
			{UnitID: "sb-102", CurrIndex: v},
			{UnitID: "sb-201", CurrIndex: v},
			{UnitID: "sb-202", CurrIndex: v},
		},
	})
	require.NoError(t, err)
	require.Empty(t, res.Failed)
}

func TestCompletionScheduler_CompletesFinishedAssignments(t *testing.T) {
	// GIVEN: every unit of the scenario assignment has a reading
	s := newTestServer(t)
	id := metering.AssignmentID(s.assignmentID(t))
	readRemainingUnits(t, s.h, id)

	cs := NewCompletionScheduler(s.h, zerolog.Nop())

	// WHEN: the scheduler runs
	completed := cs.RunNow(context.Background())

	// THEN: the assignment is closed, and a second pass finds nothing to do
	assert.Equal(t, 1, completed)
	a, err := s.h.Store.GetAssignment(context.Background(), id)
	require.NoError(t, err)
	assert.NotNil(t, a.CompletedAt)

	assert.Equal(t, 0, cs.RunNow(context.Background()))
}

func TestCompletionScheduler_LeavesUnfinishedOpen(t *testing.T) {
	// GIVEN: one unit out of four was read
	s := newTestServer(t)
	id := metering.AssignmentID(s.assignmentID(t))

	cs := NewCompletionScheduler(s.h, zerolog.Nop())

	// WHEN: the scheduler runs
	completed := cs.RunNow(context.Background())

	// THEN: nothing is completed
	assert.Equal(t, 0, completed)
	a, err := s.h.Store.GetAssignment(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, a.CompletedAt)
}

func TestCompletionScheduler_StartRunsImmediately(t *testing.T) {
	s := newTestServer(t)
	id := metering.AssignmentID(s.assignmentID(t))
	readRemainingUnits(t, s.h, id)

	cs := NewCompletionScheduler(s.h, zerolog.Nop())
	cs.CheckInterval = time.Hour

	cs.Start()
	defer cs.Stop()

	assert.Eventually(t, func() bool {
		a, err := s.h.Store.GetAssignment(context.Background(), id)
		return err == nil && a.CompletedAt != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCompletionScheduler_Disabled(t *testing.T) {
	s := newTestServer(t)

	cs := NewCompletionScheduler(s.h, zerolog.Nop())
	cs.Enabled = false

	cs.Start()
	cs.Stop()

	assert.Nil(t, cs.ticker)
}

func TestCompletionScheduler_RestartAfterStop(t *testing.T) {
	// GIVEN: a scheduler that was started and stopped
	s := newTestServer(t)
	id := metering.AssignmentID(s.assignmentID(t))

	cs := NewCompletionScheduler(s.h, zerolog.Nop())
	cs.CheckInterval = time.Hour
	cs.Start()
	cs.Stop()

	// WHEN: the assignment is finished and the scheduler starts again
	readRemainingUnits(t, s.h, id)
	cs.Start()
	defer cs.Stop()

	// THEN: the new run loop completes it
	assert.Eventually(t, func() bool {
		a, err := s.h.Store.GetAssignment(context.Background(), id)
		return err == nil && a.CompletedAt != nil
	}, 2*time.Second, 10*time.Millisecond)
}
