package metering_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/meter-reading/metering"
)

func TestProgress_CountsDistinctUnits(t *testing.T) {
	// GIVEN: A three-unit assignment
	// WHEN: Two units are read, one of them corrected afterwards
	// THEN: Progress is 2/3 and only the third reading completes it

	f := newFixture(t)
	ctx := context.Background()
	a := f.allocate(t, "S1")

	f.submit(t, a.ID, march10, edit("U1", "5"), edit("U2", "6"))
	f.submit(t, a.ID, march20, edit("U1", "7"))

	p, err := f.progress.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, p.UnitsTotal)
	assert.Equal(t, 2, p.UnitsWithReading)
	assert.False(t, p.Done())
	assert.InDelta(t, 66.67, p.Percent(), 0.01)

	f.submit(t, a.ID, march20, edit("U3", "1"))

	p, err = f.progress.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, p.Done())
	assert.Equal(t, float64(100), p.Percent())
}

func TestProgress_EmptyAssignment(t *testing.T) {
	f := newFixture(t)
	a, err := f.allocator.Allocate(context.Background(), metering.AllocationRequest{
		CycleID: "C1", ServiceID: "WATER", StaffID: "S1",
	})
	require.NoError(t, err)

	p, err := f.progress.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, metering.Progress{AssignmentID: a.ID}, p)
	assert.False(t, p.Done())
	assert.Zero(t, p.Percent())
}

func TestProgress_UnknownAssignment(t *testing.T) {
	f := newFixture(t)

	_, err := f.progress.Get(context.Background(), "nope")
	assert.True(t, metering.IsNotFound(err))
}
