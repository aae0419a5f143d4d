package metering_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/meter-reading/metering"
)

func TestLoad_RowsInWalkingOrder(t *testing.T) {
	f := newFixture(t)
	f.withMeter("U3", "42.5")
	a := f.allocate(t, "S1")

	s, err := f.loader.Load(context.Background(), a.ID)
	require.NoError(t, err)

	require.Len(t, s.Rows, 3)
	assert.Equal(t, "B1-101", s.Rows[0].UnitCode)
	assert.Equal(t, "B1-102", s.Rows[1].UnitCode)
	assert.Equal(t, "B1-201", s.Rows[2].UnitCode)
	assert.Equal(t, "WATER", s.Service.Code)
	assert.Equal(t, 3, s.Snapshot.Len())
}

func TestLoad_PrevIndexFromMeter(t *testing.T) {
	// GIVEN: U3 has a meter at 42.5, U1 has none
	// THEN: U3's row shows 42.5 as previous, U1's row starts at zero with no prev

	f := newFixture(t)
	meterID := f.withMeter("U3", "42.5")
	a := f.allocate(t, "S1")

	s, err := f.loader.Load(context.Background(), a.ID)
	require.NoError(t, err)

	u3, ok := s.RowFor("U3")
	require.True(t, ok)
	assert.True(t, u3.HasMeter)
	assert.True(t, u3.HasPrev)
	assert.Equal(t, meterID, u3.MeterID)
	assert.True(t, u3.PrevIndex.Equal(decimal.RequireFromString("42.5")))
	assert.Nil(t, u3.CurrIndex)

	u1, _ := s.RowFor("U1")
	assert.False(t, u1.HasMeter)
	assert.False(t, u1.HasPrev)
	assert.True(t, u1.PrevIndex.IsZero())

	byMeter, ok := s.RowForMeter(meterID)
	require.True(t, ok)
	assert.Equal(t, metering.UnitID("U3"), byMeter.UnitID)
}

func TestLoad_ShowsOwnCommittedReading(t *testing.T) {
	f := newFixture(t)
	f.withMeter("U1", "100")
	a := f.allocate(t, "S1", "U1")
	f.submit(t, a.ID, march10, metering.RowEdit{UnitID: "U1", CurrIndex: dec("120"), Note: "dial cracked"})

	s, err := f.loader.Load(context.Background(), a.ID)
	require.NoError(t, err)

	row, _ := s.RowFor("U1")
	require.NotNil(t, row.CurrIndex)
	assert.True(t, row.CurrIndex.Equal(decimal.NewFromInt(120)))
	assert.True(t, row.PrevIndex.Equal(decimal.NewFromInt(100)), "own reading does not raise the floor")
	assert.NotEmpty(t, row.ReadingID)
	assert.Equal(t, "dial cracked", row.Note)

	snap, ok := s.Snapshot.Row("U1")
	require.True(t, ok)
	assert.True(t, snap.CurrIndex.Equal(decimal.NewFromInt(120)))
}

func TestLoad_UnknownAssignment(t *testing.T) {
	f := newFixture(t)

	_, err := f.loader.Load(context.Background(), "nope")
	assert.True(t, metering.IsNotFound(err))
}

func TestSnapshot_Changed(t *testing.T) {
	snap := metering.NewSnapshot("A", map[metering.UnitID]metering.SnapshotRow{
		"U1": {CurrIndex: dec("10")},
		"U2": {},
	})

	assert.False(t, snap.Changed("U1", dec("10.00")))
	assert.True(t, snap.Changed("U1", dec("11")))
	assert.True(t, snap.Changed("U1", nil))
	assert.False(t, snap.Changed("U2", nil))
	assert.True(t, snap.Changed("U2", dec("0")))
}
