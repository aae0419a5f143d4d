package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/meter-reading/metering"
)

// Rows written by hand or by an older build must surface as errors, not as
// zero values.

func TestListBuildings_BadFloors(t *testing.T) {
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO buildings (id, code, name, floors_json) VALUES ('B1', 'B1', 'Tower', 'not json')")
	require.NoError(t, err)

	_, err = s.ListBuildings(ctx)
	assert.ErrorContains(t, err, "building B1 floors")

	_, err = s.GetBuilding(ctx, "B1")
	assert.Error(t, err)
}

func TestScan_BadDates(t *testing.T) {
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	require.NoError(t, s.SaveBuilding(ctx, metering.Building{ID: "B1", Code: "B1", Name: "Tower", Floors: []int{1}}))
	require.NoError(t, s.SaveUnit(ctx, metering.Unit{ID: "U1", BuildingID: "B1", Code: "B1-101", Floor: 1, Occupied: true}))
	require.NoError(t, s.SaveService(ctx, metering.Service{ID: "WATER", Code: "WATER", Name: "Water", RequiresMeter: true, Active: true}))
	require.NoError(t, s.SaveStaff(ctx, metering.Staff{ID: "S1", Name: "Lan", Active: true}))
	march1, march31 := metering.NewDay(2025, time.March, 1), metering.NewDay(2025, time.March, 31)
	require.NoError(t, s.SaveCycle(ctx, metering.ReadingCycle{
		ID: "C1", ServiceID: "WATER", Status: metering.CycleInProgress,
		Period: metering.NewPeriod(march1, march31),
	}))
	require.NoError(t, s.CreateAssignment(ctx, metering.Assignment{
		ID: "A1", CycleID: "C1", ServiceID: "WATER", StaffID: "S1", BuildingID: "B1",
		UnitIDs: []metering.UnitID{"U1"}, StartDate: march1, EndDate: march31, CreatedAt: time.Now(),
	}))
	require.NoError(t, s.SaveMeter(ctx, metering.Meter{ID: "M1", UnitID: "U1", ServiceID: "WATER", Code: "W1", Active: true}))
	require.NoError(t, s.WithReadingTx(ctx, func(tx metering.ReadingTx) error {
		return tx.InsertReading(ctx, metering.Reading{
			ID: "R1", AssignmentID: "A1", MeterID: "M1", UnitID: "U1", CycleID: "C1",
			ReadingDate: march1, CurrIndex: decimal.NewFromInt(5), CreatedAt: time.Now(),
		})
	}))

	for _, stmt := range []string{
		"UPDATE readings SET reading_date = '10/03/2025'",
		"UPDATE assignments SET created_at = 'yesterday'",
		"UPDATE meters SET last_reading = '5', last_reading_date = 'soon'",
		"UPDATE cycles SET period_from = 'march'",
	} {
		_, err := s.db.ExecContext(ctx, stmt)
		require.NoError(t, err, stmt)
	}

	_, err = s.ListReadingsByMeter(ctx, "M1")
	assert.ErrorContains(t, err, "reading R1 date")

	_, err = s.GetAssignment(ctx, "A1")
	assert.ErrorContains(t, err, "assignment A1 created_at")

	_, err = s.GetMeter(ctx, "M1")
	assert.ErrorContains(t, err, "meter M1 last reading date")

	_, err = s.GetCycle(ctx, "C1")
	assert.ErrorContains(t, err, "cycle C1 start")
}
