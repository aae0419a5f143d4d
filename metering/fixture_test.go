package metering_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/warp/meter-reading/metering"
	"github.com/warp/meter-reading/metering/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// Building B1:
//
//	floor 1: U1 (B1-101, occupied), U2 (B1-102, occupied)
//	floor 2: U3 (B1-201, occupied), U4 (B1-202, vacant)
//
// Building B2 has one occupied unit, V1.
// Services: WATER (metered), TRASH (flat fee, no meter), GAS (inactive).
// Cycle C1 is March 2025 for WATER; CX is a closed February cycle.
type fixture struct {
	mem       *store.Memory
	allocator *metering.Allocator
	loader    *metering.SessionLoader
	submitter *metering.Submitter
	progress  *metering.ProgressTracker
	registry  *metering.Registry
}

var (
	march1  = metering.NewDay(2025, time.March, 1)
	march10 = metering.NewDay(2025, time.March, 10)
	march20 = metering.NewDay(2025, time.March, 20)
	march31 = metering.NewDay(2025, time.March, 31)
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()

	mem.PutBuilding(metering.Building{ID: "B1", Code: "B1", Name: "Tower One", Floors: []int{1, 2}})
	mem.PutBuilding(metering.Building{ID: "B2", Code: "B2", Name: "Tower Two", Floors: []int{1}})
	mem.PutUnit(metering.Unit{ID: "U1", BuildingID: "B1", Code: "B1-101", Floor: 1, Occupied: true})
	mem.PutUnit(metering.Unit{ID: "U2", BuildingID: "B1", Code: "B1-102", Floor: 1, Occupied: true})
	mem.PutUnit(metering.Unit{ID: "U3", BuildingID: "B1", Code: "B1-201", Floor: 2, Occupied: true})
	mem.PutUnit(metering.Unit{ID: "U4", BuildingID: "B1", Code: "B1-202", Floor: 2, Occupied: false})
	mem.PutUnit(metering.Unit{ID: "V1", BuildingID: "B2", Code: "B2-101", Floor: 1, Occupied: true})

	mem.PutService(metering.Service{ID: "WATER", Code: "WATER", Name: "Water", RequiresMeter: true, Active: true})
	mem.PutService(metering.Service{ID: "TRASH", Code: "TRASH", Name: "Trash", RequiresMeter: false, Active: true})
	mem.PutService(metering.Service{ID: "GAS", Code: "GAS", Name: "Gas", RequiresMeter: true, Active: false})

	mem.PutStaff(metering.Staff{ID: "S1", Name: "Lan", Active: true})
	mem.PutStaff(metering.Staff{ID: "S2", Name: "Minh", Active: true})

	mem.PutCycle(metering.ReadingCycle{
		ID: "C1", ServiceID: "WATER", Status: metering.CycleInProgress,
		Period: metering.NewPeriod(march1, march31),
	})
	mem.PutCycle(metering.ReadingCycle{
		ID: "CX", ServiceID: "WATER", Status: metering.CycleClosed,
		Period: metering.NewPeriod(metering.NewDay(2025, time.February, 1), metering.NewDay(2025, time.February, 28)),
	})

	submitter := metering.NewSubmitter(mem, mem)
	submitter.Logger = zerolog.Nop()

	return &fixture{
		mem:       mem,
		allocator: metering.NewAllocator(mem, mem),
		loader:    metering.NewSessionLoader(mem, mem),
		submitter: submitter,
		progress:  metering.NewProgressTracker(mem),
		registry:  metering.NewRegistry(mem),
	}
}

// withMeter gives a unit an existing WATER meter at the given index.
func (f *fixture) withMeter(unitID metering.UnitID, last string) metering.MeterID {
	id := metering.MeterID("M-" + string(unitID))
	d := decimal.RequireFromString(last)
	date := metering.NewDay(2025, time.February, 25)
	f.mem.PutMeter(metering.Meter{
		ID: id, UnitID: unitID, ServiceID: "WATER", Code: string(unitID) + "-W",
		Active: true, LastReading: &d, LastReadingDate: &date,
	})
	return id
}

func (f *fixture) allocate(t *testing.T, staff metering.StaffID, units ...metering.UnitID) *metering.Assignment {
	t.Helper()
	a, err := f.allocator.Allocate(context.Background(), metering.AllocationRequest{
		CycleID: "C1", ServiceID: "WATER", StaffID: staff, BuildingID: "B1", UnitIDs: units,
	})
	require.NoError(t, err)
	return a
}

func (f *fixture) submit(t *testing.T, id metering.AssignmentID, date time.Time, rows ...metering.RowEdit) *metering.SubmitResult {
	t.Helper()
	res, err := f.submitter.Submit(context.Background(), metering.SubmitRequest{
		AssignmentID: id, ReadingDate: date, Rows: rows,
	})
	require.NoError(t, err)
	return res
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func edit(unit metering.UnitID, value string) metering.RowEdit {
	if value == "" {
		return metering.RowEdit{UnitID: unit}
	}
	return metering.RowEdit{UnitID: unit, CurrIndex: dec(value)}
}
