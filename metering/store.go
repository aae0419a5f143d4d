/*
store.go - Boundaries between the engine and its collaborators

PURPOSE:
  The engine never talks to a database or a directory service directly.
  It depends on the small interfaces below; store/sqlite implements all of
  them for production and metering/store implements them in memory for tests.

KEY INTERFACES:
  Directory:       buildings, units, households, services, staff (read-only)
  CycleStore:      reading cycles (read-only)
  AssignmentStore: assignments and their materialized coverage
  MeterStore:      meters, including atomic find-or-create
  ReadingStore:    append-only readings, written inside ReadingTx

HARD REQUIREMENTS ON IMPLEMENTATIONS:
  - CreateAssignment rejects, with ErrConflict, an assignment whose units
    are already covered by a non-released assignment for the same cycle and
    service. Checked at write time, not only by the caller.
  - FindOrCreateMeter never creates a second active meter for the same
    unit and service. When one exists it is returned with created=false.
  - WithReadingTx runs fn atomically; AdvanceMeter inside it is a
    compare-and-set that refuses to move LastReadingDate backwards.
  - ReleaseAssignment rejects, with ErrConflict, an assignment that holds
    readings. It is serialized with WithReadingTx so a reading and a
    release of the same assignment can't both succeed.

NOT FOUND CONVENTION:
  Get* methods return an error wrapping ErrNotFound.
  FindMeter returns (nil, nil) when the unit has no active meter.
*/
package metering

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DIRECTORY - external collaborator
// =============================================================================

type Directory interface {
	GetBuilding(ctx context.Context, id BuildingID) (*Building, error)
	ListUnits(ctx context.Context, buildingID BuildingID) ([]Unit, error)
	GetUnit(ctx context.Context, id UnitID) (*Unit, error)

	// GetHouseholdStatus returns true if the unit has an active primary household.
	GetHouseholdStatus(ctx context.Context, id UnitID) (bool, error)

	// ListServices returns every service; callers filter with Service.Metered.
	ListServices(ctx context.Context) ([]Service, error)
	GetStaff(ctx context.Context, id StaffID) (*Staff, error)
}

type CycleStore interface {
	GetCycle(ctx context.Context, id CycleID) (*ReadingCycle, error)
}

// =============================================================================
// ASSIGNMENTS
// =============================================================================

type AssignmentStore interface {
	// CreateAssignment persists the assignment and its coverage rows atomically.
	CreateAssignment(ctx context.Context, a Assignment) error
	GetAssignment(ctx context.Context, id AssignmentID) (*Assignment, error)
	ListAssignments(ctx context.Context, filter AssignmentFilter) ([]Assignment, error)

	// CoveredUnits returns the units held by non-released assignments for the
	// cycle and service. Unit ids are global, so this spans every building.
	CoveredUnits(ctx context.Context, cycleID CycleID, serviceID ServiceID) ([]UnitID, error)

	CompleteAssignment(ctx context.Context, id AssignmentID, at time.Time) error

	// ReleaseAssignment frees the coverage of an assignment. It returns
	// ErrConflict when readings were committed against it.
	ReleaseAssignment(ctx context.Context, id AssignmentID, at time.Time) error
}

// =============================================================================
// METERS
// =============================================================================

type MeterStore interface {
	GetMeter(ctx context.Context, id MeterID) (*Meter, error)
	FindMeter(ctx context.Context, unitID UnitID, serviceID ServiceID) (*Meter, error)
	ListMeters(ctx context.Context, serviceID ServiceID, unitIDs []UnitID) ([]Meter, error)

	// FindOrCreateMeter returns the active meter for (m.UnitID, m.ServiceID),
	// inserting m when none exists.
	FindOrCreateMeter(ctx context.Context, m Meter) (Meter, bool, error)
}

// =============================================================================
// READINGS - append-only
// =============================================================================

type ReadingStore interface {
	ListReadingsByAssignment(ctx context.Context, id AssignmentID) ([]Reading, error)
	ListReadingsByMeter(ctx context.Context, id MeterID) ([]Reading, error)

	// WithReadingTx executes fn within a transaction.
	// If fn returns error, nothing fn wrote is kept.
	WithReadingTx(ctx context.Context, fn func(tx ReadingTx) error) error
}

// ReadingTx is the view of the store inside a reading transaction.
type ReadingTx interface {
	GetAssignment(ctx context.Context, id AssignmentID) (*Assignment, error)
	GetMeter(ctx context.Context, id MeterID) (*Meter, error)

	// LatestReading returns the chronologically latest reading on the meter,
	// or nil when the meter has none.
	LatestReading(ctx context.Context, id MeterID) (*Reading, error)
	InsertReading(ctx context.Context, r Reading) error

	// AdvanceMeter sets LastReading/LastReadingDate unless the meter already
	// holds a reading dated after date. Returns whether the meter moved.
	AdvanceMeter(ctx context.Context, id MeterID, value decimal.Decimal, date time.Time) (bool, error)
}

// Store is everything the engine needs from persistence.
type Store interface {
	CycleStore
	AssignmentStore
	MeterStore
	ReadingStore
}
