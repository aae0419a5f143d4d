/*
Package metering provides the meter reading engine.

PURPOSE:
  Field staff walk the buildings of a property once per billing cycle and
  write down the index of every utility meter. This package decides who reads
  which units (allocation), rebuilds what a reader sees for an assignment
  (sessions), and validates and commits what they report (submission).

KEY CONCEPTS IN THIS FILE (types.go):
  - Index: an exact decimal meter value (water m³, electricity kWh)
  - Directory records: Building, Unit, Service, Staff (read-only here)
  - ReadingCycle: the billing window readings belong to
  - Assignment: a staff member bound to a frozen list of units
  - Meter: the counter tracked per unit and service
  - Reading: one committed observation, never updated

DESIGN PRINCIPLES:
  1. Materialized coverage: an Assignment stores its concrete unit list
  2. Append-only readings: corrections are new rows, the latest wins
  3. Exact arithmetic: indexes use decimal.Decimal, never float64
  4. Type safety: distinct ID types so a UnitID can't pass as a MeterID

SEE ALSO:
  - allocation.go: creates Assignments
  - session.go: rebuilds reading rows for an Assignment
  - submission.go: validates and commits readings
  - registry.go: meter lookup and find-or-create
*/
package metering

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type BuildingID string
type UnitID string
type ServiceID string
type StaffID string
type CycleID string
type AssignmentID string
type MeterID string
type ReadingID string

// =============================================================================
// DIRECTORY RECORDS - owned by the directory, read-only to the engine
// =============================================================================

type Building struct {
	ID     BuildingID
	Code   string
	Name   string
	Floors []int
}

// Unit is an apartment or shop inside a building.
// Occupied reflects whether a primary household currently lives there.
type Unit struct {
	ID         UnitID
	BuildingID BuildingID
	Code       string
	Floor      int
	Occupied   bool
}

type Service struct {
	ID            ServiceID
	Code          string
	Name          string
	RequiresMeter bool
	Active        bool
}

// Metered reports whether the service takes part in reading allocation.
func (s Service) Metered() bool {
	return s.Active && s.RequiresMeter
}

type Staff struct {
	ID     StaffID
	Name   string
	Active bool
}

// =============================================================================
// READING CYCLE
// =============================================================================

type CycleStatus string

const (
	CyclePlanned    CycleStatus = "planned"
	CycleInProgress CycleStatus = "in_progress"
	CycleClosed     CycleStatus = "closed"
)

// ReadingCycle is the billing window for one service.
type ReadingCycle struct {
	ID        CycleID
	ServiceID ServiceID
	Period    Period
	Status    CycleStatus
}

// =============================================================================
// ASSIGNMENT
// =============================================================================

// Assignment binds a staff member to a set of units for one cycle and service.
//
// UnitIDs is frozen at creation. When the caller asked for "the whole
// building", the list holds every available unit known at that moment; later
// occupancy changes never grow or shrink it.
type Assignment struct {
	ID          AssignmentID
	CycleID     CycleID
	ServiceID   ServiceID
	StaffID     StaffID
	BuildingID  BuildingID // empty for staff-level assignments
	UnitIDs     []UnitID
	StartDate   time.Time
	EndDate     time.Time
	CompletedAt *time.Time
	ReleasedAt  *time.Time
	Note        string
	CreatedAt   time.Time
}

// IsOpen returns true while readings may still be submitted.
func (a Assignment) IsOpen() bool {
	return a.CompletedAt == nil && a.ReleasedAt == nil
}

// Covers returns true if the unit is part of the assignment.
func (a Assignment) Covers(unitID UnitID) bool {
	for _, id := range a.UnitIDs {
		if id == unitID {
			return true
		}
	}
	return false
}

// CoverageKey identifies the allocation scope that must stay disjoint.
type CoverageKey struct {
	CycleID    CycleID
	ServiceID  ServiceID
	BuildingID BuildingID
}

func (k CoverageKey) String() string {
	return string(k.CycleID) + "/" + string(k.ServiceID) + "/" + string(k.BuildingID)
}

// AssignmentFilter narrows assignment listings. Zero fields match everything.
type AssignmentFilter struct {
	CycleID         CycleID
	ServiceID       ServiceID
	BuildingID      BuildingID
	StaffID         StaffID
	OpenOnly        bool
	IncludeReleased bool
}

// =============================================================================
// METER & READING
// =============================================================================

// Meter is the logical counter for one unit and one service.
// LastReading is nil until the first reading is committed.
type Meter struct {
	ID              MeterID
	UnitID          UnitID
	ServiceID       ServiceID
	Code            string
	Active          bool
	LastReading     *decimal.Decimal
	LastReadingDate *time.Time
	CreatedAt       time.Time
}

// LastIndex returns the last committed index, or zero for a new meter.
func (m Meter) LastIndex() decimal.Decimal {
	if m.LastReading == nil {
		return decimal.Zero
	}
	return *m.LastReading
}

// Reading is one committed observation. Readings are never updated: a
// correction appends a new Reading that becomes the latest for the meter.
type Reading struct {
	ID           ReadingID
	AssignmentID AssignmentID
	MeterID      MeterID
	UnitID       UnitID
	CycleID      CycleID
	ReadingDate  time.Time
	PrevIndex    decimal.Decimal
	CurrIndex    decimal.Decimal
	Note         string
	CreatedAt    time.Time
}

// Consumption returns the quantity used between the two indexes.
func (r Reading) Consumption() decimal.Decimal {
	return r.CurrIndex.Sub(r.PrevIndex)
}

// After orders readings chronologically: reading date first, then the moment
// the row was written.
func (r Reading) After(other Reading) bool {
	if !r.ReadingDate.Equal(other.ReadingDate) {
		return r.ReadingDate.After(other.ReadingDate)
	}
	return r.CreatedAt.After(other.CreatedAt)
}

// MeterCode builds the code for a lazily provisioned meter, e.g. "A-0304-WATER".
func MeterCode(unitCode, serviceCode string) string {
	return unitCode + "-" + serviceCode
}
