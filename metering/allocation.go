/*
allocation.go - Assigning units of a building to field staff

PURPOSE:
  Splits the occupied units of a building across reading assignments for
  one cycle and one service, so every unit is read exactly once.

ELIGIBILITY:
  A unit is eligible when its household is occupied. Meter existence does
  not matter: meters are provisioned on first submission.

CONFLICT EXCLUSION:
  Units held by any non-released assignment for the same cycle and service
  are removed before selection. "The whole building" is expanded to a
  concrete unit list at creation and frozen on the Assignment.

CONCURRENCY:
  Two allocations for the same (cycle, service, building) take a keyed lock
  around read-then-write. The store's coverage unique index is the real
  guard: anything that slips past the lock (another process, a staff-level
  assignment touching the same unit) comes back as a ConflictError.

EXAMPLE:
  alloc := metering.NewAllocator(directory, store)
  a, err := alloc.Allocate(ctx, metering.AllocationRequest{
      CycleID: "2025-03-water", ServiceID: "water", StaffID: "st-7",
      BuildingID: "tower-a",
  })
  if metering.HasCode(err, metering.CodeEmptySelection) {
      // every occupied unit is already assigned
  }

SEE ALSO:
  - store.go: CoveredUnits / CreateAssignment contract
  - progress.go: completion counts used by Complete
*/
package metering

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// REQUEST / AVAILABILITY
// =============================================================================

// AllocationRequest describes a new assignment. UnitIDs is optional: empty
// means every available unit of the building.
type AllocationRequest struct {
	CycleID    CycleID
	ServiceID  ServiceID
	StaffID    StaffID
	BuildingID BuildingID
	UnitIDs    []UnitID
	StartDate  *time.Time
	EndDate    *time.Time
	Note       string
}

// Availability is what a planner sees before selecting units.
type Availability struct {
	Key       CoverageKey
	Eligible  []Unit
	Covered   []UnitID
	Available []Unit
	Floors    []FloorGroup
}

type FloorGroup struct {
	Floor int
	Units []Unit
}

// =============================================================================
// ALLOCATOR
// =============================================================================

type Allocator struct {
	dir   Directory
	store Store
	locks keyedMutex
	now   func() time.Time
}

func NewAllocator(dir Directory, store Store) *Allocator {
	return &Allocator{dir: dir, store: store, now: time.Now}
}

// Allocate validates the request and persists a new Assignment.
// Any error aborts the allocation; nothing is written.
func (al *Allocator) Allocate(ctx context.Context, req AllocationRequest) (*Assignment, error) {
	if err := requireFields(req); err != nil {
		return nil, err
	}

	cycle, err := al.store.GetCycle(ctx, req.CycleID)
	if err != nil {
		return nil, classify("get cycle", err)
	}
	if cycle.ServiceID != req.ServiceID {
		return nil, invalid(CodeCycleServiceMismatch, "service_id",
			"cycle %s belongs to service %s", cycle.ID, cycle.ServiceID)
	}
	if cycle.Status == CycleClosed {
		return nil, invalid(CodeCycleClosed, "cycle_id", "cycle %s is closed", cycle.ID)
	}

	if err := al.checkService(ctx, req.ServiceID); err != nil {
		return nil, err
	}
	if _, err := al.dir.GetStaff(ctx, req.StaffID); err != nil {
		return nil, classify("get staff", err)
	}

	start, end, err := allocationDates(cycle.Period, req.StartDate, req.EndDate)
	if err != nil {
		return nil, err
	}

	key := CoverageKey{CycleID: req.CycleID, ServiceID: req.ServiceID, BuildingID: req.BuildingID}
	unlock := al.locks.Lock(key.String())
	defer unlock()

	var units []Unit
	if req.BuildingID != "" {
		avail, err := al.available(ctx, key)
		if err != nil {
			return nil, err
		}
		units, err = selectUnits(avail, req.UnitIDs)
		if err != nil {
			return nil, err
		}
	} else {
		units, err = al.resolveLooseUnits(ctx, key, req.UnitIDs)
		if err != nil {
			return nil, err
		}
	}

	sortUnits(units)
	unitIDs := make([]UnitID, len(units))
	for i, u := range units {
		unitIDs[i] = u.ID
	}

	a := Assignment{
		ID:         AssignmentID(uuid.NewString()),
		CycleID:    req.CycleID,
		ServiceID:  req.ServiceID,
		StaffID:    req.StaffID,
		BuildingID: req.BuildingID,
		UnitIDs:    unitIDs,
		StartDate:  start,
		EndDate:    end,
		Note:       req.Note,
		CreatedAt:  al.now().UTC(),
	}

	if err := al.store.CreateAssignment(ctx, a); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, &ConflictError{Resource: "assignment", Key: key.String(), Err: err}
		}
		return nil, classify("create assignment", err)
	}
	return &a, nil
}

// Available returns the building's eligible units minus those already
// assigned for the cycle and service, grouped by floor.
func (al *Allocator) Available(ctx context.Context, cycleID CycleID, serviceID ServiceID, buildingID BuildingID) (*Availability, error) {
	if buildingID == "" {
		return nil, invalid(CodeMissingField, "building_id", "building_id is required")
	}
	return al.available(ctx, CoverageKey{CycleID: cycleID, ServiceID: serviceID, BuildingID: buildingID})
}

func (al *Allocator) available(ctx context.Context, key CoverageKey) (*Availability, error) {
	if _, err := al.dir.GetBuilding(ctx, key.BuildingID); err != nil {
		return nil, classify("get building", err)
	}
	units, err := al.dir.ListUnits(ctx, key.BuildingID)
	if err != nil {
		return nil, classify("list units", err)
	}

	var eligible []Unit
	for _, u := range units {
		occupied, err := al.dir.GetHouseholdStatus(ctx, u.ID)
		if err != nil {
			return nil, classify("household status", err)
		}
		if occupied {
			eligible = append(eligible, u)
		}
	}
	sortUnits(eligible)

	covered, err := al.store.CoveredUnits(ctx, key.CycleID, key.ServiceID)
	if err != nil {
		return nil, classify("covered units", err)
	}
	coveredSet := unitSet(covered)

	avail := &Availability{Key: key, Eligible: eligible}
	for _, u := range eligible {
		if coveredSet[u.ID] {
			avail.Covered = append(avail.Covered, u.ID)
			continue
		}
		avail.Available = append(avail.Available, u)
	}
	avail.Floors = groupByFloor(avail.Available)
	return avail, nil
}

// resolveLooseUnits handles staff-level assignments without a building:
// each requested unit is checked on its own.
func (al *Allocator) resolveLooseUnits(ctx context.Context, key CoverageKey, requested []UnitID) ([]Unit, error) {
	if len(requested) == 0 {
		return nil, nil
	}
	covered, err := al.store.CoveredUnits(ctx, key.CycleID, key.ServiceID)
	if err != nil {
		return nil, classify("covered units", err)
	}
	coveredSet := unitSet(covered)

	var units []Unit
	var taken, ineligible []UnitID
	for _, id := range dedupeUnits(requested) {
		u, err := al.dir.GetUnit(ctx, id)
		if IsNotFound(err) {
			ineligible = append(ineligible, id)
			continue
		}
		if err != nil {
			return nil, classify("get unit", err)
		}
		occupied, err := al.dir.GetHouseholdStatus(ctx, id)
		if err != nil {
			return nil, classify("household status", err)
		}
		switch {
		case !occupied:
			ineligible = append(ineligible, id)
		case coveredSet[id]:
			taken = append(taken, id)
		default:
			units = append(units, *u)
		}
	}
	if err := selectionError(taken, ineligible); err != nil {
		return nil, err
	}
	return units, nil
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Complete marks the assignment as done. Completing twice is a no-op.
func (al *Allocator) Complete(ctx context.Context, id AssignmentID) (*Assignment, error) {
	a, err := al.store.GetAssignment(ctx, id)
	if err != nil {
		return nil, classify("get assignment", err)
	}
	if a.CompletedAt != nil {
		return a, nil
	}
	if a.ReleasedAt != nil {
		return nil, invalid(CodeAssignmentCompleted, "assignment_id", "assignment %s was released", id)
	}
	at := al.now().UTC()
	if err := al.store.CompleteAssignment(ctx, id, at); err != nil {
		return nil, classify("complete assignment", err)
	}
	a.CompletedAt = &at
	return a, nil
}

// Release gives the assignment's units back to the pool. Only assignments
// without any committed reading can be released.
func (al *Allocator) Release(ctx context.Context, id AssignmentID) (*Assignment, error) {
	a, err := al.store.GetAssignment(ctx, id)
	if err != nil {
		return nil, classify("get assignment", err)
	}
	if a.ReleasedAt != nil {
		return a, nil
	}
	if a.CompletedAt != nil {
		return nil, invalid(CodeAssignmentCompleted, "assignment_id", "assignment %s is completed", id)
	}
	readings, err := al.store.ListReadingsByAssignment(ctx, id)
	if err != nil {
		return nil, classify("list readings", err)
	}
	if len(readings) > 0 {
		return nil, invalid(CodeAssignmentHasReading, "assignment_id",
			"assignment %s has %d committed readings", id, len(readings))
	}

	unlock := al.locks.Lock(CoverageKey{CycleID: a.CycleID, ServiceID: a.ServiceID, BuildingID: a.BuildingID}.String())
	defer unlock()

	at := al.now().UTC()
	err = al.store.ReleaseAssignment(ctx, id, at)
	if errors.Is(err, ErrConflict) {
		// A reading landed after the count above.
		return nil, invalid(CodeAssignmentHasReading, "assignment_id",
			"assignment %s has committed readings", id)
	}
	if err != nil {
		return nil, classify("release assignment", err)
	}
	a.ReleasedAt = &at
	return a, nil
}

// =============================================================================
// VALIDATION HELPERS
// =============================================================================

func requireFields(req AllocationRequest) error {
	var missing []string
	if req.CycleID == "" {
		missing = append(missing, "cycle_id")
	}
	if req.ServiceID == "" {
		missing = append(missing, "service_id")
	}
	if req.StaffID == "" {
		missing = append(missing, "staff_id")
	}
	if len(missing) == 0 {
		return nil
	}
	return &ValidationError{
		Code:    CodeMissingField,
		Field:   strings.Join(missing, ","),
		Message: "required field missing",
	}
}

func (al *Allocator) checkService(ctx context.Context, id ServiceID) error {
	s, err := findService(ctx, al.dir, id)
	if err != nil {
		return err
	}
	if !s.Metered() {
		return invalid(CodeServiceNotMetered, "service_id", "service %s is inactive or not metered", s.Code)
	}
	return nil
}

// allocationDates defaults missing dates to the cycle period.
func allocationDates(period Period, from, to *time.Time) (time.Time, time.Time, error) {
	start, end := period.From, period.To
	if from != nil {
		if !period.Contains(*from) {
			return time.Time{}, time.Time{}, invalid(CodeDateOutOfCycle, "start_date",
				"%s is outside cycle %s", Day(*from).Format(DateLayout), period)
		}
		start = Day(*from)
	}
	if to != nil {
		end = Day(*to)
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, invalid(CodeInvalidDateRange, "end_date",
			"end %s is before start %s", end.Format(DateLayout), start.Format(DateLayout))
	}
	return start, end, nil
}

// selectUnits applies an optional explicit selection to the available set.
func selectUnits(avail *Availability, requested []UnitID) ([]Unit, error) {
	if len(requested) == 0 {
		if len(avail.Available) == 0 {
			return nil, invalid(CodeEmptySelection, "unit_ids",
				"no unassigned occupied units left in building %s", avail.Key.BuildingID)
		}
		return append([]Unit(nil), avail.Available...), nil
	}

	byID := make(map[UnitID]Unit, len(avail.Available))
	for _, u := range avail.Available {
		byID[u.ID] = u
	}
	coveredSet := unitSet(avail.Covered)

	var units []Unit
	var taken, ineligible []UnitID
	for _, id := range dedupeUnits(requested) {
		if u, ok := byID[id]; ok {
			units = append(units, u)
			continue
		}
		if coveredSet[id] {
			taken = append(taken, id)
		} else {
			ineligible = append(ineligible, id)
		}
	}
	if err := selectionError(taken, ineligible); err != nil {
		return nil, err
	}
	return units, nil
}

func selectionError(taken, ineligible []UnitID) error {
	if len(taken) > 0 {
		return &ValidationError{
			Code:    CodeUnitAlreadyAssigned,
			Field:   "unit_ids",
			Units:   taken,
			Message: "units already assigned for this cycle and service",
		}
	}
	if len(ineligible) > 0 {
		return &ValidationError{
			Code:    CodeUnitNotEligible,
			Field:   "unit_ids",
			Units:   ineligible,
			Message: "units are unknown, outside the building, or unoccupied",
		}
	}
	return nil
}

// =============================================================================
// UNIT SET HELPERS
// =============================================================================

func unitSet(ids []UnitID) map[UnitID]bool {
	set := make(map[UnitID]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func dedupeUnits(ids []UnitID) []UnitID {
	seen := make(map[UnitID]bool, len(ids))
	out := make([]UnitID, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// sortUnits orders units the way a reader walks a building: floor, then code.
func sortUnits(units []Unit) {
	sort.SliceStable(units, func(i, j int) bool {
		if units[i].Floor != units[j].Floor {
			return units[i].Floor < units[j].Floor
		}
		return units[i].Code < units[j].Code
	})
}

func groupByFloor(units []Unit) []FloorGroup {
	var groups []FloorGroup
	for _, u := range units {
		if n := len(groups); n > 0 && groups[n-1].Floor == u.Floor {
			groups[n-1].Units = append(groups[n-1].Units, u)
			continue
		}
		groups = append(groups, FloorGroup{Floor: u.Floor, Units: []Unit{u}})
	}
	return groups
}

// =============================================================================
// KEYED MUTEX
// =============================================================================

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

// Lock blocks until key is free and returns the matching unlock.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
