// Package store provides in-memory implementations of the metering
// boundaries. Used by tests and by quick local runs without a database.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/meter-reading/metering"
)

// =============================================================================
// MEMORY STORE - directory + persistence in one struct
// =============================================================================

type Memory struct {
	mu sync.RWMutex

	buildings map[metering.BuildingID]metering.Building
	units     map[metering.UnitID]metering.Unit
	services  map[metering.ServiceID]metering.Service
	staff     map[metering.StaffID]metering.Staff
	cycles    map[metering.CycleID]metering.ReadingCycle

	assignments map[metering.AssignmentID]metering.Assignment
	coverage    map[coverageKey]metering.AssignmentID
	meters      map[metering.MeterID]metering.Meter
	readings    []metering.Reading

	// FailInsertReading, when set, makes InsertReading fail for matching units.
	// Tests use it to simulate storage failures on single rows.
	FailInsertReading func(r metering.Reading) error
}

type coverageKey struct {
	CycleID   metering.CycleID
	ServiceID metering.ServiceID
	UnitID    metering.UnitID
}

var (
	_ metering.Store     = (*Memory)(nil)
	_ metering.Directory = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		buildings:   make(map[metering.BuildingID]metering.Building),
		units:       make(map[metering.UnitID]metering.Unit),
		services:    make(map[metering.ServiceID]metering.Service),
		staff:       make(map[metering.StaffID]metering.Staff),
		cycles:      make(map[metering.CycleID]metering.ReadingCycle),
		assignments: make(map[metering.AssignmentID]metering.Assignment),
		coverage:    make(map[coverageKey]metering.AssignmentID),
		meters:      make(map[metering.MeterID]metering.Meter),
	}
}

// =============================================================================
// DIRECTORY WRITES (seeding)
// =============================================================================

func (m *Memory) PutBuilding(b metering.Building) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buildings[b.ID] = b
}

func (m *Memory) PutUnit(u metering.Unit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.units[u.ID] = u
}

func (m *Memory) PutService(s metering.Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[s.ID] = s
}

func (m *Memory) PutStaff(s metering.Staff) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staff[s.ID] = s
}

func (m *Memory) PutCycle(c metering.ReadingCycle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycles[c.ID] = c
}

// PutMeter stores a meter as-is, bypassing the uniqueness guard.
func (m *Memory) PutMeter(meter metering.Meter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meters[meter.ID] = meter
}

// SetOccupied flips the household status of a unit.
func (m *Memory) SetOccupied(id metering.UnitID, occupied bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.units[id]
	u.Occupied = occupied
	m.units[id] = u
}

// =============================================================================
// DIRECTORY (metering.Directory)
// =============================================================================

func (m *Memory) GetBuilding(_ context.Context, id metering.BuildingID) (*metering.Building, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.buildings[id]
	if !ok {
		return nil, &metering.NotFoundError{Kind: "building", ID: string(id)}
	}
	return &b, nil
}

func (m *Memory) ListUnits(_ context.Context, buildingID metering.BuildingID) ([]metering.Unit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var units []metering.Unit
	for _, u := range m.units {
		if u.BuildingID == buildingID {
			units = append(units, u)
		}
	}
	sort.Slice(units, func(i, j int) bool { return units[i].ID < units[j].ID })
	return units, nil
}

func (m *Memory) GetUnit(_ context.Context, id metering.UnitID) (*metering.Unit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.units[id]
	if !ok {
		return nil, &metering.NotFoundError{Kind: "unit", ID: string(id)}
	}
	return &u, nil
}

func (m *Memory) GetHouseholdStatus(_ context.Context, id metering.UnitID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.units[id]
	if !ok {
		return false, &metering.NotFoundError{Kind: "unit", ID: string(id)}
	}
	return u.Occupied, nil
}

func (m *Memory) ListServices(_ context.Context) ([]metering.Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	services := make([]metering.Service, 0, len(m.services))
	for _, s := range m.services {
		services = append(services, s)
	}
	sort.Slice(services, func(i, j int) bool { return services[i].Code < services[j].Code })
	return services, nil
}

func (m *Memory) GetStaff(_ context.Context, id metering.StaffID) (*metering.Staff, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.staff[id]
	if !ok {
		return nil, &metering.NotFoundError{Kind: "staff", ID: string(id)}
	}
	return &s, nil
}

func (m *Memory) GetCycle(_ context.Context, id metering.CycleID) (*metering.ReadingCycle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cycles[id]
	if !ok {
		return nil, &metering.NotFoundError{Kind: "cycle", ID: string(id)}
	}
	return &c, nil
}

// =============================================================================
// ASSIGNMENTS
// =============================================================================

// CreateAssignment checks every coverage key before writing any (atomic).
func (m *Memory) CreateAssignment(_ context.Context, a metering.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range a.UnitIDs {
		if _, taken := m.coverage[coverageKey{a.CycleID, a.ServiceID, u}]; taken {
			return metering.ErrConflict
		}
	}
	for _, u := range a.UnitIDs {
		m.coverage[coverageKey{a.CycleID, a.ServiceID, u}] = a.ID
	}
	a.UnitIDs = append([]metering.UnitID(nil), a.UnitIDs...)
	m.assignments[a.ID] = a
	return nil
}

func (m *Memory) GetAssignment(_ context.Context, id metering.AssignmentID) (*metering.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assignments[id]
	if !ok {
		return nil, &metering.NotFoundError{Kind: "assignment", ID: string(id)}
	}
	a.UnitIDs = append([]metering.UnitID(nil), a.UnitIDs...)
	return &a, nil
}

func (m *Memory) ListAssignments(_ context.Context, f metering.AssignmentFilter) ([]metering.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []metering.Assignment
	for _, a := range m.assignments {
		switch {
		case f.CycleID != "" && a.CycleID != f.CycleID,
			f.ServiceID != "" && a.ServiceID != f.ServiceID,
			f.BuildingID != "" && a.BuildingID != f.BuildingID,
			f.StaffID != "" && a.StaffID != f.StaffID,
			f.OpenOnly && !a.IsOpen(),
			!f.IncludeReleased && a.ReleasedAt != nil:
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CoveredUnits(_ context.Context, cycleID metering.CycleID, serviceID metering.ServiceID) ([]metering.UnitID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []metering.UnitID
	for k := range m.coverage {
		if k.CycleID == cycleID && k.ServiceID == serviceID {
			ids = append(ids, k.UnitID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *Memory) CompleteAssignment(_ context.Context, id metering.AssignmentID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[id]
	if !ok {
		return &metering.NotFoundError{Kind: "assignment", ID: string(id)}
	}
	if a.CompletedAt == nil {
		a.CompletedAt = &at
		m.assignments[id] = a
	}
	return nil
}

func (m *Memory) ReleaseAssignment(_ context.Context, id metering.AssignmentID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[id]
	if !ok {
		return &metering.NotFoundError{Kind: "assignment", ID: string(id)}
	}
	for _, r := range m.readings {
		if r.AssignmentID == id {
			return metering.ErrConflict
		}
	}
	for _, u := range a.UnitIDs {
		k := coverageKey{a.CycleID, a.ServiceID, u}
		if m.coverage[k] == id {
			delete(m.coverage, k)
		}
	}
	a.ReleasedAt = &at
	m.assignments[id] = a
	return nil
}

// =============================================================================
// METERS
// =============================================================================

func (m *Memory) GetMeter(_ context.Context, id metering.MeterID) (*metering.Meter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getMeterLocked(id)
}

func (m *Memory) getMeterLocked(id metering.MeterID) (*metering.Meter, error) {
	meter, ok := m.meters[id]
	if !ok {
		return nil, &metering.NotFoundError{Kind: "meter", ID: string(id)}
	}
	return &meter, nil
}

func (m *Memory) FindMeter(_ context.Context, unitID metering.UnitID, serviceID metering.ServiceID) (*metering.Meter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findMeterLocked(unitID, serviceID), nil
}

func (m *Memory) findMeterLocked(unitID metering.UnitID, serviceID metering.ServiceID) *metering.Meter {
	for _, meter := range m.meters {
		if meter.Active && meter.UnitID == unitID && meter.ServiceID == serviceID {
			found := meter
			return &found
		}
	}
	return nil
}

func (m *Memory) ListMeters(_ context.Context, serviceID metering.ServiceID, unitIDs []metering.UnitID) ([]metering.Meter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[metering.UnitID]bool, len(unitIDs))
	for _, id := range unitIDs {
		want[id] = true
	}
	var out []metering.Meter
	for _, meter := range m.meters {
		if meter.ServiceID == serviceID && want[meter.UnitID] {
			out = append(out, meter)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// FindOrCreateMeter is atomic under the write lock.
func (m *Memory) FindOrCreateMeter(_ context.Context, meter metering.Meter) (metering.Meter, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.findMeterLocked(meter.UnitID, meter.ServiceID); existing != nil {
		return *existing, false, nil
	}
	meter.Active = true
	m.meters[meter.ID] = meter
	return meter, true, nil
}

// CountActiveMeters returns how many active meters exist for the pair.
func (m *Memory) CountActiveMeters(unitID metering.UnitID, serviceID metering.ServiceID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, meter := range m.meters {
		if meter.Active && meter.UnitID == unitID && meter.ServiceID == serviceID {
			n++
		}
	}
	return n
}

// =============================================================================
// READINGS
// =============================================================================

func (m *Memory) ListReadingsByAssignment(_ context.Context, id metering.AssignmentID) ([]metering.Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []metering.Reading
	for _, r := range m.readings {
		if r.AssignmentID == id {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) ListReadingsByMeter(_ context.Context, id metering.MeterID) ([]metering.Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.readingsByMeterLocked(id), nil
}

func (m *Memory) readingsByMeterLocked(id metering.MeterID) []metering.Reading {
	var out []metering.Reading
	for _, r := range m.readings {
		if r.MeterID == id {
			out = append(out, r)
		}
	}
	return out
}

// ReadingCount returns the number of stored readings.
func (m *Memory) ReadingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.readings)
}

// WithReadingTx holds the write lock for the whole of fn and restores the
// previous state if fn fails.
func (m *Memory) WithReadingTx(ctx context.Context, fn func(tx metering.ReadingTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{m: m, meters: make(map[metering.MeterID]metering.Meter)}
	if err := fn(tx); err != nil {
		return err
	}
	m.readings = append(m.readings, tx.readings...)
	for id, meter := range tx.meters {
		m.meters[id] = meter
	}
	return nil
}

// memoryTx buffers writes until WithReadingTx commits them.
type memoryTx struct {
	m        *Memory
	readings []metering.Reading
	meters   map[metering.MeterID]metering.Meter
}

func (tx *memoryTx) GetAssignment(_ context.Context, id metering.AssignmentID) (*metering.Assignment, error) {
	a, ok := tx.m.assignments[id]
	if !ok {
		return nil, &metering.NotFoundError{Kind: "assignment", ID: string(id)}
	}
	a.UnitIDs = append([]metering.UnitID(nil), a.UnitIDs...)
	return &a, nil
}

func (tx *memoryTx) GetMeter(_ context.Context, id metering.MeterID) (*metering.Meter, error) {
	if meter, ok := tx.meters[id]; ok {
		return &meter, nil
	}
	return tx.m.getMeterLocked(id)
}

func (tx *memoryTx) LatestReading(_ context.Context, id metering.MeterID) (*metering.Reading, error) {
	all := append(tx.m.readingsByMeterLocked(id), tx.readings...)
	var mine []metering.Reading
	for _, r := range all {
		if r.MeterID == id {
			mine = append(mine, r)
		}
	}
	return metering.LatestOf(mine), nil
}

func (tx *memoryTx) InsertReading(_ context.Context, r metering.Reading) error {
	if tx.m.FailInsertReading != nil {
		if err := tx.m.FailInsertReading(r); err != nil {
			return err
		}
	}
	tx.readings = append(tx.readings, r)
	return nil
}

func (tx *memoryTx) AdvanceMeter(ctx context.Context, id metering.MeterID, value decimal.Decimal, date time.Time) (bool, error) {
	meter, err := tx.GetMeter(ctx, id)
	if err != nil {
		return false, err
	}
	if meter.LastReadingDate != nil && meter.LastReadingDate.After(date) {
		return false, nil
	}
	v, d := value, date
	meter.LastReading, meter.LastReadingDate = &v, &d
	tx.meters[id] = *meter
	return true, nil
}
