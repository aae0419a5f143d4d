/*
session.go - Rebuilding the reading sheet of an assignment

PURPOSE:
  A reader opens an assignment and sees one row per unit: the index to beat,
  the value already submitted (if any) and whether the unit has a meter yet.
  The loader also returns a Snapshot of those values. Submission diffs the
  edited rows against it so untouched rows are never written again.

ROW STATES:
  meter + reading  → PrevIndex/CurrIndex of this assignment's latest reading
  meter, no reading → PrevIndex = meter's last index, CurrIndex empty
  no meter          → no PrevIndex shown (0 for validation), CurrIndex empty

SEE ALSO:
  - submission.go: Plan consumes Session and Snapshot
  - registry.go: EffectivePrev
*/
package metering

import (
	"context"

	"github.com/shopspring/decimal"
)

// Row is one unit on the reading sheet.
type Row struct {
	UnitID    UnitID
	UnitCode  string
	Floor     int
	MeterID   MeterID
	MeterCode string
	HasMeter  bool

	// PrevIndex is the effective previous index. HasPrev is false when there
	// is nothing to show yet; PrevIndex is then zero.
	PrevIndex decimal.Decimal
	HasPrev   bool

	CurrIndex *decimal.Decimal
	ReadingID ReadingID
	Note      string
}

// =============================================================================
// SNAPSHOT - value object handed back on submit
// =============================================================================

type SnapshotRow struct {
	MeterID   MeterID
	CurrIndex *decimal.Decimal
}

// Snapshot freezes the values a session was loaded with.
type Snapshot struct {
	AssignmentID AssignmentID
	rows         map[UnitID]SnapshotRow
}

// NewSnapshot copies rows into a snapshot.
func NewSnapshot(assignmentID AssignmentID, rows map[UnitID]SnapshotRow) Snapshot {
	cp := make(map[UnitID]SnapshotRow, len(rows))
	for k, v := range rows {
		cp[k] = v
	}
	return Snapshot{AssignmentID: assignmentID, rows: cp}
}

func (s Snapshot) Row(unitID UnitID) (SnapshotRow, bool) {
	r, ok := s.rows[unitID]
	return r, ok
}

func (s Snapshot) Len() int { return len(s.rows) }

// Changed reports whether value differs from what the unit was loaded with.
func (s Snapshot) Changed(unitID UnitID, value *decimal.Decimal) bool {
	before := s.rows[unitID].CurrIndex
	switch {
	case before == nil && value == nil:
		return false
	case before == nil || value == nil:
		return true
	default:
		return !before.Equal(*value)
	}
}

// =============================================================================
// SESSION
// =============================================================================

type Session struct {
	Assignment Assignment
	Service    Service
	Rows       []Row
	Snapshot   Snapshot

	// Meters is the pool of active meters found at load time, by unit.
	Meters map[UnitID]Meter
}

// RowFor returns the row of a unit.
func (s *Session) RowFor(unitID UnitID) (*Row, bool) {
	for i := range s.Rows {
		if s.Rows[i].UnitID == unitID {
			return &s.Rows[i], true
		}
	}
	return nil, false
}

// RowForMeter returns the row whose meter has the given id.
func (s *Session) RowForMeter(meterID MeterID) (*Row, bool) {
	for i := range s.Rows {
		if s.Rows[i].HasMeter && s.Rows[i].MeterID == meterID {
			return &s.Rows[i], true
		}
	}
	return nil, false
}

type SessionLoader struct {
	dir      Directory
	store    Store
	registry *Registry
}

func NewSessionLoader(dir Directory, store Store) *SessionLoader {
	return &SessionLoader{dir: dir, store: store, registry: NewRegistry(store)}
}

// Load rebuilds the reading sheet of an assignment.
func (l *SessionLoader) Load(ctx context.Context, id AssignmentID) (*Session, error) {
	a, err := l.store.GetAssignment(ctx, id)
	if err != nil {
		return nil, classify("get assignment", err)
	}

	service, err := findService(ctx, l.dir, a.ServiceID)
	if err != nil {
		return nil, err
	}

	units, err := l.units(ctx, *a)
	if err != nil {
		return nil, err
	}

	pool, err := l.registry.ListForUnits(ctx, a.ServiceID, a.UnitIDs)
	if err != nil {
		return nil, err
	}

	own, err := l.store.ListReadingsByAssignment(ctx, a.ID)
	if err != nil {
		return nil, classify("list readings", err)
	}
	ownByMeter := make(map[MeterID][]Reading)
	for _, r := range own {
		ownByMeter[r.MeterID] = append(ownByMeter[r.MeterID], r)
	}

	session := &Session{Assignment: *a, Service: service, Meters: pool}
	snap := make(map[UnitID]SnapshotRow, len(units))

	for _, u := range units {
		row := Row{UnitID: u.ID, UnitCode: u.Code, Floor: u.Floor}

		if m, ok := pool[u.ID]; ok {
			all, err := l.store.ListReadingsByMeter(ctx, m.ID)
			if err != nil {
				return nil, classify("list meter readings", err)
			}
			latest := LatestOf(all)

			row.MeterID, row.MeterCode, row.HasMeter = m.ID, m.Code, true
			row.PrevIndex = EffectivePrev(latest, &m, a.ID)
			row.HasPrev = latest != nil || m.LastReading != nil

			if mine := LatestOf(ownByMeter[m.ID]); mine != nil {
				curr := mine.CurrIndex
				row.CurrIndex = &curr
				row.ReadingID = mine.ID
				row.Note = mine.Note
			}
		}

		session.Rows = append(session.Rows, row)
		snap[u.ID] = SnapshotRow{MeterID: row.MeterID, CurrIndex: row.CurrIndex}
	}

	session.Snapshot = NewSnapshot(a.ID, snap)
	return session, nil
}

// units returns the assignment's units in walking order. Units that vanished
// from the directory still get a row so the assignment stays readable.
func (l *SessionLoader) units(ctx context.Context, a Assignment) ([]Unit, error) {
	known := make(map[UnitID]Unit)
	if a.BuildingID != "" {
		list, err := l.dir.ListUnits(ctx, a.BuildingID)
		if err != nil {
			return nil, classify("list units", err)
		}
		for _, u := range list {
			known[u.ID] = u
		}
	}

	units := make([]Unit, 0, len(a.UnitIDs))
	for _, id := range a.UnitIDs {
		if u, ok := known[id]; ok {
			units = append(units, u)
			continue
		}
		u, err := l.dir.GetUnit(ctx, id)
		if IsNotFound(err) {
			units = append(units, Unit{ID: id, Code: string(id), BuildingID: a.BuildingID})
			continue
		}
		if err != nil {
			return nil, classify("get unit", err)
		}
		units = append(units, *u)
	}
	sortUnits(units)
	return units, nil
}

func findService(ctx context.Context, dir Directory, id ServiceID) (Service, error) {
	services, err := dir.ListServices(ctx)
	if err != nil {
		return Service{}, classify("list services", err)
	}
	for _, s := range services {
		if s.ID == id {
			return s, nil
		}
	}
	return Service{}, &NotFoundError{Kind: "service", ID: string(id)}
}
