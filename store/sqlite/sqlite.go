/*
Package sqlite provides a SQLite-backed implementation of the metering boundaries.

PURPOSE:
  Implements metering.Store and metering.Directory on one database. In
  production the directory usually lives elsewhere; keeping it here lets a
  single binary run the whole reading workflow.

INTERFACES IMPLEMENTED:
  metering.Directory:       buildings, units, households, services, staff
  metering.CycleStore:      reading cycles
  metering.AssignmentStore: assignments and their materialized coverage
  metering.MeterStore:      meters, atomic find-or-create
  metering.ReadingStore:    append-only readings

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on the readings table (Reset aside)
  - Corrections are new rows; the latest by (reading_date, created_at) wins

KEY TABLES:
  assignments:      who reads what, for which cycle and service
  assignment_units: materialized coverage, one row per unit
  meters:           one active meter per unit and service
  readings:         immutable ledger of committed indexes

INDEXES:
  Invariant guards (the database refuses what the engine must never do):
  - idx_assignment_units_coverage:  one open assignment per cycle/service/unit
  - idx_meters_active_unit_service: one active meter per unit/service
  Hot paths:
  - idx_readings_meter_date:   latest reading of a meter
  - idx_readings_assignment:   session and progress

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection, which SQLite
  needs for ":memory:" databases anyway.

USAGE:
  store, err := sqlite.New("./data/meter.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  allocator := metering.NewAllocator(store, store)

SEE ALSO:
  - metering/store.go: interface definitions
  - metering/store/memory.go: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/meter-reading/metering"
)

// timestampLayout is fixed-width so created_at sorts lexically.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ metering.Store     = (*Store)(nil)
	_ metering.Directory = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Directory
	CREATE TABLE IF NOT EXISTS buildings (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		floors_json TEXT NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS units (
		id TEXT PRIMARY KEY,
		building_id TEXT NOT NULL REFERENCES buildings(id),
		code TEXT NOT NULL,
		floor INTEGER NOT NULL,
		occupied INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_units_building
		ON units(building_id, floor, code);

	CREATE TABLE IF NOT EXISTS services (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		requires_meter INTEGER NOT NULL DEFAULT 1,
		active INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS staff (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1
	);

	-- Reading cycles
	CREATE TABLE IF NOT EXISTS cycles (
		id TEXT PRIMARY KEY,
		service_id TEXT NOT NULL REFERENCES services(id),
		period_from TEXT NOT NULL,
		period_to TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'planned'
	);

	-- Assignments
	CREATE TABLE IF NOT EXISTS assignments (
		id TEXT PRIMARY KEY,
		cycle_id TEXT NOT NULL REFERENCES cycles(id),
		service_id TEXT NOT NULL,
		staff_id TEXT NOT NULL,
		building_id TEXT,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		completed_at TEXT,
		released_at TEXT,
		note TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_assignments_cycle_service
		ON assignments(cycle_id, service_id);
	CREATE INDEX IF NOT EXISTS idx_assignments_staff
		ON assignments(staff_id);

	-- Materialized coverage: the unit list is frozen at creation
	CREATE TABLE IF NOT EXISTS assignment_units (
		assignment_id TEXT NOT NULL REFERENCES assignments(id),
		cycle_id TEXT NOT NULL,
		service_id TEXT NOT NULL,
		unit_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		released INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (assignment_id, unit_id)
	);

	-- CRITICAL: a unit is read by at most one open assignment per cycle and service
	CREATE UNIQUE INDEX IF NOT EXISTS idx_assignment_units_coverage
		ON assignment_units(cycle_id, service_id, unit_id)
		WHERE released = 0;

	-- Meters
	CREATE TABLE IF NOT EXISTS meters (
		id TEXT PRIMARY KEY,
		unit_id TEXT NOT NULL,
		service_id TEXT NOT NULL,
		code TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		last_reading TEXT,
		last_reading_date TEXT,
		created_at TEXT NOT NULL
	);

	-- CRITICAL: concurrent first readings must not create two meters
	CREATE UNIQUE INDEX IF NOT EXISTS idx_meters_active_unit_service
		ON meters(unit_id, service_id)
		WHERE active = 1;

	-- Readings (append-only)
	CREATE TABLE IF NOT EXISTS readings (
		id TEXT PRIMARY KEY,
		assignment_id TEXT NOT NULL REFERENCES assignments(id),
		meter_id TEXT NOT NULL REFERENCES meters(id),
		unit_id TEXT NOT NULL,
		cycle_id TEXT NOT NULL,
		reading_date TEXT NOT NULL,
		prev_index TEXT NOT NULL,
		curr_index TEXT NOT NULL,
		note TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_readings_meter_date
		ON readings(meter_id, reading_date DESC, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_readings_assignment
		ON readings(assignment_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// DIRECTORY WRITES (seeding, demo scenarios)
// =============================================================================

// SaveBuilding inserts or updates a building.
func (s *Store) SaveBuilding(ctx context.Context, b metering.Building) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	floors, err := json.Marshal(b.Floors)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO buildings (id, code, name, floors_json) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			name = excluded.name,
			floors_json = excluded.floors_json
	`, b.ID, b.Code, b.Name, string(floors))
	return err
}

// SaveUnit inserts or updates a unit.
func (s *Store) SaveUnit(ctx context.Context, u metering.Unit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO units (id, building_id, code, floor, occupied) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			building_id = excluded.building_id,
			code = excluded.code,
			floor = excluded.floor,
			occupied = excluded.occupied
	`, u.ID, u.BuildingID, u.Code, u.Floor, u.Occupied)
	return err
}

// SetOccupied flips the household status of a unit.
func (s *Store) SetOccupied(ctx context.Context, id metering.UnitID, occupied bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "UPDATE units SET occupied = ? WHERE id = ?", occupied, id)
	if err != nil {
		return err
	}
	return requireRow(res, "unit", string(id))
}

// SaveService inserts or updates a service.
func (s *Store) SaveService(ctx context.Context, svc metering.Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO services (id, code, name, requires_meter, active) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			name = excluded.name,
			requires_meter = excluded.requires_meter,
			active = excluded.active
	`, svc.ID, svc.Code, svc.Name, svc.RequiresMeter, svc.Active)
	return err
}

// SaveStaff inserts or updates a staff member.
func (s *Store) SaveStaff(ctx context.Context, st metering.Staff) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO staff (id, name, active) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, active = excluded.active
	`, st.ID, st.Name, st.Active)
	return err
}

// SaveCycle inserts or updates a reading cycle.
func (s *Store) SaveCycle(ctx context.Context, c metering.ReadingCycle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cycles (id, service_id, period_from, period_to, status) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			service_id = excluded.service_id,
			period_from = excluded.period_from,
			period_to = excluded.period_to,
			status = excluded.status
	`, c.ID, c.ServiceID, formatDay(c.Period.From), formatDay(c.Period.To), string(c.Status))
	return err
}

// SaveMeter stores a meter as-is. Used to seed meters that predate the system.
func (s *Store) SaveMeter(ctx context.Context, m metering.Meter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	err := insertMeter(ctx, s.db, m)
	if isUniqueConstraintError(err) {
		return metering.ErrConflict
	}
	return err
}

// =============================================================================
// DIRECTORY (metering.Directory)
// =============================================================================

func (s *Store) GetBuilding(ctx context.Context, id metering.BuildingID) (*metering.Building, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var b metering.Building
	var floors string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, code, name, floors_json FROM buildings WHERE id = ?", id,
	).Scan(&b.ID, &b.Code, &b.Name, &floors)
	if err == sql.ErrNoRows {
		return nil, &metering.NotFoundError{Kind: "building", ID: string(id)}
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(floors), &b.Floors); err != nil {
		return nil, fmt.Errorf("building %s floors: %w", id, err)
	}
	return &b, nil
}

// ListBuildings returns every building ordered by code.
func (s *Store) ListBuildings(ctx context.Context) ([]metering.Building, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id, code, name, floors_json FROM buildings ORDER BY code")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var buildings []metering.Building
	for rows.Next() {
		var b metering.Building
		var floors string
		if err := rows.Scan(&b.ID, &b.Code, &b.Name, &floors); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(floors), &b.Floors); err != nil {
			return nil, fmt.Errorf("building %s floors: %w", b.ID, err)
		}
		buildings = append(buildings, b)
	}
	return buildings, rows.Err()
}

func (s *Store) ListUnits(ctx context.Context, buildingID metering.BuildingID) ([]metering.Unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, building_id, code, floor, occupied FROM units
		WHERE building_id = ?
		ORDER BY floor, code
	`, buildingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var units []metering.Unit
	for rows.Next() {
		var u metering.Unit
		if err := rows.Scan(&u.ID, &u.BuildingID, &u.Code, &u.Floor, &u.Occupied); err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

func (s *Store) GetUnit(ctx context.Context, id metering.UnitID) (*metering.Unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var u metering.Unit
	err := s.db.QueryRowContext(ctx,
		"SELECT id, building_id, code, floor, occupied FROM units WHERE id = ?", id,
	).Scan(&u.ID, &u.BuildingID, &u.Code, &u.Floor, &u.Occupied)
	if err == sql.ErrNoRows {
		return nil, &metering.NotFoundError{Kind: "unit", ID: string(id)}
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) GetHouseholdStatus(ctx context.Context, id metering.UnitID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var occupied bool
	err := s.db.QueryRowContext(ctx, "SELECT occupied FROM units WHERE id = ?", id).Scan(&occupied)
	if err == sql.ErrNoRows {
		return false, &metering.NotFoundError{Kind: "unit", ID: string(id)}
	}
	return occupied, err
}

func (s *Store) ListServices(ctx context.Context) ([]metering.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, code, name, requires_meter, active FROM services ORDER BY code")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var services []metering.Service
	for rows.Next() {
		var svc metering.Service
		if err := rows.Scan(&svc.ID, &svc.Code, &svc.Name, &svc.RequiresMeter, &svc.Active); err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	return services, rows.Err()
}

func (s *Store) GetStaff(ctx context.Context, id metering.StaffID) (*metering.Staff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st metering.Staff
	err := s.db.QueryRowContext(ctx, "SELECT id, name, active FROM staff WHERE id = ?", id).
		Scan(&st.ID, &st.Name, &st.Active)
	if err == sql.ErrNoRows {
		return nil, &metering.NotFoundError{Kind: "staff", ID: string(id)}
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// ListStaff returns every staff member ordered by name.
func (s *Store) ListStaff(ctx context.Context) ([]metering.Staff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id, name, active FROM staff ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var staff []metering.Staff
	for rows.Next() {
		var st metering.Staff
		if err := rows.Scan(&st.ID, &st.Name, &st.Active); err != nil {
			return nil, err
		}
		staff = append(staff, st)
	}
	return staff, rows.Err()
}

// =============================================================================
// CYCLES
// =============================================================================

func (s *Store) GetCycle(ctx context.Context, id metering.CycleID) (*metering.ReadingCycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, err := scanCycle(s.db.QueryRowContext(ctx,
		"SELECT id, service_id, period_from, period_to, status FROM cycles WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, &metering.NotFoundError{Kind: "cycle", ID: string(id)}
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCycles returns cycles, optionally for one service, newest first.
func (s *Store) ListCycles(ctx context.Context, serviceID metering.ServiceID) ([]metering.ReadingCycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, service_id, period_from, period_to, status FROM cycles
		WHERE ? = '' OR service_id = ?
		ORDER BY period_from DESC, id
	`, serviceID, serviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cycles []metering.ReadingCycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		cycles = append(cycles, c)
	}
	return cycles, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCycle(row scanner) (metering.ReadingCycle, error) {
	var c metering.ReadingCycle
	var from, to, status string
	if err := row.Scan(&c.ID, &c.ServiceID, &from, &to, &status); err != nil {
		return c, err
	}
	start, err := parseDay(from)
	if err != nil {
		return c, fmt.Errorf("cycle %s start: %w", c.ID, err)
	}
	end, err := parseDay(to)
	if err != nil {
		return c, fmt.Errorf("cycle %s end: %w", c.ID, err)
	}
	c.Period = metering.NewPeriod(start, end)
	c.Status = metering.CycleStatus(status)
	return c, nil
}

// =============================================================================
// ASSIGNMENTS (metering.AssignmentStore)
// =============================================================================

// CreateAssignment writes the assignment and its coverage rows in one
// transaction. The coverage index turns a double allocation into ErrConflict.
func (s *Store) CreateAssignment(ctx context.Context, a metering.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO assignments
		(id, cycle_id, service_id, staff_id, building_id, start_date, end_date, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		a.ID, a.CycleID, a.ServiceID, a.StaffID, nullString(string(a.BuildingID)),
		formatDay(a.StartDate), formatDay(a.EndDate), nullString(a.Note), formatTimestamp(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert assignment: %w", err)
	}

	for i, u := range a.UnitIDs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO assignment_units (assignment_id, cycle_id, service_id, unit_id, position)
			VALUES (?, ?, ?, ?, ?)
		`, a.ID, a.CycleID, a.ServiceID, u, i)
		if isUniqueConstraintError(err) {
			return metering.ErrConflict
		}
		if err != nil {
			return fmt.Errorf("failed to insert coverage: %w", err)
		}
	}

	return tx.Commit()
}

func (s *Store) GetAssignment(ctx context.Context, id metering.AssignmentID) (*metering.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return getAssignment(ctx, s.db, id)
}

func getAssignment(ctx context.Context, q queryer, id metering.AssignmentID) (*metering.Assignment, error) {
	a, err := scanAssignment(q.QueryRowContext(ctx, selectAssignment+" WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, &metering.NotFoundError{Kind: "assignment", ID: string(id)}
	}
	if err != nil {
		return nil, err
	}
	if a.UnitIDs, err = assignmentUnits(ctx, q, a.ID); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) ListAssignments(ctx context.Context, f metering.AssignmentFilter) ([]metering.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var where []string
	var args []any
	add := func(cond string, arg any) {
		where = append(where, cond)
		args = append(args, arg)
	}
	if f.CycleID != "" {
		add("cycle_id = ?", f.CycleID)
	}
	if f.ServiceID != "" {
		add("service_id = ?", f.ServiceID)
	}
	if f.BuildingID != "" {
		add("building_id = ?", f.BuildingID)
	}
	if f.StaffID != "" {
		add("staff_id = ?", f.StaffID)
	}
	if f.OpenOnly {
		where = append(where, "completed_at IS NULL AND released_at IS NULL")
	} else if !f.IncludeReleased {
		where = append(where, "released_at IS NULL")
	}

	query := selectAssignment
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var out []metering.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// One connection: unit lists are read after the outer cursor is closed.
	for i := range out {
		if out[i].UnitIDs, err = assignmentUnits(ctx, s.db, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) CoveredUnits(ctx context.Context, cycleID metering.CycleID, serviceID metering.ServiceID) ([]metering.UnitID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT unit_id FROM assignment_units
		WHERE cycle_id = ? AND service_id = ? AND released = 0
		ORDER BY unit_id
	`, cycleID, serviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []metering.UnitID
	for rows.Next() {
		var id metering.UnitID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) CompleteAssignment(ctx context.Context, id metering.AssignmentID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE assignments SET completed_at = COALESCE(completed_at, ?) WHERE id = ?",
		formatTimestamp(at), id)
	if err != nil {
		return err
	}
	return requireRow(res, "assignment", string(id))
}

// ReleaseAssignment marks the assignment released and frees its coverage rows
// so the partial unique index no longer counts them. An assignment holding
// readings is refused with ErrConflict.
func (s *Store) ReleaseAssignment(ctx context.Context, id metering.AssignmentID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var readings int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM readings WHERE assignment_id = ?", id,
	).Scan(&readings); err != nil {
		return err
	}
	if readings > 0 {
		return metering.ErrConflict
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE assignments SET released_at = COALESCE(released_at, ?) WHERE id = ?",
		formatTimestamp(at), id)
	if err != nil {
		return err
	}
	if err := requireRow(res, "assignment", string(id)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE assignment_units SET released = 1 WHERE assignment_id = ?", id); err != nil {
		return err
	}
	return tx.Commit()
}

const selectAssignment = `
	SELECT id, cycle_id, service_id, staff_id, building_id, start_date, end_date,
	       completed_at, released_at, note, created_at
	FROM assignments`

func scanAssignment(row scanner) (metering.Assignment, error) {
	var (
		a                       metering.Assignment
		buildingID, note        sql.NullString
		completedAt, releasedAt sql.NullString
		start, end, createdAt   string
	)
	err := row.Scan(&a.ID, &a.CycleID, &a.ServiceID, &a.StaffID, &buildingID,
		&start, &end, &completedAt, &releasedAt, &note, &createdAt)
	if err != nil {
		return a, err
	}
	a.BuildingID = metering.BuildingID(buildingID.String)
	a.Note = note.String
	if a.StartDate, err = parseDay(start); err != nil {
		return a, fmt.Errorf("assignment %s start: %w", a.ID, err)
	}
	if a.EndDate, err = parseDay(end); err != nil {
		return a, fmt.Errorf("assignment %s end: %w", a.ID, err)
	}
	if a.CompletedAt, err = parseNullTimestamp(completedAt); err != nil {
		return a, fmt.Errorf("assignment %s completed_at: %w", a.ID, err)
	}
	if a.ReleasedAt, err = parseNullTimestamp(releasedAt); err != nil {
		return a, fmt.Errorf("assignment %s released_at: %w", a.ID, err)
	}
	if a.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return a, fmt.Errorf("assignment %s created_at: %w", a.ID, err)
	}
	return a, nil
}

func assignmentUnits(ctx context.Context, q queryer, id metering.AssignmentID) ([]metering.UnitID, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT unit_id FROM assignment_units WHERE assignment_id = ? ORDER BY position", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []metering.UnitID{}
	for rows.Next() {
		var u metering.UnitID
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		ids = append(ids, u)
	}
	return ids, rows.Err()
}

// =============================================================================
// METERS (metering.MeterStore)
// =============================================================================

const selectMeter = `
	SELECT id, unit_id, service_id, code, active, last_reading, last_reading_date, created_at
	FROM meters`

func (s *Store) GetMeter(ctx context.Context, id metering.MeterID) (*metering.Meter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return getMeter(ctx, s.db, id)
}

func getMeter(ctx context.Context, q queryer, id metering.MeterID) (*metering.Meter, error) {
	m, err := scanMeter(q.QueryRowContext(ctx, selectMeter+" WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, &metering.NotFoundError{Kind: "meter", ID: string(id)}
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) FindMeter(ctx context.Context, unitID metering.UnitID, serviceID metering.ServiceID) (*metering.Meter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return findMeter(ctx, s.db, unitID, serviceID)
}

func findMeter(ctx context.Context, q queryer, unitID metering.UnitID, serviceID metering.ServiceID) (*metering.Meter, error) {
	m, err := scanMeter(q.QueryRowContext(ctx,
		selectMeter+" WHERE unit_id = ? AND service_id = ? AND active = 1", unitID, serviceID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) ListMeters(ctx context.Context, serviceID metering.ServiceID, unitIDs []metering.UnitID) ([]metering.Meter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(unitIDs) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(unitIDs)+1)
	args = append(args, serviceID)
	for _, id := range unitIDs {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(unitIDs)), ",")

	rows, err := s.db.QueryContext(ctx,
		selectMeter+" WHERE service_id = ? AND unit_id IN ("+placeholders+") ORDER BY code", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var meters []metering.Meter
	for rows.Next() {
		m, err := scanMeter(rows)
		if err != nil {
			return nil, err
		}
		meters = append(meters, m)
	}
	return meters, rows.Err()
}

// FindOrCreateMeter inserts m unless an active meter already exists for the
// unit and service. INSERT OR IGNORE against the partial unique index makes
// the check and the insert a single statement.
func (s *Store) FindOrCreateMeter(ctx context.Context, m metering.Meter) (metering.Meter, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return metering.Meter{}, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	m.Active = true
	m.LastReading, m.LastReadingDate = nil, nil
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO meters (id, unit_id, service_id, code, active, created_at)
		VALUES (?, ?, ?, ?, 1, ?)
	`, m.ID, m.UnitID, m.ServiceID, m.Code, formatTimestamp(m.CreatedAt))
	if err != nil {
		return metering.Meter{}, false, fmt.Errorf("failed to insert meter: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return metering.Meter{}, false, err
	}

	existing, err := findMeter(ctx, tx, m.UnitID, m.ServiceID)
	if err != nil {
		return metering.Meter{}, false, err
	}
	if existing == nil {
		return metering.Meter{}, false, metering.ErrConflict
	}
	if err := tx.Commit(); err != nil {
		return metering.Meter{}, false, err
	}
	return *existing, inserted == 1, nil
}

func insertMeter(ctx context.Context, q queryer, m metering.Meter) error {
	var last sql.NullString
	if m.LastReading != nil {
		last = nullString(m.LastReading.String())
	}
	var lastDate sql.NullString
	if m.LastReadingDate != nil {
		lastDate = nullString(formatDay(*m.LastReadingDate))
	}
	_, err := q.ExecContext(ctx, `INSERT INTO meters
		(id, unit_id, service_id, code, active, last_reading, last_reading_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.UnitID, m.ServiceID, m.Code, m.Active, last, lastDate, formatTimestamp(m.CreatedAt))
	return err
}

func scanMeter(row scanner) (metering.Meter, error) {
	var (
		m         metering.Meter
		last      sql.NullString
		lastDate  sql.NullString
		createdAt string
	)
	if err := row.Scan(&m.ID, &m.UnitID, &m.ServiceID, &m.Code, &m.Active, &last, &lastDate, &createdAt); err != nil {
		return m, err
	}
	if last.Valid {
		d, err := decimal.NewFromString(last.String)
		if err != nil {
			return m, fmt.Errorf("meter %s last reading: %w", m.ID, err)
		}
		m.LastReading = &d
	}
	if lastDate.Valid {
		d, err := parseDay(lastDate.String)
		if err != nil {
			return m, fmt.Errorf("meter %s last reading date: %w", m.ID, err)
		}
		m.LastReadingDate = &d
	}
	var err error
	if m.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return m, fmt.Errorf("meter %s created_at: %w", m.ID, err)
	}
	return m, nil
}

// =============================================================================
// READINGS (metering.ReadingStore)
// =============================================================================

const selectReading = `
	SELECT id, assignment_id, meter_id, unit_id, cycle_id, reading_date,
	       prev_index, curr_index, note, created_at
	FROM readings`

func (s *Store) ListReadingsByAssignment(ctx context.Context, id metering.AssignmentID) ([]metering.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return queryReadings(ctx, s.db,
		selectReading+" WHERE assignment_id = ? ORDER BY reading_date, created_at", id)
}

func (s *Store) ListReadingsByMeter(ctx context.Context, id metering.MeterID) ([]metering.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return queryReadings(ctx, s.db,
		selectReading+" WHERE meter_id = ? ORDER BY reading_date, created_at", id)
}

// CountReadings returns how many readings are stored.
func (s *Store) CountReadings(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM readings").Scan(&n)
	return n, err
}

// WithReadingTx executes a function within a database transaction.
func (s *Store) WithReadingTx(ctx context.Context, fn func(tx metering.ReadingTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&readingTx{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type readingTx struct {
	tx *sql.Tx
}

func (rt *readingTx) GetAssignment(ctx context.Context, id metering.AssignmentID) (*metering.Assignment, error) {
	return getAssignment(ctx, rt.tx, id)
}

func (rt *readingTx) GetMeter(ctx context.Context, id metering.MeterID) (*metering.Meter, error) {
	return getMeter(ctx, rt.tx, id)
}

func (rt *readingTx) LatestReading(ctx context.Context, id metering.MeterID) (*metering.Reading, error) {
	readings, err := queryReadings(ctx, rt.tx,
		selectReading+" WHERE meter_id = ? ORDER BY reading_date DESC, created_at DESC LIMIT 1", id)
	if err != nil || len(readings) == 0 {
		return nil, err
	}
	return &readings[0], nil
}

func (rt *readingTx) InsertReading(ctx context.Context, r metering.Reading) error {
	_, err := rt.tx.ExecContext(ctx, `
		INSERT INTO readings
		(id, assignment_id, meter_id, unit_id, cycle_id, reading_date, prev_index, curr_index, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, r.AssignmentID, r.MeterID, r.UnitID, r.CycleID, formatDay(r.ReadingDate),
		r.PrevIndex.String(), r.CurrIndex.String(), nullString(r.Note), formatTimestamp(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert reading: %w", err)
	}
	return nil
}

// AdvanceMeter is a compare-and-set on last_reading_date.
func (rt *readingTx) AdvanceMeter(ctx context.Context, id metering.MeterID, value decimal.Decimal, date time.Time) (bool, error) {
	day := formatDay(date)
	res, err := rt.tx.ExecContext(ctx, `
		UPDATE meters SET last_reading = ?, last_reading_date = ?
		WHERE id = ? AND (last_reading_date IS NULL OR last_reading_date <= ?)
	`, value.String(), day, id, day)
	if err != nil {
		return false, fmt.Errorf("failed to advance meter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := getMeter(ctx, rt.tx, id); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

func queryReadings(ctx context.Context, q queryer, query string, args ...any) ([]metering.Reading, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	var readings []metering.Reading
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

func scanReading(row scanner) (metering.Reading, error) {
	var (
		r                  metering.Reading
		date, createdAt    string
		prevIndex, currIdx string
		note               sql.NullString
	)
	err := row.Scan(&r.ID, &r.AssignmentID, &r.MeterID, &r.UnitID, &r.CycleID,
		&date, &prevIndex, &currIdx, &note, &createdAt)
	if err != nil {
		return r, fmt.Errorf("failed to scan reading: %w", err)
	}
	if r.PrevIndex, err = decimal.NewFromString(prevIndex); err != nil {
		return r, fmt.Errorf("reading %s prev index: %w", r.ID, err)
	}
	if r.CurrIndex, err = decimal.NewFromString(currIdx); err != nil {
		return r, fmt.Errorf("reading %s curr index: %w", r.ID, err)
	}
	if r.ReadingDate, err = parseDay(date); err != nil {
		return r, fmt.Errorf("reading %s date: %w", r.ID, err)
	}
	if r.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return r, fmt.Errorf("reading %s created_at: %w", r.ID, err)
	}
	r.Note = note.String
	return r, nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Children first: foreign keys are enforced.
	tables := []string{
		"readings", "meters", "assignment_units", "assignments",
		"cycles", "staff", "units", "services", "buildings",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatDay(t time.Time) string {
	return t.Format(metering.DateLayout)
}

func parseDay(s string) (time.Time, error) {
	return metering.ParseDay(s)
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTimestamp(s string) (time.Time, error) {
	return time.Parse(timestampLayout, s)
}

func parseNullTimestamp(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTimestamp(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &metering.NotFoundError{Kind: kind, ID: id}
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
