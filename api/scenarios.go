/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with a property,
	services, staff and a reading cycle for the current month, so the reader
	app can be tried without a directory feed.

AVAILABLE SCENARIOS:

	small-block:  One building, water only, one reader half way through
	two-towers:   Two towers, water and electricity, legacy meters seeded,
	              one floor of tower A already allocated

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Save buildings, units, services and staff
 3. Save the cycles of the current month (and last month, closed)
 4. Seed legacy meters with their last index
 5. Allocate and submit through the engine, like a real client would

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "two-towers"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: metering services used by the loaders
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/meter-reading/metering"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "small-block",
		Name:        "Small Block",
		Description: "One 2-floor building, water only, an assignment with one unit already read",
	},
	{
		ID:          "two-towers",
		Name:        "Two Towers",
		Description: "Two towers with water and electricity, legacy meters and a partial allocation",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	current := h.currentScenario
	h.mu.RUnlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	if err := h.loadScenario(r.Context(), req.ScenarioID, metering.Today()); err != nil {
		if metering.IsNotFound(err) {
			writeError(w, http.StatusBadRequest, "Unknown scenario", err)
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// loadScenario runs a loader with cycles built around today.
func (h *Handler) loadScenario(ctx context.Context, id string, today time.Time) error {
	var loader func(context.Context, time.Time) error
	switch id {
	case "small-block":
		loader = h.loadSmallBlockScenario
	case "two-towers":
		loader = h.loadTwoTowersScenario
	default:
		return &metering.NotFoundError{Kind: "scenario", ID: id}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(ctx); err != nil {
		return err
	}
	h.currentScenario = ""

	if err := loader(ctx, today); err != nil {
		return err
	}
	h.currentScenario = id
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadSmallBlockScenario(ctx context.Context, today time.Time) error {
	b := metering.Building{ID: "sb", Code: "SB", Name: "Small Block", Floors: []int{1, 2}}
	if err := h.saveBuilding(ctx, b, 2, nil); err != nil {
		return err
	}

	water := metering.Service{ID: "water", Code: "WATER", Name: "Water", RequiresMeter: true, Active: true}
	if err := h.Store.SaveService(ctx, water); err != nil {
		return err
	}
	if err := h.Store.SaveStaff(ctx, metering.Staff{ID: "staff-lan", Name: "Lan", Active: true}); err != nil {
		return err
	}

	cycle, err := h.saveMonthlyCycles(ctx, water.ID, today)
	if err != nil {
		return err
	}

	// Last month's index on the first unit only; the others get meters on
	// their first reading.
	if err := h.seedMeter(ctx, "sb-101", water, "812.5", monthStart(today).AddDate(0, 0, -3)); err != nil {
		return err
	}

	a, err := h.Allocator.Allocate(ctx, metering.AllocationRequest{
		CycleID:    cycle,
		ServiceID:  water.ID,
		StaffID:    "staff-lan",
		BuildingID: b.ID,
		Note:       "Monthly water round",
	})
	if err != nil {
		return err
	}

	v := decimal.RequireFromString("826.0")
	_, err = h.Submitter.Submit(ctx, metering.SubmitRequest{
		AssignmentID: a.ID,
		ReadingDate:  today,
		Rows:         []metering.RowEdit{{UnitID: "sb-101", CurrIndex: &v}},
	})
	return err
}

func (h *Handler) loadTwoTowersScenario(ctx context.Context, today time.Time) error {
	towerA := metering.Building{ID: "tower-a", Code: "A", Name: "Tower A", Floors: []int{1, 2, 3, 4}}
	towerB := metering.Building{ID: "tower-b", Code: "B", Name: "Tower B", Floors: []int{1, 2, 3}}

	// A few vacant units so "whole building" is not "every unit".
	if err := h.saveBuilding(ctx, towerA, 4, map[string]bool{"tower-a-203": true, "tower-a-402": true}); err != nil {
		return err
	}
	if err := h.saveBuilding(ctx, towerB, 3, map[string]bool{"tower-b-301": true}); err != nil {
		return err
	}

	water := metering.Service{ID: "water", Code: "WATER", Name: "Water", RequiresMeter: true, Active: true}
	elec := metering.Service{ID: "elec", Code: "ELEC", Name: "Electricity", RequiresMeter: true, Active: true}
	trash := metering.Service{ID: "trash", Code: "TRASH", Name: "Waste collection", Active: true}
	for _, svc := range []metering.Service{water, elec, trash} {
		if err := h.Store.SaveService(ctx, svc); err != nil {
			return err
		}
	}
	for _, st := range []metering.Staff{
		{ID: "staff-minh", Name: "Minh", Active: true},
		{ID: "staff-hoa", Name: "Hoa", Active: true},
		{ID: "staff-tuan", Name: "Tuan", Active: false},
	} {
		if err := h.Store.SaveStaff(ctx, st); err != nil {
			return err
		}
	}

	waterCycle, err := h.saveMonthlyCycles(ctx, water.ID, today)
	if err != nil {
		return err
	}
	if _, err := h.saveMonthlyCycles(ctx, elec.ID, today); err != nil {
		return err
	}

	// Legacy meters on tower A, read at the end of last month.
	lastRead := monthStart(today).AddDate(0, 0, -2)
	for floor := 1; floor <= 4; floor++ {
		for n := 1; n <= 4; n++ {
			unit := metering.UnitID(fmt.Sprintf("tower-a-%d%02d", floor, n))
			waterIdx := fmt.Sprintf("%d.%d", 100*floor+10*n, n)
			if err := h.seedMeter(ctx, unit, water, waterIdx, lastRead); err != nil {
				return err
			}
			elecIdx := fmt.Sprintf("%d", 4000+250*floor+37*n)
			if err := h.seedMeter(ctx, unit, elec, elecIdx, lastRead); err != nil {
				return err
			}
		}
	}

	// Minh takes the first floor of tower A for water.
	_, err = h.Allocator.Allocate(ctx, metering.AllocationRequest{
		CycleID:    waterCycle,
		ServiceID:  water.ID,
		StaffID:    "staff-minh",
		BuildingID: towerA.ID,
		UnitIDs:    []metering.UnitID{"tower-a-101", "tower-a-102", "tower-a-103", "tower-a-104"},
	})
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

// saveBuilding saves b and unitsPerFloor units on each floor, coded
// "<building>-<floor><nn>".
func (h *Handler) saveBuilding(ctx context.Context, b metering.Building, unitsPerFloor int, vacant map[string]bool) error {
	if err := h.Store.SaveBuilding(ctx, b); err != nil {
		return err
	}
	for _, floor := range b.Floors {
		for n := 1; n <= unitsPerFloor; n++ {
			id := fmt.Sprintf("%s-%d%02d", b.ID, floor, n)
			u := metering.Unit{
				ID:         metering.UnitID(id),
				BuildingID: b.ID,
				Code:       fmt.Sprintf("%s-%d%02d", b.Code, floor, n),
				Floor:      floor,
				Occupied:   !vacant[id],
			}
			if err := h.Store.SaveUnit(ctx, u); err != nil {
				return err
			}
		}
	}
	return nil
}

// saveMonthlyCycles saves last month (closed) and this month (in progress)
// for a service and returns the id of the open one.
func (h *Handler) saveMonthlyCycles(ctx context.Context, service metering.ServiceID, today time.Time) (metering.CycleID, error) {
	start := monthStart(today)
	prevStart := start.AddDate(0, -1, 0)

	cycles := []metering.ReadingCycle{
		{
			ID:        cycleID(service, prevStart),
			ServiceID: service,
			Period:    metering.NewPeriod(prevStart, start.AddDate(0, 0, -1)),
			Status:    metering.CycleClosed,
		},
		{
			ID:        cycleID(service, start),
			ServiceID: service,
			Period:    metering.NewPeriod(start, start.AddDate(0, 1, -1)),
			Status:    metering.CycleInProgress,
		},
	}
	for _, c := range cycles {
		if err := h.Store.SaveCycle(ctx, c); err != nil {
			return "", err
		}
	}
	return cycles[1].ID, nil
}

func (h *Handler) seedMeter(ctx context.Context, unit metering.UnitID, svc metering.Service, index string, readOn time.Time) error {
	u, err := h.Store.GetUnit(ctx, unit)
	if err != nil {
		return err
	}
	last := decimal.RequireFromString(index)
	return h.Store.SaveMeter(ctx, metering.Meter{
		ID:              metering.MeterID(fmt.Sprintf("m-%s-%s", unit, svc.ID)),
		UnitID:          unit,
		ServiceID:       svc.ID,
		Code:            metering.MeterCode(u.Code, svc.Code),
		Active:          true,
		LastReading:     &last,
		LastReadingDate: &readOn,
	})
}

func monthStart(t time.Time) time.Time {
	return metering.NewDay(t.Year(), t.Month(), 1)
}

func cycleID(service metering.ServiceID, start time.Time) metering.CycleID {
	return metering.CycleID(fmt.Sprintf("%s-%s", service, start.Format("2006-01")))
}
