/*
scenarios_test.go - Tests for demo scenarios

PURPOSE:
	Checks that each scenario sets up the state the reader app expects:
	directory, cycles, seeded meters, assignments and readings.
*/
package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/meter-reading/metering"
)

func TestSmallBlockScenario(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	assignments, err := s.h.Store.ListAssignments(ctx, metering.AssignmentFilter{})
	require.NoError(t, err)
	require.Len(t, assignments, 1)

	p, err := s.h.Progress.Get(ctx, assignments[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, p.UnitsWithReading)
	assert.Equal(t, 4, p.UnitsTotal)

	m, err := s.h.Registry.Find(ctx, "sb-101", "water")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.True(t, m.LastIndex().Equal(decimal.NewFromInt(826)))

	cycle, err := s.h.Store.GetCycle(ctx, "water-2025-02")
	require.NoError(t, err)
	assert.Equal(t, metering.CycleClosed, cycle.Status)
	assert.Equal(t, metering.NewDay(2025, 2, 28), cycle.Period.To)
}

func TestTwoTowersScenario(t *testing.T) {
	// GIVEN: the two-towers scenario
	s := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, s.h.loadScenario(ctx, "two-towers", scenarioDay))

	// THEN: the directory is in place
	buildings, err := s.h.Store.ListBuildings(ctx)
	require.NoError(t, err)
	assert.Len(t, buildings, 2)

	unitsA, err := s.h.Store.ListUnits(ctx, "tower-a")
	require.NoError(t, err)
	assert.Len(t, unitsA, 16)

	// AND: tower A meters carry last month's index for both services
	var ids []metering.UnitID
	for _, u := range unitsA {
		ids = append(ids, u.ID)
	}
	water, err := s.h.Registry.ListForUnits(ctx, "water", ids)
	require.NoError(t, err)
	assert.Len(t, water, 16)
	assert.True(t, water["tower-a-302"].LastIndex().Equal(decimal.RequireFromString("320.2")))

	elec, err := s.h.Registry.ListForUnits(ctx, "elec", ids)
	require.NoError(t, err)
	assert.Len(t, elec, 16)

	// AND: floor 1 is taken, vacant units are not eligible
	avail, err := s.h.Allocator.Available(ctx, "water-2025-03", "water", "tower-a")
	require.NoError(t, err)
	assert.Len(t, avail.Eligible, 14)
	assert.ElementsMatch(t, []metering.UnitID{"tower-a-101", "tower-a-102", "tower-a-103", "tower-a-104"}, avail.Covered)
	assert.Len(t, avail.Available, 10)
}

func TestLoadScenario_Unknown(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScenarioEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]ScenarioDTO](t, rec), len(scenarios))

	rec = s.do(t, http.MethodGet, "/api/scenarios/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "small-block", decodeBody[ScenarioDTO](t, rec).ID)

	rec = s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "two-towers"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "two-towers", decodeBody[ScenarioDTO](t, rec).ID)

	// Reset clears everything, including the current scenario.
	rec = s.do(t, http.MethodPost, "/api/scenarios/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "null\n", rec.Body.String())

	buildings, err := s.h.Store.ListBuildings(context.Background())
	require.NoError(t, err)
	assert.Empty(t, buildings)
}
