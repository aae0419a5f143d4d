/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the metering model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

INDEX VALUES:
  Indexes are decimal.Decimal. They are accepted as JSON numbers or strings
  and always returned as strings, so "12.50" survives the round trip.

VALIDATION:
  Request shape is checked with validator struct tags (see decodeAndValidate
  in handlers.go). Domain rules stay in the metering package.

SEE ALSO:
  - handlers.go: Uses these types
  - metering/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/meter-reading/metering"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CreateAssignmentRequest allocates units to a staff member.
// Omitting building_id creates a staff-level assignment over unit_ids.
type CreateAssignmentRequest struct {
	CycleID    string   `json:"cycle_id" validate:"required"`
	ServiceID  string   `json:"service_id" validate:"required"`
	StaffID    string   `json:"staff_id" validate:"required"`
	BuildingID string   `json:"building_id"`
	UnitIDs    []string `json:"unit_ids" validate:"omitempty,dive,required"`
	StartDate  string   `json:"start_date" validate:"omitempty,datetime=2006-01-02"`
	EndDate    string   `json:"end_date" validate:"omitempty,datetime=2006-01-02"`
	Note       string   `json:"note" validate:"max=500"`
}

// SubmitReadingsRequest carries the edited rows of a session.
type SubmitReadingsRequest struct {
	ReadingDate string       `json:"reading_date" validate:"omitempty,datetime=2006-01-02"`
	Rows        []RowEditDTO `json:"rows" validate:"dive"`
}

// RowEditDTO is one edited row. A null curr_index means "not read".
type RowEditDTO struct {
	UnitID    string           `json:"unit_id"`
	MeterID   string           `json:"meter_id"`
	CurrIndex *decimal.Decimal `json:"curr_index"`
	Note      string           `json:"note" validate:"max=500"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// DIRECTORY DTOs
// =============================================================================

type BuildingDTO struct {
	ID     string `json:"id"`
	Code   string `json:"code"`
	Name   string `json:"name"`
	Floors []int  `json:"floors"`
}

type UnitDTO struct {
	ID         string `json:"id"`
	BuildingID string `json:"building_id"`
	Code       string `json:"code"`
	Floor      int    `json:"floor"`
	Occupied   bool   `json:"occupied"`
}

type ServiceDTO struct {
	ID            string `json:"id"`
	Code          string `json:"code"`
	Name          string `json:"name"`
	RequiresMeter bool   `json:"requires_meter"`
	Active        bool   `json:"active"`
}

type StaffDTO struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

type CycleDTO struct {
	ID        string `json:"id"`
	ServiceID string `json:"service_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Status    string `json:"status"`
}

type MeterDTO struct {
	ID              string           `json:"id"`
	UnitID          string           `json:"unit_id"`
	ServiceID       string           `json:"service_id"`
	Code            string           `json:"code"`
	Active          bool             `json:"active"`
	LastReading     *decimal.Decimal `json:"last_reading"`
	LastReadingDate *string          `json:"last_reading_date"`
}

// =============================================================================
// ASSIGNMENT DTOs
// =============================================================================

// AssignmentDTO represents an assignment in API responses.
type AssignmentDTO struct {
	ID          string   `json:"id"`
	CycleID     string   `json:"cycle_id"`
	ServiceID   string   `json:"service_id"`
	StaffID     string   `json:"staff_id"`
	BuildingID  string   `json:"building_id,omitempty"`
	UnitIDs     []string `json:"unit_ids"`
	StartDate   string   `json:"start_date"`
	EndDate     string   `json:"end_date"`
	Status      string   `json:"status"`
	CompletedAt *string  `json:"completed_at,omitempty"`
	ReleasedAt  *string  `json:"released_at,omitempty"`
	Note        string   `json:"note,omitempty"`
	CreatedAt   string   `json:"created_at"`
}

type FloorDTO struct {
	Floor int       `json:"floor"`
	Units []UnitDTO `json:"units"`
}

// AvailabilityDTO is what a planner sees before selecting units.
type AvailabilityDTO struct {
	CycleID    string     `json:"cycle_id"`
	ServiceID  string     `json:"service_id"`
	BuildingID string     `json:"building_id"`
	Eligible   int        `json:"eligible"`
	Covered    []string   `json:"covered"`
	Floors     []FloorDTO `json:"floors"`
}

// =============================================================================
// SESSION / SUBMISSION DTOs
// =============================================================================

type RowDTO struct {
	UnitID    string           `json:"unit_id"`
	UnitCode  string           `json:"unit_code"`
	Floor     int              `json:"floor"`
	MeterID   string           `json:"meter_id,omitempty"`
	MeterCode string           `json:"meter_code,omitempty"`
	HasMeter  bool             `json:"has_meter"`
	PrevIndex decimal.Decimal  `json:"prev_index"`
	HasPrev   bool             `json:"has_prev"`
	CurrIndex *decimal.Decimal `json:"curr_index"`
	ReadingID string           `json:"reading_id,omitempty"`
	Note      string           `json:"note,omitempty"`
}

// SessionDTO is the reading sheet of an assignment.
type SessionDTO struct {
	Assignment AssignmentDTO `json:"assignment"`
	Service    ServiceDTO    `json:"service"`
	Rows       []RowDTO      `json:"rows"`
}

type ProgressDTO struct {
	AssignmentID     string  `json:"assignment_id"`
	UnitsTotal       int     `json:"units_total"`
	UnitsWithReading int     `json:"units_with_reading"`
	Percent          float64 `json:"percent"`
	Done             bool    `json:"done"`
}

// RowResultDTO is the outcome of one submitted row. Position is the index
// of the row in the request.
type RowResultDTO struct {
	Position     int              `json:"position"`
	UnitID       string           `json:"unit_id,omitempty"`
	MeterID      string           `json:"meter_id,omitempty"`
	CurrIndex    *decimal.Decimal `json:"curr_index"`
	PrevIndex    decimal.Decimal  `json:"prev_index"`
	Note         string           `json:"note,omitempty"`
	ReadingID    string           `json:"reading_id,omitempty"`
	MeterCreated bool             `json:"meter_created,omitempty"`
	Error        *ErrorResponse   `json:"error,omitempty"`
}

// SubmitReadingsResponse is returned whenever the batch ran, even if some
// rows failed.
type SubmitReadingsResponse struct {
	Committed     []RowResultDTO `json:"committed"`
	Failed        []RowResultDTO `json:"failed"`
	Skipped       int            `json:"skipped"`
	MetersCreated int            `json:"meters_created"`
	Progress      ProgressDTO    `json:"progress"`
	Session       SessionDTO     `json:"session"`
}

// =============================================================================
// MISC
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Code    string   `json:"code,omitempty"`
	Field   string   `json:"field,omitempty"`
	Units   []string `json:"units,omitempty"`
	Details string   `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toBuildingDTO(b metering.Building) BuildingDTO {
	floors := b.Floors
	if floors == nil {
		floors = []int{}
	}
	return BuildingDTO{ID: string(b.ID), Code: b.Code, Name: b.Name, Floors: floors}
}

func toUnitDTO(u metering.Unit) UnitDTO {
	return UnitDTO{
		ID:         string(u.ID),
		BuildingID: string(u.BuildingID),
		Code:       u.Code,
		Floor:      u.Floor,
		Occupied:   u.Occupied,
	}
}

func toServiceDTO(s metering.Service) ServiceDTO {
	return ServiceDTO{
		ID:            string(s.ID),
		Code:          s.Code,
		Name:          s.Name,
		RequiresMeter: s.RequiresMeter,
		Active:        s.Active,
	}
}

func toCycleDTO(c metering.ReadingCycle) CycleDTO {
	return CycleDTO{
		ID:        string(c.ID),
		ServiceID: string(c.ServiceID),
		From:      formatDay(c.Period.From),
		To:        formatDay(c.Period.To),
		Status:    string(c.Status),
	}
}

func toMeterDTO(m metering.Meter) MeterDTO {
	dto := MeterDTO{
		ID:          string(m.ID),
		UnitID:      string(m.UnitID),
		ServiceID:   string(m.ServiceID),
		Code:        m.Code,
		Active:      m.Active,
		LastReading: m.LastReading,
	}
	if m.LastReadingDate != nil {
		d := formatDay(*m.LastReadingDate)
		dto.LastReadingDate = &d
	}
	return dto
}

func toAssignmentDTO(a metering.Assignment) AssignmentDTO {
	dto := AssignmentDTO{
		ID:          string(a.ID),
		CycleID:     string(a.CycleID),
		ServiceID:   string(a.ServiceID),
		StaffID:     string(a.StaffID),
		BuildingID:  string(a.BuildingID),
		UnitIDs:     unitStrings(a.UnitIDs),
		StartDate:   formatDay(a.StartDate),
		EndDate:     formatDay(a.EndDate),
		Status:      assignmentStatus(a),
		CompletedAt: formatOptionalTime(a.CompletedAt),
		ReleasedAt:  formatOptionalTime(a.ReleasedAt),
		Note:        a.Note,
		CreatedAt:   a.CreatedAt.UTC().Format(time.RFC3339),
	}
	return dto
}

func assignmentStatus(a metering.Assignment) string {
	switch {
	case a.ReleasedAt != nil:
		return "released"
	case a.CompletedAt != nil:
		return "completed"
	default:
		return "open"
	}
}

func toAvailabilityDTO(a *metering.Availability) AvailabilityDTO {
	dto := AvailabilityDTO{
		CycleID:    string(a.Key.CycleID),
		ServiceID:  string(a.Key.ServiceID),
		BuildingID: string(a.Key.BuildingID),
		Eligible:   len(a.Eligible),
		Covered:    unitStrings(a.Covered),
		Floors:     []FloorDTO{},
	}
	for _, f := range a.Floors {
		units := make([]UnitDTO, len(f.Units))
		for i, u := range f.Units {
			units[i] = toUnitDTO(u)
		}
		dto.Floors = append(dto.Floors, FloorDTO{Floor: f.Floor, Units: units})
	}
	return dto
}

func toSessionDTO(s *metering.Session) SessionDTO {
	dto := SessionDTO{
		Assignment: toAssignmentDTO(s.Assignment),
		Service:    toServiceDTO(s.Service),
		Rows:       make([]RowDTO, len(s.Rows)),
	}
	for i, r := range s.Rows {
		dto.Rows[i] = RowDTO{
			UnitID:    string(r.UnitID),
			UnitCode:  r.UnitCode,
			Floor:     r.Floor,
			MeterID:   string(r.MeterID),
			MeterCode: r.MeterCode,
			HasMeter:  r.HasMeter,
			PrevIndex: r.PrevIndex,
			HasPrev:   r.HasPrev,
			CurrIndex: r.CurrIndex,
			ReadingID: string(r.ReadingID),
			Note:      r.Note,
		}
	}
	return dto
}

func toProgressDTO(p metering.Progress) ProgressDTO {
	return ProgressDTO{
		AssignmentID:     string(p.AssignmentID),
		UnitsTotal:       p.UnitsTotal,
		UnitsWithReading: p.UnitsWithReading,
		Percent:          p.Percent(),
		Done:             p.Done(),
	}
}

func toRowResultDTOs(results []metering.RowResult) []RowResultDTO {
	dtos := make([]RowResultDTO, len(results))
	for i, r := range results {
		dtos[i] = RowResultDTO{
			Position:     r.Position,
			UnitID:       string(r.UnitID),
			MeterID:      string(r.MeterID),
			CurrIndex:    r.CurrIndex,
			PrevIndex:    r.PrevIndex,
			Note:         r.Note,
			ReadingID:    string(r.ReadingID),
			MeterCreated: r.MeterCreated,
		}
		if r.Err != nil {
			resp, _ := errorResponse(r.Err)
			dtos[i].Error = &resp
		}
	}
	return dtos
}

func unitStrings(ids []metering.UnitID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func unitIDs(ids []string) []metering.UnitID {
	out := make([]metering.UnitID, len(ids))
	for i, id := range ids {
		out[i] = metering.UnitID(id)
	}
	return out
}

func formatDay(t time.Time) string {
	return t.Format(metering.DateLayout)
}

func formatOptionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
