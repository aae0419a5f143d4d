/*
handlers.go - HTTP API handlers for the meter reading system

PURPOSE:
  Exposes the metering engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the metering package.

ENDPOINTS:
  Assignments:
    GET    /api/assignments                 List (filters: cycle_id, service_id,
                                            building_id, staff_id, open, include_released)
    POST   /api/assignments                 Allocate units to a staff member
    GET    /api/assignments/{id}            Get assignment
    GET    /api/assignments/{id}/session    Reading sheet for the reader
    POST   /api/assignments/{id}/readings   Submit edited rows
    GET    /api/assignments/{id}/progress   Units read / total
    POST   /api/assignments/{id}/complete   Mark complete
    POST   /api/assignments/{id}/release    Give units back (no readings yet)

  Planning:
    GET    /api/availability                Free units per floor

  Directory:
    GET    /api/buildings, /api/buildings/{id}/units
    GET    /api/services, /api/staff, /api/cycles, /api/meters

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed JSON
  - 404: Resource not found
  - 409: Conflict (selection changed, retry)
  - 422: Validation errors, with code/field/units
  - 503: Storage unavailable
  - 500: Internal errors

  A submission with failing rows still returns 200: per-row errors are in
  the "failed" list.

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/hlog"
	"github.com/warp/meter-reading/metering"
	"github.com/warp/meter-reading/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     *sqlite.Store
	Allocator *metering.Allocator
	Sessions  *metering.SessionLoader
	Submitter *metering.Submitter
	Progress  *metering.ProgressTracker
	Registry  *metering.Registry
	Metrics   *Metrics

	// Track currently loaded scenario
	mu              sync.RWMutex
	currentScenario string
}

// NewHandler wires the metering services over a store. The sqlite store is
// both the directory and the engine's store.
func NewHandler(store *sqlite.Store, metrics *Metrics) *Handler {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Handler{
		Store:     store,
		Allocator: metering.NewAllocator(store, store),
		Sessions:  metering.NewSessionLoader(store, store),
		Submitter: metering.NewSubmitter(store, store),
		Progress:  metering.NewProgressTracker(store),
		Registry:  metering.NewRegistry(store),
		Metrics:   metrics,
	}
}

// Health reports whether the database answers.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// ASSIGNMENT HANDLERS
// =============================================================================

// ListAssignments returns assignments matching the query filters.
func (h *Handler) ListAssignments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := metering.AssignmentFilter{
		CycleID:         metering.CycleID(q.Get("cycle_id")),
		ServiceID:       metering.ServiceID(q.Get("service_id")),
		BuildingID:      metering.BuildingID(q.Get("building_id")),
		StaffID:         metering.StaffID(q.Get("staff_id")),
		OpenOnly:        queryBool(q.Get("open")),
		IncludeReleased: queryBool(q.Get("include_released")),
	}

	assignments, err := h.Store.ListAssignments(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list assignments", err)
		return
	}

	dtos := make([]AssignmentDTO, len(assignments))
	for i, a := range assignments {
		dtos[i] = toAssignmentDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateAssignment allocates units to a staff member.
func (h *Handler) CreateAssignment(w http.ResponseWriter, r *http.Request) {
	var req CreateAssignmentRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	allocReq := metering.AllocationRequest{
		CycleID:    metering.CycleID(req.CycleID),
		ServiceID:  metering.ServiceID(req.ServiceID),
		StaffID:    metering.StaffID(req.StaffID),
		BuildingID: metering.BuildingID(req.BuildingID),
		UnitIDs:    unitIDs(req.UnitIDs),
		Note:       req.Note,
	}
	// Dates already passed the datetime tag.
	if req.StartDate != "" {
		d, _ := metering.ParseDay(req.StartDate)
		allocReq.StartDate = &d
	}
	if req.EndDate != "" {
		d, _ := metering.ParseDay(req.EndDate)
		allocReq.EndDate = &d
	}

	a, err := h.Allocator.Allocate(r.Context(), allocReq)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	h.Metrics.assignmentsAllocated.Inc()

	hlog.FromRequest(r).Info().
		Str("assignment_id", string(a.ID)).
		Str("staff_id", string(a.StaffID)).
		Int("units", len(a.UnitIDs)).
		Msg("assignment allocated")

	writeJSON(w, http.StatusCreated, toAssignmentDTO(*a))
}

// GetAssignment returns a single assignment.
func (h *Handler) GetAssignment(w http.ResponseWriter, r *http.Request) {
	id := metering.AssignmentID(chi.URLParam(r, "id"))

	a, err := h.Store.GetAssignment(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAssignmentDTO(*a))
}

// GetSession returns the reading sheet of an assignment.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := metering.AssignmentID(chi.URLParam(r, "id"))

	session, err := h.Sessions.Load(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(session))
}

// SubmitReadings validates and commits the edited rows of a session.
func (h *Handler) SubmitReadings(w http.ResponseWriter, r *http.Request) {
	id := metering.AssignmentID(chi.URLParam(r, "id"))

	var req SubmitReadingsRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	submit := metering.SubmitRequest{
		AssignmentID: id,
		Rows:         make([]metering.RowEdit, len(req.Rows)),
	}
	if req.ReadingDate != "" {
		submit.ReadingDate, _ = metering.ParseDay(req.ReadingDate)
	}
	for i, row := range req.Rows {
		submit.Rows[i] = metering.RowEdit{
			UnitID:    metering.UnitID(row.UnitID),
			MeterID:   metering.MeterID(row.MeterID),
			CurrIndex: row.CurrIndex,
			Note:      row.Note,
		}
	}

	res, err := h.Submitter.Submit(r.Context(), submit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	h.Metrics.observeSubmit(res)

	resp := SubmitReadingsResponse{
		Committed:     toRowResultDTOs(res.Committed),
		Failed:        toRowResultDTOs(res.Failed),
		Skipped:       res.Skipped,
		MetersCreated: res.MetersCreated,
		Progress:      toProgressDTO(res.Progress),
	}
	if res.Session != nil {
		resp.Session = toSessionDTO(res.Session)
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetProgress returns how many units of the assignment have a reading.
func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	id := metering.AssignmentID(chi.URLParam(r, "id"))

	p, err := h.Progress.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProgressDTO(p))
}

// CompleteAssignment marks an assignment complete. Repeated calls keep the
// first completion time.
func (h *Handler) CompleteAssignment(w http.ResponseWriter, r *http.Request) {
	id := metering.AssignmentID(chi.URLParam(r, "id"))

	before, err := h.Store.GetAssignment(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	a, err := h.Allocator.Complete(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if before.CompletedAt == nil {
		h.Metrics.assignmentsCompleted.Inc()
	}
	writeJSON(w, http.StatusOK, toAssignmentDTO(*a))
}

// ReleaseAssignment frees the units of an assignment that has no readings.
func (h *Handler) ReleaseAssignment(w http.ResponseWriter, r *http.Request) {
	id := metering.AssignmentID(chi.URLParam(r, "id"))

	a, err := h.Allocator.Release(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAssignmentDTO(*a))
}

// GetAvailability lists the units still free for a cycle, service and building.
func (h *Handler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	for _, name := range []string{"cycle_id", "service_id", "building_id"} {
		if q.Get(name) == "" {
			writeDomainError(w, r, &metering.ValidationError{
				Code:    metering.CodeMissingField,
				Field:   name,
				Message: name + " is required",
			})
			return
		}
	}

	avail, err := h.Allocator.Available(r.Context(),
		metering.CycleID(q.Get("cycle_id")),
		metering.ServiceID(q.Get("service_id")),
		metering.BuildingID(q.Get("building_id")))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAvailabilityDTO(avail))
}

// =============================================================================
// DIRECTORY HANDLERS
// =============================================================================

// ListBuildings returns all buildings.
func (h *Handler) ListBuildings(w http.ResponseWriter, r *http.Request) {
	buildings, err := h.Store.ListBuildings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list buildings", err)
		return
	}

	dtos := make([]BuildingDTO, len(buildings))
	for i, b := range buildings {
		dtos[i] = toBuildingDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListUnits returns the units of a building.
func (h *Handler) ListUnits(w http.ResponseWriter, r *http.Request) {
	id := metering.BuildingID(chi.URLParam(r, "id"))

	if _, err := h.Store.GetBuilding(r.Context(), id); err != nil {
		writeDomainError(w, r, err)
		return
	}
	units, err := h.Store.ListUnits(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list units", err)
		return
	}

	dtos := make([]UnitDTO, len(units))
	for i, u := range units {
		dtos[i] = toUnitDTO(u)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ListServices(w http.ResponseWriter, r *http.Request) {
	services, err := h.Store.ListServices(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list services", err)
		return
	}

	dtos := make([]ServiceDTO, len(services))
	for i, s := range services {
		dtos[i] = toServiceDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ListStaff(w http.ResponseWriter, r *http.Request) {
	staff, err := h.Store.ListStaff(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list staff", err)
		return
	}

	dtos := make([]StaffDTO, len(staff))
	for i, s := range staff {
		dtos[i] = StaffDTO{ID: string(s.ID), Name: s.Name, Active: s.Active}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListCycles returns reading cycles, optionally for one service.
func (h *Handler) ListCycles(w http.ResponseWriter, r *http.Request) {
	serviceID := metering.ServiceID(r.URL.Query().Get("service_id"))

	cycles, err := h.Store.ListCycles(r.Context(), serviceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list cycles", err)
		return
	}

	dtos := make([]CycleDTO, len(cycles))
	for i, c := range cycles {
		dtos[i] = toCycleDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListMeters returns the active meters of a service for a building or an
// explicit unit list (?unit_ids=U1,U2).
func (h *Handler) ListMeters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	serviceID := metering.ServiceID(q.Get("service_id"))
	if serviceID == "" {
		writeDomainError(w, r, &metering.ValidationError{
			Code:    metering.CodeMissingField,
			Field:   "service_id",
			Message: "service_id is required",
		})
		return
	}

	var units []metering.UnitID
	switch {
	case q.Get("unit_ids") != "":
		units = unitIDs(strings.Split(q.Get("unit_ids"), ","))
	case q.Get("building_id") != "":
		list, err := h.Store.ListUnits(r.Context(), metering.BuildingID(q.Get("building_id")))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to list units", err)
			return
		}
		for _, u := range list {
			units = append(units, u.ID)
		}
	default:
		writeDomainError(w, r, &metering.ValidationError{
			Code:    metering.CodeMissingField,
			Field:   "building_id",
			Message: "building_id or unit_ids is required",
		})
		return
	}

	byUnit, err := h.Registry.ListForUnits(r.Context(), serviceID, units)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	dtos := make([]MeterDTO, 0, len(byUnit))
	for _, id := range units {
		if m, ok := byUnit[id]; ok {
			dtos = append(dtos, toMeterDTO(m))
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

var validate = newValidator()

// newValidator reports field names the way clients send them.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeAndValidate reads the JSON body into dst and checks its tags.
// It writes the error response itself and returns false on failure.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeDomainError(w, r, fromValidatorError(err))
		return false
	}
	return true
}

// fromValidatorError maps the first failing tag to a ValidationError.
func fromValidatorError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	field := fieldPath(fe.Namespace())
	code := metering.CodeInvalidField
	if fe.Tag() == "required" {
		code = metering.CodeMissingField
	}
	return &metering.ValidationError{
		Code:    code,
		Field:   field,
		Message: field + " failed " + fe.Tag() + " check",
	}
}

// fieldPath drops the struct name from "CreateAssignmentRequest.cycle_id".
func fieldPath(namespace string) string {
	if i := strings.Index(namespace, "."); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}

func queryBool(s string) bool {
	b, _ := strconv.ParseBool(s)
	return b
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// errorResponse maps an engine error to a body and an HTTP status.
func errorResponse(err error) (ErrorResponse, int) {
	var ve *metering.ValidationError
	switch {
	case errors.As(err, &ve):
		return ErrorResponse{
			Error: ve.Message,
			Code:  string(ve.Code),
			Field: ve.Field,
			Units: unitStrings(ve.Units),
		}, http.StatusUnprocessableEntity
	case metering.IsNotFound(err):
		return ErrorResponse{Error: "Not found", Code: "not_found", Details: err.Error()}, http.StatusNotFound
	case errors.Is(err, metering.ErrConflict):
		return ErrorResponse{
			Error:   "Selection changed, please reload and retry",
			Code:    "conflict",
			Details: err.Error(),
		}, http.StatusConflict
	case errors.Is(err, metering.ErrDependency):
		return ErrorResponse{Error: "Storage unavailable, retry later", Code: "unavailable", Details: err.Error()}, http.StatusServiceUnavailable
	default:
		return ErrorResponse{Error: "Internal error", Details: err.Error()}, http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	resp, status := errorResponse(err)
	event := hlog.FromRequest(r).Warn()
	if status >= http.StatusInternalServerError {
		event = hlog.FromRequest(r).Error()
	}
	event.Err(err).Int("status", status).Msg("request failed")
	writeJSON(w, status, resp)
}
