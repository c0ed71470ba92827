package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"net/http"
	"strings"

	"clinicq/internal/engine"
	"clinicq/internal/models"
	"clinicq/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Engine is the queue engine surface the HTTP layer serves.
type Engine interface {
	Today() models.Day
	Create(ctx context.Context, ticketType models.TicketType, clinicCode string) (models.Ticket, error)
	Transition(ctx context.Context, ticketID string, to models.Status, counterID string) (models.Ticket, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	TicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error)
	ListTickets(ctx context.Context, scope store.Scope, day models.Day, status models.Status) ([]models.Ticket, error)
	CurrentlyServing(ctx context.Context, scope store.Scope, day models.Day) (models.Ticket, bool, error)
	ResolveToday(ctx context.Context, scope store.Scope, day models.Day) (models.PhysicianSchedule, bool, error)
	Board(ctx context.Context, day models.Day) ([]engine.BoardEntry, error)
	IssuedCount(ctx context.Context, ticketType models.TicketType, day models.Day, clinicCode string) (int64, error)
}

type Handler struct {
	engine Engine
	logger *zap.Logger
}

type createTicketRequest struct {
	TicketType string `json:"ticket_type"`
	ClinicCode string `json:"clinic_code"`
}

type transitionRequest struct {
	ToStatus  string `json:"to_status"`
	CounterID string `json:"counter_id"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(eng Engine, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{engine: eng, logger: logger}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.Handle("/metrics", expvar.Handler())
	mux.HandleFunc("/api/tickets", h.handleTickets)
	mux.HandleFunc("/api/tickets/", h.handleTicket)
	mux.HandleFunc("/api/queue/serving", h.handleServing)
	mux.HandleFunc("/api/schedules/today", h.handleScheduleToday)
	mux.HandleFunc("/api/board", h.handleBoard)
	mux.HandleFunc("/api/sequences/issued", h.handleIssued)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleTickets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleCreateTicket(w, r)
	case http.MethodGet:
		h.handleListTickets(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r)
	var req createTicketRequest
	if !decodeRequest(w, r, requestID, &req) {
		return
	}

	ticketType, ok := models.ParseTicketType(req.TicketType)
	clinicCode := strings.TrimSpace(req.ClinicCode)
	if !ok || clinicCode == "" {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "ticket_type (examination, consultation, procedure, late) and clinic_code are required")
		return
	}

	ticket, err := h.engine.Create(r.Context(), ticketType, clinicCode)
	if err != nil {
		h.fail(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusCreated, ticket)
}

func (h *Handler) handleListTickets(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r)
	scope, day, ok := h.scopeAndDay(w, r, requestID)
	if !ok {
		return
	}
	var status models.Status
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed, ok := models.ParseStatus(raw)
		if !ok {
			writeError(w, requestID, http.StatusBadRequest, "invalid_request", "status must be waiting, called, in_progress or completed")
			return
		}
		status = parsed
	}

	tickets, err := h.engine.ListTickets(r.Context(), scope, day, status)
	if err != nil {
		h.fail(w, requestID, err)
		return
	}
	if tickets == nil {
		tickets = []models.Ticket{}
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (h *Handler) handleTicket(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tickets/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	ticketID := parts[0]
	requestID := requestIDFrom(r)
	if ticketID == "" || len(parts) > 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if !isValidUUID(ticketID) {
		// No ticket can have this id.
		writeError(w, requestID, http.StatusNotFound, "not_found", "ticket not found")
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		ticket, err := h.engine.GetTicket(r.Context(), ticketID)
		if err != nil {
			h.fail(w, requestID, err)
			return
		}
		writeJSON(w, http.StatusOK, ticket)
		return
	}

	switch parts[1] {
	case "transition":
		h.handleTransition(w, r, requestID, ticketID)
	case "events":
		h.handleTicketEvents(w, r, requestID, ticketID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request, requestID, ticketID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req transitionRequest
	if !decodeRequest(w, r, requestID, &req) {
		return
	}
	to, ok := models.ParseStatus(req.ToStatus)
	if !ok {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "to_status must be called, in_progress or completed")
		return
	}

	ticket, err := h.engine.Transition(r.Context(), ticketID, to, strings.TrimSpace(req.CounterID))
	if err != nil {
		h.fail(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleTicketEvents(w http.ResponseWriter, r *http.Request, requestID, ticketID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	events, err := h.engine.TicketEvents(r.Context(), ticketID)
	if err != nil {
		h.fail(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// Display reads degrade to "no data" on engine failure so signage keeps
// polling instead of rendering an error page.

func (h *Handler) handleServing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	requestID := requestIDFrom(r)
	scope, day, ok := h.scopeAndDay(w, r, requestID)
	if !ok {
		return
	}
	ticket, found, err := h.engine.CurrentlyServing(r.Context(), scope, day)
	if err != nil {
		h.logger.Warn("serving lookup degraded", zap.String("scope", scope.Key()), zap.String("request_id", requestID), zap.Error(err))
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleScheduleToday(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	requestID := requestIDFrom(r)
	scope, day, ok := h.scopeAndDay(w, r, requestID)
	if !ok {
		return
	}
	schedule, found, err := h.engine.ResolveToday(r.Context(), scope, day)
	if err != nil {
		h.logger.Warn("schedule lookup degraded", zap.String("scope", scope.Key()), zap.String("request_id", requestID), zap.Error(err))
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

func (h *Handler) handleBoard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	requestID := requestIDFrom(r)
	day, ok := h.dayParam(w, r, requestID)
	if !ok {
		return
	}
	entries, err := h.engine.Board(r.Context(), day)
	if err != nil {
		h.logger.Warn("board degraded", zap.String("day", day.String()), zap.String("request_id", requestID), zap.Error(err))
		entries = nil
	}
	if entries == nil {
		entries = []engine.BoardEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleIssued(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	requestID := requestIDFrom(r)
	query := r.URL.Query()
	ticketType, ok := models.ParseTicketType(query.Get("ticket_type"))
	clinicCode := strings.TrimSpace(query.Get("clinic_code"))
	if !ok || clinicCode == "" {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "ticket_type and clinic_code are required")
		return
	}
	day, ok := h.dayParam(w, r, requestID)
	if !ok {
		return
	}
	issued, err := h.engine.IssuedCount(r.Context(), ticketType, day, clinicCode)
	if err != nil {
		h.fail(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ticket_type":  ticketType,
		"clinic_code":  clinicCode,
		"business_day": day,
		"issued":       issued,
		"last_number":  lastNumber(ticketType, issued),
	})
}

func lastNumber(ticketType models.TicketType, issued int64) string {
	if issued <= 0 {
		return ""
	}
	return models.FormatTicketNumber(ticketType, issued)
}

func (h *Handler) scopeAndDay(w http.ResponseWriter, r *http.Request, requestID string) (store.Scope, models.Day, bool) {
	query := r.URL.Query()
	scope := store.Scope{
		ClinicCode:  strings.TrimSpace(query.Get("clinic_code")),
		PhysicianID: strings.TrimSpace(query.Get("physician_id")),
	}
	if !scope.Valid() {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "exactly one of clinic_code or physician_id is required")
		return store.Scope{}, "", false
	}
	day, ok := h.dayParam(w, r, requestID)
	if !ok {
		return store.Scope{}, "", false
	}
	return scope, day, true
}

func (h *Handler) dayParam(w http.ResponseWriter, r *http.Request, requestID string) (models.Day, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("day"))
	if raw == "" {
		return h.engine.Today(), true
	}
	day, err := models.ParseDay(raw)
	if err != nil {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "day must be YYYY-MM-DD")
		return "", false
	}
	return day, true
}

func (h *Handler) fail(w http.ResponseWriter, requestID string, err error) {
	status, code, msg := mapError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("request_id", requestID), zap.String("code", code), zap.Error(err))
	}
	writeError(w, requestID, status, code, msg)
}

func decodeRequest(w http.ResponseWriter, r *http.Request, requestID string, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func requestIDFrom(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Request-ID")); id != "" {
		return id
	}
	return uuid.NewString()
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, engine.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request", "invalid request"
	case errors.Is(err, engine.ErrNoActiveSchedule):
		return http.StatusConflict, "no_active_schedule", "clinic has no active schedule today"
	case errors.Is(err, engine.ErrIllegalTransition):
		return http.StatusConflict, "illegal_transition", "ticket status does not allow this transition"
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound, "not_found", "ticket not found"
	case errors.Is(err, engine.ErrTimeout):
		return http.StatusGatewayTimeout, "timeout", "operation timed out"
	case errors.Is(err, engine.ErrSequenceUnavailable):
		return http.StatusServiceUnavailable, "sequence_unavailable", "ticket numbering temporarily unavailable"
	case errors.Is(err, engine.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable", "queue store temporarily unavailable"
	case errors.Is(err, store.ErrBrokenChain):
		return http.StatusInternalServerError, "audit_chain_broken", "ticket history failed verification"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
