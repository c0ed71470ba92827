package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"clinicq/internal/models"
)

// Scope selects tickets or schedules either by clinic code or by physician.
// Exactly one of the fields is set.
type Scope struct {
	ClinicCode  string
	PhysicianID string
}

func ClinicScope(code string) Scope {
	return Scope{ClinicCode: code}
}

func PhysicianScope(physicianID string) Scope {
	return Scope{PhysicianID: physicianID}
}

func (s Scope) Valid() bool {
	return (s.ClinicCode == "") != (s.PhysicianID == "")
}

func (s Scope) Key() string {
	if s.ClinicCode != "" {
		return "clinic:" + s.ClinicCode
	}
	return "physician:" + s.PhysicianID
}

func (s Scope) Matches(clinicCode, physicianID string) bool {
	if s.ClinicCode != "" {
		return s.ClinicCode == clinicCode
	}
	return s.PhysicianID != "" && s.PhysicianID == physicianID
}

// SequenceKey scopes one gapless ticket counter.
type SequenceKey struct {
	TicketType models.TicketType
	Day        models.Day
	ClinicCode string
}

func (k SequenceKey) String() string {
	return fmt.Sprintf("%s|%s|%s", k.TicketType, k.Day, k.ClinicCode)
}

type TicketFilter struct {
	Scope  Scope
	Day    models.Day
	Status models.Status
}

type ScheduleFilter struct {
	Scope Scope
	Day   models.Day
}

// EventInput describes the audit entry written together with a ticket change.
type EventInput struct {
	Type       string
	CounterID  string
	OccurredAt time.Time
}

type CounterStore interface {
	// Increment atomically advances the counter for key and returns the new
	// value. The first call for a key returns 1.
	Increment(ctx context.Context, key SequenceKey) (int64, error)
	// Current returns the last value handed out for key, 0 when unused.
	Current(ctx context.Context, key SequenceKey) (int64, error)
}

type ScheduleStore interface {
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]models.PhysicianSchedule, error)
}

type TicketStore interface {
	InsertTicket(ctx context.Context, ticket models.Ticket, event EventInput) (models.Ticket, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	// UpdateTicket persists ticket only if the stored version still equals
	// expectedVersion, otherwise it returns ErrVersionConflict.
	UpdateTicket(ctx context.Context, ticket models.Ticket, expectedVersion int64, event EventInput) (models.Ticket, error)
	ListTickets(ctx context.Context, filter TicketFilter) ([]models.Ticket, error)
	// QueueRevision changes whenever any ticket in scope/day is written.
	QueueRevision(ctx context.Context, scope Scope, day models.Day) (int64, error)
	ListTicketEvents(ctx context.Context, ticketID string) ([]TicketEvent, error)
}

type OutboxStore interface {
	ListOutboxEvents(ctx context.Context, offset OutboxOffset, limit int) ([]OutboxEvent, error)
	LatestOutboxSeq(ctx context.Context) (int64, error)
	GetOffset(ctx context.Context, consumer string) (OutboxOffset, error)
	UpdateOffset(ctx context.Context, consumer string, offset OutboxOffset) error
}

type Store interface {
	CounterStore
	ScheduleStore
	TicketStore
	OutboxStore
}

type OutboxEvent struct {
	Seq         int64           `json:"seq"`
	EventID     string          `json:"event_id"`
	Type        string          `json:"type"`
	ClinicCode  string          `json:"clinic_code"`
	PhysicianID string          `json:"physician_id,omitempty"`
	BusinessDay models.Day      `json:"business_day"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
}

type OutboxOffset struct {
	LastSeq int64
}

const (
	EventTicketCreated    = "ticket.created"
	EventTicketCalled     = "ticket.called"
	EventTicketInProgress = "ticket.in_progress"
	EventTicketCompleted  = "ticket.completed"
)
