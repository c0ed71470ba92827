package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"clinicq/internal/clock"
	"clinicq/internal/models"
	"clinicq/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("clinicq/engine")

// Manager creates tickets and moves them through
// waiting -> called -> in_progress -> completed.
type Manager struct {
	tickets   store.TicketStore
	allocator *Allocator
	matcher   *Matcher
	days      *clock.DayKeyer
	timeout   time.Duration
	logger    *zap.Logger
}

func NewManager(tickets store.TicketStore, allocator *Allocator, matcher *Matcher, days *clock.DayKeyer, timeout time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		tickets:   tickets,
		allocator: allocator,
		matcher:   matcher,
		days:      days,
		timeout:   timeout,
		logger:    logger,
	}
}

// Create issues a waiting ticket bound to the clinic's schedule for today.
// The schedule is resolved before a number is allocated, so a clinic without
// a session never consumes one.
func (m *Manager) Create(ctx context.Context, ticketType models.TicketType, clinicCode string) (ticket models.Ticket, err error) {
	clinicCode = strings.TrimSpace(clinicCode)
	if !ticketType.Valid() || clinicCode == "" {
		return models.Ticket{}, ErrInvalidRequest
	}

	ctx, cancel := m.bound(ctx)
	defer cancel()
	ctx, span := tracer.Start(ctx, "engine.Create", trace.WithAttributes(
		attribute.String("ticket.type", string(ticketType)),
		attribute.String("clinic.code", clinicCode),
	))
	defer func() { endSpan(span, err) }()

	day := m.days.Today()
	schedule, ok, err := m.matcher.ResolveToday(ctx, store.ClinicScope(clinicCode), day)
	if err != nil {
		return models.Ticket{}, err
	}
	if !ok || !schedule.IsActive {
		return models.Ticket{}, fmt.Errorf("%w: clinic %s on %s", ErrNoActiveSchedule, clinicCode, day)
	}

	seq, err := m.allocator.Allocate(ctx, ticketType, day, clinicCode)
	if err != nil {
		m.logger.Error("sequence allocation failed",
			zap.String("clinic_code", clinicCode),
			zap.String("ticket_type", string(ticketType)),
			zap.Error(err),
		)
		return models.Ticket{}, err
	}

	now := m.days.Now()
	ticket = models.Ticket{
		TicketID:        uuid.NewString(),
		TicketType:      ticketType,
		SequenceNumber:  seq,
		FormattedNumber: models.FormatTicketNumber(ticketType, seq),
		ClinicCode:      clinicCode,
		ClinicID:        schedule.ClinicID,
		ScheduleID:      schedule.ScheduleID,
		PhysicianID:     schedule.PhysicianID,
		BusinessDay:     day,
		Status:          models.StatusWaiting,
		CreatedAt:       now,
	}
	// From here on the number is consumed whatever happens to the insert.
	created, err := m.tickets.InsertTicket(ctx, ticket, store.EventInput{Type: store.EventTicketCreated, OccurredAt: now})
	if err != nil {
		m.logger.Error("ticket persist failed, number consumed",
			zap.String("formatted_number", ticket.FormattedNumber),
			zap.String("clinic_code", clinicCode),
			zap.Error(err),
		)
		return models.Ticket{}, classify(ctx, ErrStoreUnavailable, "insert ticket", err)
	}

	span.SetAttributes(attribute.String("ticket.id", created.TicketID), attribute.String("ticket.number", created.FormattedNumber))
	m.logger.Info("ticket created",
		zap.String("ticket_id", created.TicketID),
		zap.String("formatted_number", created.FormattedNumber),
		zap.String("clinic_code", clinicCode),
		zap.String("schedule_id", created.ScheduleID),
		zap.String("business_day", day.String()),
	)
	return created, nil
}

// Transition moves a ticket to its immediate successor status. Asking for the
// status the ticket already has returns it unchanged.
func (m *Manager) Transition(ctx context.Context, ticketID string, to models.Status, counterID string) (ticket models.Ticket, err error) {
	ticketID = strings.TrimSpace(ticketID)
	if ticketID == "" {
		return models.Ticket{}, ErrInvalidRequest
	}

	ctx, cancel := m.bound(ctx)
	defer cancel()
	ctx, span := tracer.Start(ctx, "engine.Transition", trace.WithAttributes(
		attribute.String("ticket.id", ticketID),
		attribute.String("ticket.to_status", string(to)),
	))
	defer func() { endSpan(span, err) }()

	current, err := m.load(ctx, ticketID)
	if err != nil {
		return models.Ticket{}, err
	}
	if current.Status == to {
		return current, nil
	}
	if !store.ValidTransition(current.Status, to) {
		return models.Ticket{}, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, current.Status, to)
	}

	next := advance(current, to, counterID, m.days.Now())
	updated, err := m.tickets.UpdateTicket(ctx, next, current.Version, store.EventInput{
		Type:       store.EventTypeFor(to),
		CounterID:  counterID,
		OccurredAt: stampFor(next, to),
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrTicketNotFound):
			return models.Ticket{}, fmt.Errorf("%w: ticket %s", ErrNotFound, ticketID)
		case errors.Is(err, store.ErrVersionConflict):
			// Someone else wrote first. Their write either reached the same
			// status (a duplicate click) or moved the ticket elsewhere.
			latest, loadErr := m.load(ctx, ticketID)
			if loadErr != nil {
				return models.Ticket{}, loadErr
			}
			if latest.Status == to {
				return latest, nil
			}
			return models.Ticket{}, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, latest.Status, to)
		default:
			m.logger.Error("ticket transition failed", zap.String("ticket_id", ticketID), zap.Error(err))
			return models.Ticket{}, classify(ctx, ErrStoreUnavailable, "update ticket", err)
		}
	}

	m.logger.Info("ticket transitioned",
		zap.String("ticket_id", updated.TicketID),
		zap.String("formatted_number", updated.FormattedNumber),
		zap.String("from", string(current.Status)),
		zap.String("to", string(to)),
		zap.String("counter_id", counterID),
	)
	return updated, nil
}

func (m *Manager) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	ctx, cancel := m.bound(ctx)
	defer cancel()
	return m.load(ctx, ticketID)
}

// TicketEvents returns the verified audit chain of a ticket. The chain must
// hash correctly and replay to the ticket as it is stored now.
func (m *Manager) TicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	ctx, cancel := m.bound(ctx)
	defer cancel()
	current, err := m.load(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	events, err := m.tickets.ListTicketEvents(ctx, ticketID)
	if err != nil {
		if errors.Is(err, store.ErrTicketNotFound) {
			return nil, fmt.Errorf("%w: ticket %s", ErrNotFound, ticketID)
		}
		return nil, classify(ctx, ErrStoreUnavailable, "list ticket events", err)
	}
	if err := store.VerifyChain(events); err != nil {
		m.logger.Error("ticket event chain invalid", zap.String("ticket_id", ticketID), zap.Error(err))
		return nil, err
	}
	replayed, err := store.RehydrateTicket(events)
	if err != nil {
		return nil, fmt.Errorf("%w: replay: %w", store.ErrBrokenChain, err)
	}
	if replayed.Status != current.Status || replayed.Version != current.Version {
		m.logger.Error("ticket event chain out of step",
			zap.String("ticket_id", ticketID),
			zap.String("stored_status", string(current.Status)),
			zap.String("replayed_status", string(replayed.Status)),
			zap.Int64("stored_version", current.Version),
			zap.Int64("replayed_version", replayed.Version),
		)
		return nil, fmt.Errorf("%w: history ends at version %d, ticket is at %d", store.ErrBrokenChain, replayed.Version, current.Version)
	}
	return events, nil
}

func (m *Manager) load(ctx context.Context, ticketID string) (models.Ticket, error) {
	ticket, err := m.tickets.GetTicket(ctx, ticketID)
	if err != nil {
		if errors.Is(err, store.ErrTicketNotFound) {
			return models.Ticket{}, fmt.Errorf("%w: ticket %s", ErrNotFound, ticketID)
		}
		return models.Ticket{}, classify(ctx, ErrStoreUnavailable, "get ticket", err)
	}
	return ticket, nil
}

func (m *Manager) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.timeout)
}

// advance stamps the timestamp owned by to. Stamps never go backwards relative
// to the previous one, even if the clock does.
func advance(ticket models.Ticket, to models.Status, counterID string, now time.Time) models.Ticket {
	next := ticket
	next.Status = to
	switch to {
	case models.StatusCalled:
		at := notBefore(now, ticket.CreatedAt)
		next.CalledAt = &at
		if counterID != "" {
			counter := counterID
			next.CounterID = &counter
		}
	case models.StatusInProgress:
		at := notBefore(now, derefTime(ticket.CalledAt))
		next.VisitStartedAt = &at
	case models.StatusCompleted:
		at := notBefore(now, derefTime(ticket.VisitStartedAt))
		next.CompletedAt = &at
	}
	return next
}

func stampFor(ticket models.Ticket, status models.Status) time.Time {
	switch status {
	case models.StatusCalled:
		return derefTime(ticket.CalledAt)
	case models.StatusInProgress:
		return derefTime(ticket.VisitStartedAt)
	case models.StatusCompleted:
		return derefTime(ticket.CompletedAt)
	}
	return ticket.CreatedAt
}

func notBefore(t, floor time.Time) time.Time {
	if t.Before(floor) {
		return floor
	}
	return t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
