package engine

import (
	"context"
	"time"

	"clinicq/internal/clock"
	"clinicq/internal/models"
	"clinicq/internal/store"

	"go.uber.org/zap"
)

type Options struct {
	Timeout   time.Duration
	CacheSize int
	Days      *clock.DayKeyer
	Logger    *zap.Logger
}

// Engine bundles the allocator, matcher, lifecycle manager and queue view
// behind the operations the transport layer exposes.
type Engine struct {
	allocator *Allocator
	matcher   *Matcher
	manager   *Manager
	views     *ViewBuilder
	days      *clock.DayKeyer
	timeout   time.Duration
}

func New(st store.Store, opts Options) (*Engine, error) {
	days := opts.Days
	if days == nil {
		days = clock.NewDayKeyer(clock.System{}, time.UTC)
	}
	views, err := NewViewBuilder(st, opts.CacheSize, opts.Timeout)
	if err != nil {
		return nil, err
	}
	allocator := NewAllocator(st)
	matcher := NewMatcher(st)
	return &Engine{
		allocator: allocator,
		matcher:   matcher,
		manager:   NewManager(st, allocator, matcher, days, opts.Timeout, opts.Logger),
		views:     views,
		days:      days,
		timeout:   opts.Timeout,
	}, nil
}

func (e *Engine) Today() models.Day {
	return e.days.Today()
}

func (e *Engine) Create(ctx context.Context, ticketType models.TicketType, clinicCode string) (models.Ticket, error) {
	return e.manager.Create(ctx, ticketType, clinicCode)
}

func (e *Engine) Transition(ctx context.Context, ticketID string, to models.Status, counterID string) (models.Ticket, error) {
	return e.manager.Transition(ctx, ticketID, to, counterID)
}

func (e *Engine) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	return e.manager.GetTicket(ctx, ticketID)
}

func (e *Engine) TicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	return e.manager.TicketEvents(ctx, ticketID)
}

func (e *Engine) ResolveToday(ctx context.Context, scope store.Scope, day models.Day) (models.PhysicianSchedule, bool, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()
	return e.matcher.ResolveToday(ctx, scope, day)
}

func (e *Engine) CurrentlyServing(ctx context.Context, scope store.Scope, day models.Day) (models.Ticket, bool, error) {
	return e.views.CurrentlyServing(ctx, scope, day)
}

func (e *Engine) ListTickets(ctx context.Context, scope store.Scope, day models.Day, status models.Status) ([]models.Ticket, error) {
	return e.views.ListTickets(ctx, scope, day, status)
}

// IssuedCount reports how many numbers were handed out for the key.
func (e *Engine) IssuedCount(ctx context.Context, ticketType models.TicketType, day models.Day, clinicCode string) (int64, error) {
	return e.allocator.Peek(ctx, ticketType, day, clinicCode)
}

func (e *Engine) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}
