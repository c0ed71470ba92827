package engine

import (
	"context"
	"errors"

	"clinicq/internal/models"
	"clinicq/internal/store"
)

// Allocator hands out gapless ticket numbers per (type, day, clinic). All
// atomicity lives in the store's Increment; the allocator never reads a
// maximum and writes it back.
type Allocator struct {
	counters store.CounterStore
}

func NewAllocator(counters store.CounterStore) *Allocator {
	return &Allocator{counters: counters}
}

func (a *Allocator) Allocate(ctx context.Context, ticketType models.TicketType, day models.Day, clinicCode string) (int64, error) {
	if !ticketType.Valid() || clinicCode == "" || day == "" {
		return 0, ErrInvalidRequest
	}
	key := store.SequenceKey{TicketType: ticketType, Day: day, ClinicCode: clinicCode}
	next, err := a.counters.Increment(ctx, key)
	if err != nil {
		return 0, classify(ctx, ErrSequenceUnavailable, "allocate "+key.String(), err)
	}
	if next <= 0 {
		return 0, classify(ctx, ErrSequenceUnavailable, "allocate "+key.String(), errors.New("counter returned non-positive value"))
	}
	return next, nil
}

// Peek reports the last number issued for the key without consuming one.
func (a *Allocator) Peek(ctx context.Context, ticketType models.TicketType, day models.Day, clinicCode string) (int64, error) {
	current, err := a.counters.Current(ctx, store.SequenceKey{TicketType: ticketType, Day: day, ClinicCode: clinicCode})
	if err != nil {
		return 0, classify(ctx, ErrSequenceUnavailable, "peek", err)
	}
	return current, nil
}
