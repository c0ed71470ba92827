package engine

import (
	"context"
	"time"

	"clinicq/internal/models"
	"clinicq/internal/store"

	lru "github.com/hashicorp/golang-lru/v2"
)

type servingEntry struct {
	revision int64
	ticket   models.Ticket
	found    bool
}

// ViewBuilder answers the high-frequency "who is being served" reads. The
// optional cache is keyed by scope and day and every hit is checked against
// the store's queue revision first, so it can save the ticket scan but can
// never return a result older than the last committed write.
type ViewBuilder struct {
	tickets store.TicketStore
	cache   *lru.Cache[string, servingEntry]
	timeout time.Duration
}

func NewViewBuilder(tickets store.TicketStore, cacheSize int, timeout time.Duration) (*ViewBuilder, error) {
	vb := &ViewBuilder{tickets: tickets, timeout: timeout}
	if cacheSize > 0 {
		cache, err := lru.New[string, servingEntry](cacheSize)
		if err != nil {
			return nil, err
		}
		vb.cache = cache
	}
	return vb, nil
}

// CurrentlyServing returns the in_progress ticket with the latest
// visitStartedAt for scope on day; ok is false when nobody is being served.
func (v *ViewBuilder) CurrentlyServing(ctx context.Context, scope store.Scope, day models.Day) (models.Ticket, bool, error) {
	if !scope.Valid() || day == "" {
		return models.Ticket{}, false, ErrInvalidRequest
	}
	ctx, cancel := v.bound(ctx)
	defer cancel()

	key := scope.Key() + "|" + day.String()
	// The revision is read before the scan: a write landing in between makes
	// the next call miss, it can never make this entry look fresher than it is.
	revision, err := v.tickets.QueueRevision(ctx, scope, day)
	if err != nil {
		return models.Ticket{}, false, classify(ctx, ErrStoreUnavailable, "queue revision", err)
	}
	if v.cache != nil {
		if entry, hit := v.cache.Get(key); hit && entry.revision == revision {
			return entry.ticket, entry.found, nil
		}
	}

	inProgress, err := v.tickets.ListTickets(ctx, store.TicketFilter{Scope: scope, Day: day, Status: models.StatusInProgress})
	if err != nil {
		return models.Ticket{}, false, classify(ctx, ErrStoreUnavailable, "list tickets", err)
	}
	ticket, found := LatestServing(inProgress)
	if v.cache != nil {
		v.cache.Add(key, servingEntry{revision: revision, ticket: ticket, found: found})
	}
	return ticket, found, nil
}

// ListTickets returns the queue for scope on day in issue order, optionally
// restricted to one status.
func (v *ViewBuilder) ListTickets(ctx context.Context, scope store.Scope, day models.Day, status models.Status) ([]models.Ticket, error) {
	if !scope.Valid() || day == "" {
		return nil, ErrInvalidRequest
	}
	ctx, cancel := v.bound(ctx)
	defer cancel()
	tickets, err := v.tickets.ListTickets(ctx, store.TicketFilter{Scope: scope, Day: day, Status: status})
	if err != nil {
		return nil, classify(ctx, ErrStoreUnavailable, "list tickets", err)
	}
	return tickets, nil
}

func (v *ViewBuilder) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if v.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, v.timeout)
}

// LatestServing picks the in_progress ticket with the latest visitStartedAt,
// then calledAt, then createdAt, then the highest sequence number.
func LatestServing(tickets []models.Ticket) (models.Ticket, bool) {
	var best models.Ticket
	found := false
	for _, ticket := range tickets {
		if ticket.Status != models.StatusInProgress {
			continue
		}
		if !found || servedLater(ticket, best) {
			best = ticket
			found = true
		}
	}
	return best, found
}

func servedLater(a, b models.Ticket) bool {
	if at, bt := derefTime(a.VisitStartedAt), derefTime(b.VisitStartedAt); !at.Equal(bt) {
		return at.After(bt)
	}
	if at, bt := derefTime(a.CalledAt), derefTime(b.CalledAt); !at.Equal(bt) {
		return at.After(bt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.SequenceNumber > b.SequenceNumber
}
