package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"clinicq/internal/models"
	"clinicq/internal/store"

	"github.com/google/uuid"
)

// Store keeps the whole queue in process memory. Counters are lock-free
// atomics; tickets, revisions, events and the outbox share one mutex so a
// ticket write and its side records become visible together.
type Store struct {
	counters sync.Map // store.SequenceKey -> *atomic.Int64

	mu        sync.RWMutex
	tickets   map[string]models.Ticket
	events    map[string][]store.TicketEvent
	revisions map[string]int64
	outbox    []store.OutboxEvent
	offsets   map[string]store.OutboxOffset
	schedules []models.PhysicianSchedule
}

func NewStore() *Store {
	return &Store{
		tickets:   make(map[string]models.Ticket),
		events:    make(map[string][]store.TicketEvent),
		revisions: make(map[string]int64),
		offsets:   make(map[string]store.OutboxOffset),
	}
}

func (s *Store) PutSchedule(schedule models.PhysicianSchedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.schedules {
		if s.schedules[i].ScheduleID == schedule.ScheduleID {
			s.schedules[i] = schedule
			return
		}
	}
	s.schedules = append(s.schedules, schedule)
}

// LoadSchedules reads a JSON array of schedules from path.
func (s *Store) LoadSchedules(path string) (int, error) {
	schedules, err := store.ReadScheduleFile(path)
	if err != nil {
		return 0, err
	}
	for _, schedule := range schedules {
		s.PutSchedule(schedule)
	}
	return len(schedules), nil
}

func (s *Store) Increment(ctx context.Context, key store.SequenceKey) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	value, _ := s.counters.LoadOrStore(key, new(atomic.Int64))
	return value.(*atomic.Int64).Add(1), nil
}

func (s *Store) Current(ctx context.Context, key store.SequenceKey) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	value, ok := s.counters.Load(key)
	if !ok {
		return 0, nil
	}
	return value.(*atomic.Int64).Load(), nil
}

func (s *Store) ListSchedules(ctx context.Context, filter store.ScheduleFilter) ([]models.PhysicianSchedule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.PhysicianSchedule
	for _, schedule := range s.schedules {
		if schedule.BusinessDay != filter.Day {
			continue
		}
		if filter.Scope.Valid() && !filter.Scope.Matches(schedule.ClinicCode, schedule.PhysicianID) {
			continue
		}
		out = append(out, schedule)
	}
	return out, nil
}

func (s *Store) InsertTicket(ctx context.Context, ticket models.Ticket, event store.EventInput) (models.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return models.Ticket{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tickets[ticket.TicketID]; exists {
		return models.Ticket{}, store.ErrDuplicateTicket
	}
	ticket.Version = 1
	if err := s.recordLocked(ticket, event); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return models.Ticket{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ticket, ok := s.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return ticket, nil
}

func (s *Store) UpdateTicket(ctx context.Context, ticket models.Ticket, expectedVersion int64, event store.EventInput) (models.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return models.Ticket{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.tickets[ticket.TicketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	if current.Version != expectedVersion {
		return models.Ticket{}, store.ErrVersionConflict
	}
	ticket.Version = expectedVersion + 1
	if err := s.recordLocked(ticket, event); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) recordLocked(ticket models.Ticket, input store.EventInput) error {
	events := s.events[ticket.TicketID]
	var prev *store.TicketEvent
	if len(events) > 0 {
		prev = &events[len(events)-1]
	}
	event, err := store.NextTicketEvent(prev, ticket, input)
	if err != nil {
		return err
	}

	s.tickets[ticket.TicketID] = ticket
	s.events[ticket.TicketID] = append(events, event)
	s.revisions[revisionKey(store.ClinicScope(ticket.ClinicCode), ticket.BusinessDay)]++
	if ticket.PhysicianID != "" {
		s.revisions[revisionKey(store.PhysicianScope(ticket.PhysicianID), ticket.BusinessDay)]++
	}
	s.outbox = append(s.outbox, store.OutboxEvent{
		Seq:         int64(len(s.outbox) + 1),
		EventID:     uuid.NewString(),
		Type:        input.Type,
		ClinicCode:  ticket.ClinicCode,
		PhysicianID: ticket.PhysicianID,
		BusinessDay: ticket.BusinessDay,
		Payload:     event.Payload,
		CreatedAt:   event.CreatedAt,
	})
	return nil
}

func (s *Store) ListTickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Ticket
	for _, ticket := range s.tickets {
		if ticket.BusinessDay != filter.Day {
			continue
		}
		if !filter.Scope.Matches(ticket.ClinicCode, ticket.PhysicianID) {
			continue
		}
		if filter.Status != "" && ticket.Status != filter.Status {
			continue
		}
		out = append(out, ticket)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].SequenceNumber < out[j].SequenceNumber
	})
	return out, nil
}

func (s *Store) QueueRevision(ctx context.Context, scope store.Scope, day models.Day) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revisions[revisionKey(scope, day)], nil
}

func (s *Store) ListTicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	events, ok := s.events[ticketID]
	if !ok {
		return nil, store.ErrTicketNotFound
	}
	return append([]store.TicketEvent(nil), events...), nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, offset store.OutboxOffset, limit int) ([]store.OutboxEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := int(offset.LastSeq)
	if start >= len(s.outbox) {
		return nil, nil
	}
	end := start + limit
	if end > len(s.outbox) {
		end = len(s.outbox)
	}
	return append([]store.OutboxEvent(nil), s.outbox[start:end]...), nil
}

func (s *Store) LatestOutboxSeq(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.outbox)), nil
}

func (s *Store) GetOffset(ctx context.Context, consumer string) (store.OutboxOffset, error) {
	if err := ctx.Err(); err != nil {
		return store.OutboxOffset{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offsets[consumer], nil
}

func (s *Store) UpdateOffset(ctx context.Context, consumer string, offset store.OutboxOffset) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offsets[consumer] = offset
	return nil
}

func revisionKey(scope store.Scope, day models.Day) string {
	return scope.Key() + "|" + day.String()
}

var _ store.Store = (*Store)(nil)
