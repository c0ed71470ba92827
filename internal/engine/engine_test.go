package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"clinicq/internal/clock"
	"clinicq/internal/models"
	"clinicq/internal/store"
	"clinicq/internal/store/memory"
)

const testDay models.Day = "2026-03-09"

var wib = time.FixedZone("WIB", 7*3600)

type faultyStore struct {
	*memory.Store
	incrementErr   error
	blockIncrement bool
	blockUpdate    bool
	dropLastEvent  bool
	insertFailures atomic.Int32
	listCalls      atomic.Int32
}

func (f *faultyStore) Increment(ctx context.Context, key store.SequenceKey) (int64, error) {
	if f.blockIncrement {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	if f.incrementErr != nil {
		return 0, f.incrementErr
	}
	return f.Store.Increment(ctx, key)
}

func (f *faultyStore) InsertTicket(ctx context.Context, ticket models.Ticket, event store.EventInput) (models.Ticket, error) {
	if f.insertFailures.Load() > 0 {
		f.insertFailures.Add(-1)
		return models.Ticket{}, errors.New("disk full")
	}
	return f.Store.InsertTicket(ctx, ticket, event)
}

func (f *faultyStore) UpdateTicket(ctx context.Context, ticket models.Ticket, expectedVersion int64, event store.EventInput) (models.Ticket, error) {
	if f.blockUpdate {
		<-ctx.Done()
		return models.Ticket{}, ctx.Err()
	}
	return f.Store.UpdateTicket(ctx, ticket, expectedVersion, event)
}

func (f *faultyStore) ListTicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	events, err := f.Store.ListTicketEvents(ctx, ticketID)
	if err != nil || !f.dropLastEvent || len(events) == 0 {
		return events, err
	}
	return events[:len(events)-1], nil
}

func (f *faultyStore) ListTickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
	f.listCalls.Add(1)
	return f.Store.ListTickets(ctx, filter)
}

func newFaultyStore() *faultyStore {
	st := &faultyStore{Store: memory.NewStore()}
	st.PutSchedule(activeSchedule("sched-c001", "doc-1", "C001", 8))
	return st
}

func activeSchedule(id, physicianID, clinicCode string, hour int) models.PhysicianSchedule {
	return models.PhysicianSchedule{
		ScheduleID:     id,
		PhysicianID:    physicianID,
		PhysicianName:  "Dr. " + physicianID,
		ClinicCode:     clinicCode,
		ClinicTimeFrom: models.NewTimeOfDay(hour, 0),
		ClinicTimeTo:   models.NewTimeOfDay(hour+4, 0),
		BusinessDay:    testDay,
		IsActive:       true,
	}
}

func newTestEngine(t *testing.T, st store.Store, cacheSize int, timeout time.Duration) (*Engine, *clock.Fixed) {
	t.Helper()
	fixed := clock.NewFixed(time.Date(2026, 3, 9, 1, 0, 0, 0, time.UTC))
	eng, err := New(st, Options{
		Timeout:   timeout,
		CacheSize: cacheSize,
		Days:      clock.NewDayKeyer(fixed, wib),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return eng, fixed
}

func TestCreateConcurrentNumbersAreContiguous(t *testing.T) {
	eng, _ := newTestEngine(t, newFaultyStore(), 0, time.Second)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	results := make(chan models.Ticket, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, err := eng.Create(ctx, models.TicketExamination, "C001")
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			results <- ticket
		}()
	}
	wg.Wait()
	close(results)

	var numbers []int
	formatted := make(map[string]bool)
	for ticket := range results {
		numbers = append(numbers, int(ticket.SequenceNumber))
		formatted[ticket.FormattedNumber] = true
	}
	sort.Ints(numbers)
	if len(numbers) != n || len(formatted) != n {
		t.Fatalf("expected %d distinct tickets, got %d numbers / %d formatted", n, len(numbers), len(formatted))
	}
	for i, number := range numbers {
		if number != i+1 {
			t.Fatalf("expected 1..%d, position %d holds %d", n, i, number)
		}
	}

	other, err := eng.Create(ctx, models.TicketConsultation, "C001")
	if err != nil {
		t.Fatalf("create consultation: %v", err)
	}
	if other.FormattedNumber != "C001" {
		t.Fatalf("expected independent consultation counter, got %s", other.FormattedNumber)
	}
}

func TestEndToEndLifecycle(t *testing.T) {
	eng, fixed := newTestEngine(t, newFaultyStore(), 16, time.Second)
	ctx := context.Background()
	scope := store.ClinicScope("C001")

	ticket, err := eng.Create(ctx, models.TicketExamination, "C001")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ticket.FormattedNumber != "E001" || ticket.Status != models.StatusWaiting {
		t.Fatalf("unexpected ticket %+v", ticket)
	}
	if ticket.ScheduleID != "sched-c001" || ticket.PhysicianID != "doc-1" || ticket.BusinessDay != testDay {
		t.Fatalf("expected ticket bound to today's schedule, got %+v", ticket)
	}

	fixed.Advance(time.Minute)
	called, err := eng.Transition(ctx, ticket.TicketID, models.StatusCalled, "counter-1")
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if called.Status != models.StatusCalled || called.CalledAt == nil {
		t.Fatalf("expected called ticket with calledAt, got %+v", called)
	}
	if called.CounterID == nil || *called.CounterID != "counter-1" {
		t.Fatalf("expected counter recorded, got %v", called.CounterID)
	}

	fixed.Advance(time.Minute)
	started, err := eng.Transition(ctx, ticket.TicketID, models.StatusInProgress, "counter-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Status != models.StatusInProgress || started.VisitStartedAt == nil {
		t.Fatalf("unexpected started ticket %+v", started)
	}

	serving, ok, err := eng.CurrentlyServing(ctx, scope, testDay)
	if err != nil {
		t.Fatalf("serving: %v", err)
	}
	if !ok || serving.TicketID != ticket.TicketID {
		t.Fatalf("expected ticket to be served, got ok=%v %+v", ok, serving)
	}

	fixed.Advance(time.Minute)
	completed, err := eng.Transition(ctx, ticket.TicketID, models.StatusCompleted, "counter-1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completed.CompletedAt == nil || completed.CompletedAt.Before(*completed.VisitStartedAt) {
		t.Fatalf("expected ordered timestamps, got %+v", completed)
	}

	if _, ok, err := eng.CurrentlyServing(ctx, scope, testDay); err != nil || ok {
		t.Fatalf("expected nobody served after completion, ok=%v err=%v", ok, err)
	}

	events, err := eng.TicketEvents(ctx, ticket.TicketID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 4 || events[3].Type != store.EventTicketCompleted {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestTransitionOutOfOrderLeavesTicketUnchanged(t *testing.T) {
	eng, _ := newTestEngine(t, newFaultyStore(), 0, time.Second)
	ctx := context.Background()

	ticket, err := eng.Create(ctx, models.TicketProcedure, "C001")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	cases := []models.Status{models.StatusInProgress, models.StatusCompleted}
	for _, to := range cases {
		if _, err := eng.Transition(ctx, ticket.TicketID, to, "counter-1"); !errors.Is(err, ErrIllegalTransition) {
			t.Fatalf("waiting -> %s: expected illegal transition, got %v", to, err)
		}
	}

	after, err := eng.GetTicket(ctx, ticket.TicketID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.Status != models.StatusWaiting || after.CalledAt != nil || after.VisitStartedAt != nil || after.Version != ticket.Version {
		t.Fatalf("expected untouched ticket, got %+v", after)
	}

	if _, err := eng.Transition(ctx, ticket.TicketID, models.StatusCalled, ""); err != nil {
		t.Fatalf("call: %v", err)
	}
	if _, err := eng.Transition(ctx, ticket.TicketID, models.StatusWaiting, ""); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected backwards transition rejected, got %v", err)
	}
	if _, err := eng.Transition(ctx, "missing", models.StatusCalled, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTransitionIsIdempotent(t *testing.T) {
	eng, fixed := newTestEngine(t, newFaultyStore(), 0, time.Second)
	ctx := context.Background()

	ticket, err := eng.Create(ctx, models.TicketExamination, "C001")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	first, err := eng.Transition(ctx, ticket.TicketID, models.StatusCalled, "counter-1")
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	fixed.Advance(5 * time.Minute)
	second, err := eng.Transition(ctx, ticket.TicketID, models.StatusCalled, "counter-2")
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if !second.CalledAt.Equal(*first.CalledAt) || second.Version != first.Version || *second.CounterID != "counter-1" {
		t.Fatalf("expected unchanged ticket, first=%+v second=%+v", first, second)
	}
}

func TestConcurrentTransitionsHaveOneWriter(t *testing.T) {
	st := newFaultyStore()
	eng, _ := newTestEngine(t, st, 0, time.Second)
	ctx := context.Background()

	ticket, err := eng.Create(ctx, models.TicketExamination, "C001")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := eng.Transition(ctx, ticket.TicketID, models.StatusCalled, "counter-1"); err != nil {
				t.Errorf("transition: %v", err)
			}
		}()
	}
	wg.Wait()

	events, err := st.ListTicketEvents(ctx, ticket.TicketID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected exactly one called event, got %d events", len(events))
	}
}

func TestCurrentlyServingPicksLatestStart(t *testing.T) {
	eng, fixed := newTestEngine(t, newFaultyStore(), 0, time.Second)
	ctx := context.Background()
	scope := store.ClinicScope("C001")

	if _, ok, err := eng.CurrentlyServing(ctx, scope, testDay); err != nil || ok {
		t.Fatalf("expected nobody served, ok=%v err=%v", ok, err)
	}

	var ids []string
	for i := 0; i < 3; i++ {
		ticket, err := eng.Create(ctx, models.TicketExamination, "C001")
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, ticket.TicketID)
	}
	for _, id := range ids[:2] {
		fixed.Advance(time.Minute)
		if _, err := eng.Transition(ctx, id, models.StatusCalled, "counter-1"); err != nil {
			t.Fatalf("call: %v", err)
		}
	}
	// Start the second ticket before the first so start order differs from
	// issue order.
	for _, id := range []string{ids[1], ids[0]} {
		fixed.Advance(time.Minute)
		if _, err := eng.Transition(ctx, id, models.StatusInProgress, "counter-1"); err != nil {
			t.Fatalf("start: %v", err)
		}
	}

	serving, ok, err := eng.CurrentlyServing(ctx, scope, testDay)
	if err != nil || !ok {
		t.Fatalf("expected a served ticket, ok=%v err=%v", ok, err)
	}
	if serving.TicketID != ids[0] {
		t.Fatalf("expected most recently started ticket %s, got %s", ids[0], serving.TicketID)
	}

	byPhysician, ok, err := eng.CurrentlyServing(ctx, store.PhysicianScope("doc-1"), testDay)
	if err != nil || !ok || byPhysician.TicketID != ids[0] {
		t.Fatalf("expected physician scope to agree, ok=%v err=%v ticket=%+v", ok, err, byPhysician)
	}
	if _, _, err := eng.CurrentlyServing(ctx, store.Scope{}, testDay); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid scope rejected, got %v", err)
	}
}

func TestLatestServingTieBreaks(t *testing.T) {
	base := time.Date(2026, 3, 9, 1, 0, 0, 0, time.UTC)
	at := func(minutes int) *time.Time {
		value := base.Add(time.Duration(minutes) * time.Minute)
		return &value
	}
	tickets := []models.Ticket{
		{TicketID: "a", Status: models.StatusInProgress, VisitStartedAt: at(10), CalledAt: at(5), CreatedAt: base},
		{TicketID: "b", Status: models.StatusInProgress, VisitStartedAt: at(10), CalledAt: at(6), CreatedAt: base},
		{TicketID: "c", Status: models.StatusCompleted, VisitStartedAt: at(30), CalledAt: at(20), CreatedAt: base},
	}
	got, ok := LatestServing(tickets)
	if !ok || got.TicketID != "b" {
		t.Fatalf("expected b by later calledAt, got %+v", got)
	}

	tickets[1].CalledAt = at(5)
	tickets[1].CreatedAt = base.Add(time.Second)
	if got, _ := LatestServing(tickets); got.TicketID != "b" {
		t.Fatalf("expected b by later createdAt, got %s", got.TicketID)
	}
	if _, ok := LatestServing(tickets[2:]); ok {
		t.Fatalf("expected completed tickets ignored")
	}
}

func TestCurrentlyServingRevalidatesCache(t *testing.T) {
	st := newFaultyStore()
	eng, fixed := newTestEngine(t, st, 8, time.Second)
	ctx := context.Background()
	scope := store.ClinicScope("C001")

	ticket, err := eng.Create(ctx, models.TicketExamination, "C001")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, to := range []models.Status{models.StatusCalled, models.StatusInProgress} {
		fixed.Advance(time.Minute)
		if _, err := eng.Transition(ctx, ticket.TicketID, to, "counter-1"); err != nil {
			t.Fatalf("transition %s: %v", to, err)
		}
	}

	for i := 0; i < 3; i++ {
		if _, ok, err := eng.CurrentlyServing(ctx, scope, testDay); err != nil || !ok {
			t.Fatalf("expected served ticket, ok=%v err=%v", ok, err)
		}
	}
	if calls := st.listCalls.Load(); calls != 1 {
		t.Fatalf("expected unchanged revision to reuse the scan, got %d scans", calls)
	}

	fixed.Advance(time.Minute)
	if _, err := eng.Transition(ctx, ticket.TicketID, models.StatusCompleted, "counter-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, ok, err := eng.CurrentlyServing(ctx, scope, testDay); err != nil || ok {
		t.Fatalf("expected completion to be visible immediately, ok=%v err=%v", ok, err)
	}
	if calls := st.listCalls.Load(); calls != 2 {
		t.Fatalf("expected a rescan after the write, got %d scans", calls)
	}
}

func TestResolveTodayTieBreak(t *testing.T) {
	st := memory.NewStore()
	st.PutSchedule(activeSchedule("s-nine", "doc-9", "C002", 9))
	st.PutSchedule(activeSchedule("s-eight", "doc-8", "C002", 8))
	inactive := activeSchedule("s-seven", "doc-7", "C002", 7)
	inactive.IsActive = false
	st.PutSchedule(inactive)
	eng, _ := newTestEngine(t, st, 0, time.Second)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		schedule, ok, err := eng.ResolveToday(ctx, store.ClinicScope("C002"), testDay)
		if err != nil || !ok {
			t.Fatalf("expected a schedule, ok=%v err=%v", ok, err)
		}
		if schedule.ScheduleID != "s-eight" {
			t.Fatalf("expected 08:00 schedule, got %s", schedule.ScheduleID)
		}
	}

	schedule, ok, err := eng.ResolveToday(ctx, store.PhysicianScope("doc-9"), testDay)
	if err != nil || !ok || schedule.ScheduleID != "s-nine" {
		t.Fatalf("expected physician lookup to find s-nine, ok=%v err=%v got=%+v", ok, err, schedule)
	}
	if _, ok, err := eng.ResolveToday(ctx, store.ClinicScope("C404"), testDay); err != nil || ok {
		t.Fatalf("expected absence reported without error, ok=%v err=%v", ok, err)
	}
	if _, ok, _ := eng.ResolveToday(ctx, store.ClinicScope("C002"), "2026-03-10"); ok {
		t.Fatalf("expected other day to have no schedule")
	}
}

func TestSelectScheduleFallsBackToInactive(t *testing.T) {
	inactive := activeSchedule("s-b", "doc-1", "C003", 10)
	inactive.IsActive = false
	sameTime := activeSchedule("s-a", "doc-2", "C003", 10)
	sameTime.IsActive = false

	got, ok := SelectSchedule([]models.PhysicianSchedule{inactive, sameTime}, store.ClinicScope("C003"), testDay)
	if !ok || got.ScheduleID != "s-a" {
		t.Fatalf("expected lowest schedule id as final tie-break, got %+v", got)
	}
}

func TestCreateWithoutActiveScheduleConsumesNoNumber(t *testing.T) {
	st := newFaultyStore()
	inactive := activeSchedule("sched-c005", "doc-5", "C005", 8)
	inactive.IsActive = false
	st.PutSchedule(inactive)
	eng, _ := newTestEngine(t, st, 0, time.Second)
	ctx := context.Background()

	for _, clinic := range []string{"C404", "C005"} {
		if _, err := eng.Create(ctx, models.TicketExamination, clinic); !errors.Is(err, ErrNoActiveSchedule) {
			t.Fatalf("%s: expected no active schedule, got %v", clinic, err)
		}
		issued, err := eng.IssuedCount(ctx, models.TicketExamination, testDay, clinic)
		if err != nil {
			t.Fatalf("issued count: %v", err)
		}
		if issued != 0 {
			t.Fatalf("%s: expected no number consumed, got %d", clinic, issued)
		}
	}

	inactive.IsActive = true
	st.PutSchedule(inactive)
	ticket, err := eng.Create(ctx, models.TicketExamination, "C005")
	if err != nil {
		t.Fatalf("create after activation: %v", err)
	}
	if ticket.FormattedNumber != "E001" {
		t.Fatalf("expected E001 without gap, got %s", ticket.FormattedNumber)
	}
}

func TestCreateSequenceUnavailable(t *testing.T) {
	st := newFaultyStore()
	st.incrementErr = store.ErrUnavailable
	eng, _ := newTestEngine(t, st, 0, time.Second)

	if _, err := eng.Create(context.Background(), models.TicketExamination, "C001"); !errors.Is(err, ErrSequenceUnavailable) {
		t.Fatalf("expected sequence unavailable, got %v", err)
	}
	tickets, _ := st.ListTickets(context.Background(), store.TicketFilter{Scope: store.ClinicScope("C001"), Day: testDay})
	if len(tickets) != 0 {
		t.Fatalf("expected no ticket persisted, got %d", len(tickets))
	}
}

func TestCreateTimeout(t *testing.T) {
	st := newFaultyStore()
	st.blockIncrement = true
	eng, _ := newTestEngine(t, st, 0, 20*time.Millisecond)

	start := time.Now()
	_, err := eng.Create(context.Background(), models.TicketExamination, "C001")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("expected create to give up promptly, took %s", elapsed)
	}
}

func TestTransitionTimeout(t *testing.T) {
	st := newFaultyStore()
	eng, _ := newTestEngine(t, st, 0, 20*time.Millisecond)
	ctx := context.Background()

	ticket, err := eng.Create(ctx, models.TicketExamination, "C001")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	st.blockUpdate = true

	start := time.Now()
	if _, err := eng.Transition(ctx, ticket.TicketID, models.StatusCalled, "counter-1"); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("expected transition to give up promptly, took %s", elapsed)
	}

	after, err := eng.GetTicket(ctx, ticket.TicketID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.Status != models.StatusWaiting || after.CalledAt != nil || after.Version != ticket.Version {
		t.Fatalf("expected ticket unchanged after timeout, got %+v", after)
	}
}

func TestTransitionTimestampsNeverGoBackwards(t *testing.T) {
	eng, fixed := newTestEngine(t, newFaultyStore(), 0, time.Second)
	ctx := context.Background()

	ticket, err := eng.Create(ctx, models.TicketConsultation, "C001")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	fixed.Advance(-10 * time.Minute)
	called, err := eng.Transition(ctx, ticket.TicketID, models.StatusCalled, "counter-3")
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !called.CalledAt.Equal(ticket.CreatedAt) {
		t.Fatalf("expected calledAt clamped to createdAt %s, got %s", ticket.CreatedAt, called.CalledAt)
	}

	fixed.Advance(-time.Hour)
	started, err := eng.Transition(ctx, ticket.TicketID, models.StatusInProgress, "counter-3")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.VisitStartedAt.Before(*started.CalledAt) {
		t.Fatalf("expected visitStartedAt >= calledAt, got %s < %s", started.VisitStartedAt, started.CalledAt)
	}

	fixed.Advance(2 * time.Hour)
	completed, err := eng.Transition(ctx, ticket.TicketID, models.StatusCompleted, "counter-3")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !completed.CompletedAt.After(*completed.VisitStartedAt) {
		t.Fatalf("expected completedAt to follow the recovered clock, got %s", completed.CompletedAt)
	}

	events, err := eng.TicketEvents(ctx, ticket.TicketID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	for i := 1; i < len(events); i++ {
		if events[i].CreatedAt.Before(events[i-1].CreatedAt) {
			t.Fatalf("event %d stamped before event %d", i+1, i)
		}
	}
}

func TestTicketEventsRejectsHistoryOutOfStep(t *testing.T) {
	st := newFaultyStore()
	eng, _ := newTestEngine(t, st, 0, time.Second)
	ctx := context.Background()

	ticket, err := eng.Create(ctx, models.TicketExamination, "C001")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := eng.Transition(ctx, ticket.TicketID, models.StatusCalled, "counter-1"); err != nil {
		t.Fatalf("call: %v", err)
	}

	st.dropLastEvent = true
	if _, err := eng.TicketEvents(ctx, ticket.TicketID); !errors.Is(err, store.ErrBrokenChain) {
		t.Fatalf("expected broken chain for a truncated history, got %v", err)
	}
	if _, err := eng.TicketEvents(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPersistFailureConsumesNumber(t *testing.T) {
	st := newFaultyStore()
	st.insertFailures.Store(1)
	eng, _ := newTestEngine(t, st, 0, time.Second)
	ctx := context.Background()

	if _, err := eng.Create(ctx, models.TicketLate, "C001"); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected store failure, got %v", err)
	}
	ticket, err := eng.Create(ctx, models.TicketLate, "C001")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ticket.FormattedNumber != "L002" {
		t.Fatalf("expected consumed number to leave a gap, got %s", ticket.FormattedNumber)
	}
}

func TestBoardListsSchedulesWithServing(t *testing.T) {
	st := newFaultyStore()
	st.PutSchedule(activeSchedule("sched-c002", "doc-2", "C002", 7))
	late := activeSchedule("sched-c003", "doc-3", "C003", 6)
	late.IsActive = false
	st.PutSchedule(late)
	eng, fixed := newTestEngine(t, st, 8, time.Second)
	ctx := context.Background()

	ticket, err := eng.Create(ctx, models.TicketExamination, "C001")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, to := range []models.Status{models.StatusCalled, models.StatusInProgress} {
		fixed.Advance(time.Minute)
		if _, err := eng.Transition(ctx, ticket.TicketID, to, "counter-1"); err != nil {
			t.Fatalf("transition: %v", err)
		}
	}

	board, err := eng.Board(ctx, testDay)
	if err != nil {
		t.Fatalf("board: %v", err)
	}
	if len(board) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(board))
	}
	order := []string{board[0].Schedule.ScheduleID, board[1].Schedule.ScheduleID, board[2].Schedule.ScheduleID}
	want := []string{"sched-c002", "sched-c001", "sched-c003"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
	if board[1].Serving == nil || board[1].Serving.TicketID != ticket.TicketID {
		t.Fatalf("expected C001 entry to carry serving ticket, got %+v", board[1].Serving)
	}
	if board[0].Serving != nil {
		t.Fatalf("expected C002 to serve nobody")
	}
}

func TestListTicketsByStatus(t *testing.T) {
	eng, _ := newTestEngine(t, newFaultyStore(), 0, time.Second)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		ticket, err := eng.Create(ctx, models.TicketExamination, "C001")
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, ticket.TicketID)
	}
	if _, err := eng.Transition(ctx, ids[0], models.StatusCalled, "counter-1"); err != nil {
		t.Fatalf("call: %v", err)
	}

	waiting, err := eng.ListTickets(ctx, store.ClinicScope("C001"), testDay, models.StatusWaiting)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(waiting) != 2 || waiting[0].FormattedNumber != "E002" || waiting[1].FormattedNumber != "E003" {
		t.Fatalf("unexpected waiting list %+v", waiting)
	}
	all, _ := eng.ListTickets(ctx, store.PhysicianScope("doc-1"), testDay, "")
	if len(all) != 3 {
		t.Fatalf("expected 3 tickets for physician, got %d", len(all))
	}
}
