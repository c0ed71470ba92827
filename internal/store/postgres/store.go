package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"clinicq/internal/models"
	"clinicq/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// outboxLockKey serializes outbox appends so seq order equals commit order.
const outboxLockKey = 734201

const ticketColumns = `ticket_id::text, ticket_type, sequence_number, formatted_number, clinic_code, clinic_id, schedule_id,
	physician_id, business_day::text, status, counter_id, created_at, called_at, visit_started_at, completed_at, version`

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Increment runs outside any ticket transaction: once returned, a number is
// consumed even if the ticket insert that follows fails.
func (s *Store) Increment(ctx context.Context, key store.SequenceKey) (int64, error) {
	var next int64
	row := s.pool.QueryRow(ctx, `
		INSERT INTO ticket_sequences (ticket_type, business_day, clinic_code, last_number)
		VALUES ($1, $2::date, $3, 1)
		ON CONFLICT (ticket_type, business_day, clinic_code)
		DO UPDATE SET last_number = ticket_sequences.last_number + 1
		RETURNING last_number
	`, string(key.TicketType), key.Day.String(), key.ClinicCode)
	if err := row.Scan(&next); err != nil {
		return 0, unavailable(err)
	}
	return next, nil
}

func (s *Store) Current(ctx context.Context, key store.SequenceKey) (int64, error) {
	var current int64
	row := s.pool.QueryRow(ctx, `
		SELECT last_number
		FROM ticket_sequences
		WHERE ticket_type = $1 AND business_day = $2::date AND clinic_code = $3
	`, string(key.TicketType), key.Day.String(), key.ClinicCode)
	if err := row.Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, unavailable(err)
	}
	return current, nil
}

func (s *Store) ListSchedules(ctx context.Context, filter store.ScheduleFilter) ([]models.PhysicianSchedule, error) {
	query := `
		SELECT schedule_id, physician_id, physician_name, speciality, degree, clinic_code, clinic_id, clinic_name,
			location, clinic_time_from, clinic_time_to, business_day::text, is_active
		FROM physician_schedules
		WHERE business_day = $1::date
	`
	args := []interface{}{filter.Day.String()}
	switch {
	case filter.Scope.ClinicCode != "":
		query += " AND clinic_code = $2"
		args = append(args, filter.Scope.ClinicCode)
	case filter.Scope.PhysicianID != "":
		query += " AND physician_id = $2"
		args = append(args, filter.Scope.PhysicianID)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var schedules []models.PhysicianSchedule
	for rows.Next() {
		var sched models.PhysicianSchedule
		var from, to int
		var day string
		if err := rows.Scan(&sched.ScheduleID, &sched.PhysicianID, &sched.PhysicianName, &sched.Speciality, &sched.Degree,
			&sched.ClinicCode, &sched.ClinicID, &sched.ClinicName, &sched.Location, &from, &to, &day, &sched.IsActive); err != nil {
			return nil, unavailable(err)
		}
		sched.ClinicTimeFrom = models.TimeOfDay(from)
		sched.ClinicTimeTo = models.TimeOfDay(to)
		sched.BusinessDay = models.Day(day)
		schedules = append(schedules, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return schedules, nil
}

// UpsertSchedule is used by the seed command and integration tests; schedule
// administration itself lives outside this service.
func (s *Store) UpsertSchedule(ctx context.Context, sched models.PhysicianSchedule) error {
	if sched.ScheduleID == "" {
		sched.ScheduleID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO physician_schedules (
			schedule_id, physician_id, physician_name, speciality, degree, clinic_code, clinic_id, clinic_name,
			location, clinic_time_from, clinic_time_to, business_day, is_active
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12::date,$13)
		ON CONFLICT (schedule_id) DO UPDATE SET
			physician_id = EXCLUDED.physician_id,
			physician_name = EXCLUDED.physician_name,
			speciality = EXCLUDED.speciality,
			degree = EXCLUDED.degree,
			clinic_code = EXCLUDED.clinic_code,
			clinic_id = EXCLUDED.clinic_id,
			clinic_name = EXCLUDED.clinic_name,
			location = EXCLUDED.location,
			clinic_time_from = EXCLUDED.clinic_time_from,
			clinic_time_to = EXCLUDED.clinic_time_to,
			business_day = EXCLUDED.business_day,
			is_active = EXCLUDED.is_active
	`, sched.ScheduleID, sched.PhysicianID, sched.PhysicianName, sched.Speciality, sched.Degree, sched.ClinicCode,
		sched.ClinicID, sched.ClinicName, sched.Location, int(sched.ClinicTimeFrom), int(sched.ClinicTimeTo),
		sched.BusinessDay.String(), sched.IsActive)
	return unavailable(err)
}

func (s *Store) InsertTicket(ctx context.Context, ticket models.Ticket, event store.EventInput) (models.Ticket, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, unavailable(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	ticket.Version = 1
	_, err = tx.Exec(ctx, `
		INSERT INTO tickets (
			ticket_id, ticket_type, sequence_number, formatted_number, clinic_code, clinic_id, schedule_id,
			physician_id, business_day, status, counter_id, created_at, version
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9::date,$10,$11,$12,$13)
	`, ticket.TicketID, string(ticket.TicketType), ticket.SequenceNumber, ticket.FormattedNumber, ticket.ClinicCode,
		ticket.ClinicID, ticket.ScheduleID, ticket.PhysicianID, ticket.BusinessDay.String(), string(ticket.Status),
		ticket.CounterID, ticket.CreatedAt, ticket.Version)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			err = store.ErrDuplicateTicket
		}
		return models.Ticket{}, unavailable(err)
	}

	if err = recordChange(ctx, tx, ticket, event); err != nil {
		return models.Ticket{}, unavailable(err)
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, unavailable(err)
	}
	return ticket, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	if _, err := uuid.Parse(ticketID); err != nil {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1`, ticketID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, unavailable(err)
	}
	return ticket, nil
}

func (s *Store) UpdateTicket(ctx context.Context, ticket models.Ticket, expectedVersion int64, event store.EventInput) (models.Ticket, error) {
	if _, err := uuid.Parse(ticket.TicketID); err != nil {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, unavailable(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	row := tx.QueryRow(ctx, `
		UPDATE tickets
		SET status = $1,
			counter_id = $2,
			called_at = $3,
			visit_started_at = $4,
			completed_at = $5,
			version = version + 1
		WHERE ticket_id = $6 AND version = $7
		RETURNING `+ticketColumns,
		string(ticket.Status), ticket.CounterID, ticket.CalledAt, ticket.VisitStartedAt, ticket.CompletedAt,
		ticket.TicketID, expectedVersion)
	updated, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err = tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tickets WHERE ticket_id = $1)`, ticket.TicketID).Scan(&exists); err != nil {
				return models.Ticket{}, unavailable(err)
			}
			if !exists {
				err = store.ErrTicketNotFound
				return models.Ticket{}, unavailable(err)
			}
			err = store.ErrVersionConflict
			return models.Ticket{}, unavailable(err)
		}
		return models.Ticket{}, unavailable(err)
	}

	if err = recordChange(ctx, tx, updated, event); err != nil {
		return models.Ticket{}, unavailable(err)
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, unavailable(err)
	}
	return updated, nil
}

func (s *Store) ListTickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE business_day = $1::date`
	args := []interface{}{filter.Day.String()}
	if filter.Scope.ClinicCode != "" {
		query += " AND clinic_code = $2"
		args = append(args, filter.Scope.ClinicCode)
	} else {
		query += " AND physician_id = $2"
		args = append(args, filter.Scope.PhysicianID)
	}
	if filter.Status != "" {
		query += " AND status = $3"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY created_at ASC, sequence_number ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, unavailable(err)
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return tickets, nil
}

func (s *Store) QueueRevision(ctx context.Context, scope store.Scope, day models.Day) (int64, error) {
	var revision int64
	row := s.pool.QueryRow(ctx, `
		SELECT revision FROM queue_revisions WHERE scope_key = $1 AND business_day = $2::date
	`, scope.Key(), day.String())
	if err := row.Scan(&revision); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, unavailable(err)
	}
	return revision, nil
}

func (s *Store) ListTicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	if _, err := uuid.Parse(ticketID); err != nil {
		return nil, store.ErrTicketNotFound
	}
	rows, err := s.pool.Query(ctx, `
		SELECT ticket_id::text, ticket_seq, type, counter_id, payload, created_at, prev_hash, hash
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq ASC
	`, ticketID)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var events []store.TicketEvent
	for rows.Next() {
		var event store.TicketEvent
		var payload string
		if err := rows.Scan(&event.TicketID, &event.TicketSeq, &event.Type, &event.CounterID, &payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, unavailable(err)
		}
		event.Payload = json.RawMessage(payload)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	if len(events) == 0 {
		return nil, store.ErrTicketNotFound
	}
	return events, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, offset store.OutboxOffset, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT seq, event_id::text, type, clinic_code, physician_id, business_day::text, payload_json, created_at
		FROM outbox_events
		WHERE seq > $1
		ORDER BY seq ASC
		LIMIT $2
	`, offset.LastSeq, limit)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		var day string
		if err := rows.Scan(&event.Seq, &event.EventID, &event.Type, &event.ClinicCode, &event.PhysicianID, &day, &event.Payload, &event.CreatedAt); err != nil {
			return nil, unavailable(err)
		}
		event.BusinessDay = models.Day(day)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return events, nil
}

// LatestOutboxSeq returns the highest committed outbox seq, 0 when empty.
func (s *Store) LatestOutboxSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM outbox_events`).Scan(&seq); err != nil {
		return 0, unavailable(err)
	}
	return seq, nil
}

func (s *Store) GetOffset(ctx context.Context, consumer string) (store.OutboxOffset, error) {
	var offset store.OutboxOffset
	row := s.pool.QueryRow(ctx, `SELECT last_seq FROM outbox_offsets WHERE consumer = $1`, consumer)
	if err := row.Scan(&offset.LastSeq); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.OutboxOffset{}, nil
		}
		return store.OutboxOffset{}, unavailable(err)
	}
	return offset, nil
}

func (s *Store) UpdateOffset(ctx context.Context, consumer string, offset store.OutboxOffset) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO outbox_offsets (consumer, last_seq)
		VALUES ($1, $2)
		ON CONFLICT (consumer) DO UPDATE SET last_seq = EXCLUDED.last_seq
	`, consumer, offset.LastSeq)
	return unavailable(err)
}

// recordChange writes the audit event, queue revisions and outbox row that
// accompany every ticket write, inside the caller's transaction.
func recordChange(ctx context.Context, tx pgx.Tx, ticket models.Ticket, input store.EventInput) error {
	event, err := insertTicketEvent(ctx, tx, ticket, input)
	if err != nil {
		return err
	}
	if err := bumpRevision(ctx, tx, store.ClinicScope(ticket.ClinicCode), ticket.BusinessDay); err != nil {
		return err
	}
	if ticket.PhysicianID != "" {
		if err := bumpRevision(ctx, tx, store.PhysicianScope(ticket.PhysicianID), ticket.BusinessDay); err != nil {
			return err
		}
	}
	return insertOutboxEvent(ctx, tx, ticket, event)
}

func insertTicketEvent(ctx context.Context, tx pgx.Tx, ticket models.Ticket, input store.EventInput) (store.TicketEvent, error) {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ticket.TicketID); err != nil {
		return store.TicketEvent{}, err
	}

	var prev store.TicketEvent
	var prevHash sql.NullString
	found := true
	row := tx.QueryRow(ctx, `
		SELECT ticket_seq, hash
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq DESC
		LIMIT 1
	`, ticket.TicketID)
	if err := row.Scan(&prev.TicketSeq, &prevHash); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return store.TicketEvent{}, err
		}
		found = false
	}
	prev.Hash = prevHash.String

	var prevPtr *store.TicketEvent
	if found {
		prevPtr = &prev
	}
	event, err := store.NextTicketEvent(prevPtr, ticket, input)
	if err != nil {
		return store.TicketEvent{}, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO ticket_events (ticket_id, ticket_seq, type, counter_id, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, event.TicketID, event.TicketSeq, event.Type, event.CounterID, string(event.Payload), event.CreatedAt, event.PrevHash, event.Hash)
	return event, err
}

func bumpRevision(ctx context.Context, tx pgx.Tx, scope store.Scope, day models.Day) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO queue_revisions (scope_key, business_day, revision)
		VALUES ($1, $2::date, 1)
		ON CONFLICT (scope_key, business_day)
		DO UPDATE SET revision = queue_revisions.revision + 1
	`, scope.Key(), day.String())
	return err
}

func insertOutboxEvent(ctx context.Context, tx pgx.Tx, ticket models.Ticket, event store.TicketEvent) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, outboxLockKey); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, type, clinic_code, physician_id, business_day, payload_json, created_at)
		VALUES ($1, $2, $3, $4, $5::date, $6, $7)
	`, uuid.NewString(), event.Type, ticket.ClinicCode, ticket.PhysicianID, ticket.BusinessDay.String(), []byte(event.Payload), time.Now().UTC())
	return err
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var ticketType, status, day string
	var counterIDNull sql.NullString
	var calledAtNull, startedAtNull, completedAtNull sql.NullTime
	if err := row.Scan(&ticket.TicketID, &ticketType, &ticket.SequenceNumber, &ticket.FormattedNumber, &ticket.ClinicCode,
		&ticket.ClinicID, &ticket.ScheduleID, &ticket.PhysicianID, &day, &status, &counterIDNull, &ticket.CreatedAt,
		&calledAtNull, &startedAtNull, &completedAtNull, &ticket.Version); err != nil {
		return models.Ticket{}, err
	}
	ticket.TicketType = models.TicketType(ticketType)
	ticket.Status = models.Status(status)
	ticket.BusinessDay = models.Day(day)
	ticket.CounterID = nullStringPtr(counterIDNull)
	ticket.CalledAt = nullTimePtr(calledAtNull)
	ticket.VisitStartedAt = nullTimePtr(startedAtNull)
	ticket.CompletedAt = nullTimePtr(completedAtNull)
	return ticket, nil
}

// ApplyMigrations executes every .sql file in dir in lexical order.
func ApplyMigrations(ctx context.Context, pool *pgxpool.Pool, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	applied := 0
	for _, name := range files {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return applied, err
		}
		if strings.TrimSpace(string(content)) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return applied, fmt.Errorf("apply %s: %w", name, err)
		}
		applied++
	}
	return applied, nil
}

// unavailable marks driver and connection failures with store.ErrUnavailable.
// The store's own sentinels are returned as they are.
func unavailable(err error) error {
	if err == nil ||
		errors.Is(err, store.ErrTicketNotFound) ||
		errors.Is(err, store.ErrVersionConflict) ||
		errors.Is(err, store.ErrDuplicateTicket) {
		return err
	}
	return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}

var _ store.Store = (*Store)(nil)
