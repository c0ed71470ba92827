package store

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"clinicq/internal/models"
)

var ErrBrokenChain = errors.New("ticket event chain broken")

type TicketEvent struct {
	TicketID  string          `json:"ticket_id"`
	TicketSeq int             `json:"ticket_seq"`
	Type      string          `json:"type"`
	CounterID string          `json:"counter_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

type eventPayload struct {
	TicketID        string            `json:"ticket_id"`
	TicketType      models.TicketType `json:"ticket_type"`
	SequenceNumber  int64             `json:"sequence_number"`
	FormattedNumber string            `json:"formatted_number"`
	ClinicCode      string            `json:"clinic_code"`
	ClinicID        string            `json:"clinic_id,omitempty"`
	ScheduleID      string            `json:"schedule_id"`
	PhysicianID     string            `json:"physician_id,omitempty"`
	BusinessDay     models.Day        `json:"business_day"`
	Status          models.Status     `json:"status"`
	CounterID       *string           `json:"counter_id"`
	CreatedAt       *time.Time        `json:"created_at"`
	CalledAt        *time.Time        `json:"called_at"`
	VisitStartedAt  *time.Time        `json:"visit_started_at"`
	CompletedAt     *time.Time        `json:"completed_at"`
	Version         int64             `json:"version"`
}

// EventPayload snapshots ticket as the JSON body shared by ticket events and
// outbox rows.
func EventPayload(ticket models.Ticket) (json.RawMessage, error) {
	createdAt := ticket.CreatedAt
	return json.Marshal(eventPayload{
		TicketID:        ticket.TicketID,
		TicketType:      ticket.TicketType,
		SequenceNumber:  ticket.SequenceNumber,
		FormattedNumber: ticket.FormattedNumber,
		ClinicCode:      ticket.ClinicCode,
		ClinicID:        ticket.ClinicID,
		ScheduleID:      ticket.ScheduleID,
		PhysicianID:     ticket.PhysicianID,
		BusinessDay:     ticket.BusinessDay,
		Status:          ticket.Status,
		CounterID:       ticket.CounterID,
		CreatedAt:       &createdAt,
		CalledAt:        ticket.CalledAt,
		VisitStartedAt:  ticket.VisitStartedAt,
		CompletedAt:     ticket.CompletedAt,
		Version:         ticket.Version,
	})
}

// ComputeTicketEventHash digests an event together with its predecessor's
// hash. createdAt is hashed at stored precision and payload as the exact bytes
// kept in the store.
func ComputeTicketEventHash(prevHash, ticketID, eventType, counterID string, payload json.RawMessage, createdAt time.Time, seq int) string {
	stamp := createdAt.UTC().Truncate(models.TimestampPrecision).Format(time.RFC3339Nano)
	raw := fmt.Sprintf("%s|%s|%s|%s|%s|%d|%s", prevHash, ticketID, eventType, counterID, stamp, seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// NextTicketEvent builds the event that follows prev (nil for the first one).
func NextTicketEvent(prev *TicketEvent, ticket models.Ticket, input EventInput) (TicketEvent, error) {
	payload, err := EventPayload(ticket)
	if err != nil {
		return TicketEvent{}, err
	}
	seq := 1
	prevHash := ""
	if prev != nil {
		seq = prev.TicketSeq + 1
		prevHash = prev.Hash
	}
	createdAt := input.OccurredAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	createdAt = createdAt.UTC().Truncate(models.TimestampPrecision)
	return TicketEvent{
		TicketID:  ticket.TicketID,
		TicketSeq: seq,
		Type:      input.Type,
		CounterID: input.CounterID,
		Payload:   payload,
		CreatedAt: createdAt,
		PrevHash:  prevHash,
		Hash:      ComputeTicketEventHash(prevHash, ticket.TicketID, input.Type, input.CounterID, payload, createdAt, seq),
	}, nil
}

func VerifyChain(events []TicketEvent) error {
	prevHash := ""
	for i, event := range events {
		if event.TicketSeq != i+1 {
			return fmt.Errorf("%w: seq %d at position %d", ErrBrokenChain, event.TicketSeq, i)
		}
		if event.PrevHash != prevHash {
			return fmt.Errorf("%w: prev hash mismatch at seq %d", ErrBrokenChain, event.TicketSeq)
		}
		want := ComputeTicketEventHash(prevHash, event.TicketID, event.Type, event.CounterID, event.Payload, event.CreatedAt, event.TicketSeq)
		if want != event.Hash {
			return fmt.Errorf("%w: hash mismatch at seq %d", ErrBrokenChain, event.TicketSeq)
		}
		prevHash = event.Hash
	}
	return nil
}

func RehydrateTicket(events []TicketEvent) (models.Ticket, error) {
	var ticket models.Ticket
	for _, event := range events {
		if len(event.Payload) == 0 {
			continue
		}
		var payload eventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return models.Ticket{}, err
		}
		if payload.TicketID != "" {
			ticket.TicketID = payload.TicketID
		}
		if payload.TicketType != "" {
			ticket.TicketType = payload.TicketType
		}
		if payload.SequenceNumber != 0 {
			ticket.SequenceNumber = payload.SequenceNumber
		}
		if payload.FormattedNumber != "" {
			ticket.FormattedNumber = payload.FormattedNumber
		}
		if payload.ClinicCode != "" {
			ticket.ClinicCode = payload.ClinicCode
		}
		if payload.ClinicID != "" {
			ticket.ClinicID = payload.ClinicID
		}
		if payload.ScheduleID != "" {
			ticket.ScheduleID = payload.ScheduleID
		}
		if payload.PhysicianID != "" {
			ticket.PhysicianID = payload.PhysicianID
		}
		if payload.BusinessDay != "" {
			ticket.BusinessDay = payload.BusinessDay
		}
		if payload.Status != "" {
			ticket.Status = payload.Status
		}
		if payload.CounterID != nil {
			ticket.CounterID = payload.CounterID
		}
		if payload.CreatedAt != nil {
			ticket.CreatedAt = *payload.CreatedAt
		}
		if payload.CalledAt != nil {
			ticket.CalledAt = payload.CalledAt
		}
		if payload.VisitStartedAt != nil {
			ticket.VisitStartedAt = payload.VisitStartedAt
		}
		if payload.CompletedAt != nil {
			ticket.CompletedAt = payload.CompletedAt
		}
		ticket.Version = payload.Version
	}
	return ticket, nil
}
