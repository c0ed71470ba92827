package models

import (
	"fmt"
	"strings"
	"time"
)

type TicketType string

const (
	TicketExamination  TicketType = "examination"
	TicketConsultation TicketType = "consultation"
	TicketProcedure    TicketType = "procedure"
	TicketLate         TicketType = "late"
)

// Issued ticket numbers embed these prefixes. Changing an entry breaks the
// meaning of every ticket already printed with it.
var ticketPrefixes = map[TicketType]string{
	TicketExamination:  "E",
	TicketConsultation: "C",
	TicketProcedure:    "P",
	TicketLate:         "L",
}

const ticketNumberPad = 3

func ParseTicketType(raw string) (TicketType, bool) {
	value := TicketType(strings.ToLower(strings.TrimSpace(raw)))
	_, ok := ticketPrefixes[value]
	return value, ok
}

func (t TicketType) Prefix() string {
	return ticketPrefixes[t]
}

func (t TicketType) Valid() bool {
	_, ok := ticketPrefixes[t]
	return ok
}

func FormatTicketNumber(ticketType TicketType, seq int64) string {
	return fmt.Sprintf("%s%0*d", ticketType.Prefix(), ticketNumberPad, seq)
}

type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusCalled     Status = "called"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

func ParseStatus(raw string) (Status, bool) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusWaiting:
		return StatusWaiting, true
	case StatusCalled:
		return StatusCalled, true
	case StatusInProgress:
		return StatusInProgress, true
	case StatusCompleted:
		return StatusCompleted, true
	}
	return "", false
}

type Ticket struct {
	TicketID        string     `json:"ticket_id"`
	TicketType      TicketType `json:"ticket_type"`
	SequenceNumber  int64      `json:"sequence_number"`
	FormattedNumber string     `json:"formatted_number"`
	ClinicCode      string     `json:"clinic_code"`
	ClinicID        string     `json:"clinic_id,omitempty"`
	ScheduleID      string     `json:"schedule_id"`
	PhysicianID     string     `json:"physician_id,omitempty"`
	BusinessDay     Day        `json:"business_day"`
	Status          Status     `json:"status"`
	CounterID       *string    `json:"counter_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CalledAt        *time.Time `json:"called_at,omitempty"`
	VisitStartedAt  *time.Time `json:"visit_started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Version         int64      `json:"version"`
}
