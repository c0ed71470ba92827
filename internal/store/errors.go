package store

import "errors"

var (
	ErrTicketNotFound  = errors.New("ticket not found")
	ErrVersionConflict = errors.New("ticket version conflict")
	ErrDuplicateTicket = errors.New("ticket already exists")
	ErrUnavailable     = errors.New("store unavailable")
)
