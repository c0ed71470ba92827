package engine

import (
	"context"

	"clinicq/internal/models"
	"clinicq/internal/store"
)

// BoardEntry is one row of the follow-up display.
type BoardEntry struct {
	Schedule models.PhysicianSchedule `json:"schedule"`
	Serving  *models.Ticket           `json:"serving"`
}

// Board lists every schedule of day with the ticket its clinic is serving.
func (e *Engine) Board(ctx context.Context, day models.Day) ([]BoardEntry, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()
	schedules, err := e.matcher.ListDay(ctx, day)
	if err != nil {
		return nil, err
	}
	entries := make([]BoardEntry, 0, len(schedules))
	for _, schedule := range schedules {
		entry := BoardEntry{Schedule: schedule}
		ticket, ok, err := e.views.CurrentlyServing(ctx, store.ClinicScope(schedule.ClinicCode), day)
		if err != nil {
			return nil, err
		}
		if ok {
			serving := ticket
			entry.Serving = &serving
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
