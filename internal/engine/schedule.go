package engine

import (
	"context"
	"sort"

	"clinicq/internal/models"
	"clinicq/internal/store"
)

// Matcher resolves the physician schedule a clinic or physician is working
// on a business day. It never writes schedules.
type Matcher struct {
	schedules store.ScheduleStore
}

func NewMatcher(schedules store.ScheduleStore) *Matcher {
	return &Matcher{schedules: schedules}
}

// ResolveToday returns the preferred schedule for scope on day. A missing
// schedule is reported through ok, not through err.
func (m *Matcher) ResolveToday(ctx context.Context, scope store.Scope, day models.Day) (models.PhysicianSchedule, bool, error) {
	if !scope.Valid() || day == "" {
		return models.PhysicianSchedule{}, false, ErrInvalidRequest
	}
	candidates, err := m.schedules.ListSchedules(ctx, store.ScheduleFilter{Scope: scope, Day: day})
	if err != nil {
		return models.PhysicianSchedule{}, false, classify(ctx, ErrStoreUnavailable, "list schedules", err)
	}
	schedule, ok := SelectSchedule(candidates, scope, day)
	return schedule, ok, nil
}

// ListDay returns every schedule of day, active ones first, then by clinic
// time and schedule id.
func (m *Matcher) ListDay(ctx context.Context, day models.Day) ([]models.PhysicianSchedule, error) {
	if day == "" {
		return nil, ErrInvalidRequest
	}
	schedules, err := m.schedules.ListSchedules(ctx, store.ScheduleFilter{Day: day})
	if err != nil {
		return nil, classify(ctx, ErrStoreUnavailable, "list schedules", err)
	}
	out := make([]models.PhysicianSchedule, 0, len(schedules))
	for _, schedule := range schedules {
		if schedule.BusinessDay == day {
			out = append(out, schedule)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return scheduleLess(out[i], out[j])
	})
	return out, nil
}

// SelectSchedule applies the match order to candidates: same scope and day,
// active before inactive, earliest clinic time, then lowest schedule id.
func SelectSchedule(candidates []models.PhysicianSchedule, scope store.Scope, day models.Day) (models.PhysicianSchedule, bool) {
	var best models.PhysicianSchedule
	found := false
	for _, candidate := range candidates {
		if candidate.BusinessDay != day || !scope.Matches(candidate.ClinicCode, candidate.PhysicianID) {
			continue
		}
		if !found || scheduleLess(candidate, best) {
			best = candidate
			found = true
		}
	}
	return best, found
}

func scheduleLess(a, b models.PhysicianSchedule) bool {
	if a.IsActive != b.IsActive {
		return a.IsActive
	}
	if a.ClinicTimeFrom != b.ClinicTimeFrom {
		return a.ClinicTimeFrom < b.ClinicTimeFrom
	}
	return a.ScheduleID < b.ScheduleID
}
