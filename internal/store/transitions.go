package store

import "clinicq/internal/models"

// transitionMap lists, per target status, the only status it may be entered from.
var transitionMap = map[models.Status]models.Status{
	models.StatusCalled:     models.StatusWaiting,
	models.StatusInProgress: models.StatusCalled,
	models.StatusCompleted:  models.StatusInProgress,
}

var eventTypes = map[models.Status]string{
	models.StatusWaiting:    EventTicketCreated,
	models.StatusCalled:     EventTicketCalled,
	models.StatusInProgress: EventTicketInProgress,
	models.StatusCompleted:  EventTicketCompleted,
}

func ValidTransition(from, to models.Status) bool {
	required, ok := transitionMap[to]
	if !ok {
		return false
	}
	return required == from
}

func EventTypeFor(status models.Status) string {
	return eventTypes[status]
}
