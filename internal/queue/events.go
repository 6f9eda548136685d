package queue

import (
	"time"

	"vetclinic/queue-service/internal/store"
)

type Event struct {
	Type       string     `json:"type"`
	ClinicID   string     `json:"clinic_id"`
	Entry      Projection `json:"entry"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// Publisher receives events after their unit of work has committed.
type Publisher interface {
	Publish(event Event)
}

type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

var eventTypes = map[string]bool{
	store.EventEntryCreated:  true,
	store.EventStatusChanged: true,
	store.EventAssigned:      true,
}

func IsEventType(value string) bool {
	return eventTypes[value]
}
