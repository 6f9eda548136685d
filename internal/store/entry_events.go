package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"vetclinic/queue-service/internal/models"
)

const (
	EventEntryCreated  = "queue.entry_created"
	EventStatusChanged = "queue.status_changed"
	EventAssigned      = "queue.assigned"
)

type EntryEvent struct {
	EntryID   string          `json:"entry_id"`
	EntrySeq  int             `json:"entry_seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

type entryPayload struct {
	EntryID            string             `json:"entry_id"`
	ClinicID           string             `json:"clinic_id"`
	AppointmentID      *string            `json:"appointment_id"`
	AnimalID           string             `json:"animal_id"`
	QueueNumber        int                `json:"queue_number"`
	QueueDate          *time.Time         `json:"queue_date"`
	Status             models.QueueStatus `json:"status"`
	Priority           models.Priority    `json:"priority"`
	CheckInTime        *time.Time         `json:"check_in_time"`
	StartedTime        *time.Time         `json:"started_time"`
	CompletedTime      *time.Time         `json:"completed_time"`
	AssignedProviderID *string            `json:"assigned_provider_id"`
	AssignedRoom       *string            `json:"assigned_room"`
	EstimatedStartTime *time.Time         `json:"estimated_start_time"`
	Notes              string             `json:"notes"`
	PreviousStatus     models.QueueStatus `json:"previous_status,omitempty"`
}

// EntryPayload snapshots an entry for the event ledger.
func EntryPayload(entry models.QueueEntry, previous models.QueueStatus) ([]byte, error) {
	payload := entryPayload{
		EntryID:            entry.ID,
		ClinicID:           entry.ClinicID,
		AppointmentID:      entry.AppointmentID,
		AnimalID:           entry.AnimalID,
		QueueNumber:        entry.QueueNumber,
		QueueDate:          timePtr(entry.QueueDate),
		Status:             entry.Status,
		Priority:           entry.Priority,
		CheckInTime:        timePtr(entry.CheckInTime),
		StartedTime:        entry.StartedTime,
		CompletedTime:      entry.CompletedTime,
		AssignedProviderID: entry.AssignedProviderID,
		AssignedRoom:       entry.AssignedRoom,
		EstimatedStartTime: timePtr(entry.EstimatedStartTime),
		Notes:              entry.Notes,
		PreviousStatus:     previous,
	}
	return json.Marshal(payload)
}

func ComputeEntryEventHash(prevHash, entryID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, entryID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// ChainEntryEvent builds the event that follows last. Pass a nil last for the
// first event of an entry. Timestamps are kept at microsecond precision so the
// hash survives a round trip through Postgres.
func ChainEntryEvent(last *EntryEvent, entryID, eventType string, payload []byte, createdAt time.Time) EntryEvent {
	seq := 1
	prev := ""
	if last != nil {
		seq = last.EntrySeq + 1
		prev = last.Hash
	}
	createdAt = createdAt.UTC().Truncate(time.Microsecond)
	return EntryEvent{
		EntryID:   entryID,
		EntrySeq:  seq,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: createdAt,
		PrevHash:  prev,
		Hash:      ComputeEntryEventHash(prev, entryID, eventType, payload, createdAt, seq),
	}
}

// VerifyChain checks sequence continuity, hash links and hash contents.
func VerifyChain(events []EntryEvent) error {
	prev := ""
	for i, event := range events {
		if event.EntrySeq != i+1 {
			return fmt.Errorf("%w: event %d has sequence %d", ErrBrokenChain, i+1, event.EntrySeq)
		}
		if event.PrevHash != prev {
			return fmt.Errorf("%w: event %d does not link to its predecessor", ErrBrokenChain, event.EntrySeq)
		}
		want := ComputeEntryEventHash(prev, event.EntryID, event.Type, event.Payload, event.CreatedAt, event.EntrySeq)
		if event.Hash != want {
			return fmt.Errorf("%w: event %d hash mismatch", ErrBrokenChain, event.EntrySeq)
		}
		prev = event.Hash
	}
	return nil
}

// RehydrateEntry replays an entry from its events. Every payload is a full
// snapshot, so each event replaces the state built so far.
func RehydrateEntry(events []EntryEvent) (models.QueueEntry, error) {
	var entry models.QueueEntry
	for _, event := range events {
		if len(event.Payload) == 0 {
			continue
		}
		var payload entryPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return models.QueueEntry{}, fmt.Errorf("event %d: %w", event.EntrySeq, err)
		}
		entry = models.QueueEntry{
			ID:                 payload.EntryID,
			ClinicID:           payload.ClinicID,
			AppointmentID:      payload.AppointmentID,
			AnimalID:           payload.AnimalID,
			QueueNumber:        payload.QueueNumber,
			Status:             payload.Status,
			Priority:           payload.Priority,
			StartedTime:        payload.StartedTime,
			CompletedTime:      payload.CompletedTime,
			AssignedProviderID: payload.AssignedProviderID,
			AssignedRoom:       payload.AssignedRoom,
			Notes:              payload.Notes,
		}
		if payload.QueueDate != nil {
			entry.QueueDate = *payload.QueueDate
		}
		if payload.CheckInTime != nil {
			entry.CheckInTime = *payload.CheckInTime
		}
		if payload.EstimatedStartTime != nil {
			entry.EstimatedStartTime = *payload.EstimatedStartTime
		}
	}
	entry.EstimatedDurationMinutes = models.DefaultVisitMinutes
	return entry, nil
}

// ReplayMatches reports whether a rehydrated entry agrees with the stored one
// on every field the ledger tracks. Timestamps are compared by presence only
// since backends store them at different precisions.
func ReplayMatches(stored, replayed models.QueueEntry) bool {
	return stored.ID == replayed.ID &&
		stored.ClinicID == replayed.ClinicID &&
		stored.AnimalID == replayed.AnimalID &&
		stored.QueueNumber == replayed.QueueNumber &&
		stored.Status == replayed.Status &&
		stored.Priority == replayed.Priority &&
		stored.Notes == replayed.Notes &&
		equalString(stored.AppointmentID, replayed.AppointmentID) &&
		equalString(stored.AssignedProviderID, replayed.AssignedProviderID) &&
		equalString(stored.AssignedRoom, replayed.AssignedRoom) &&
		(stored.StartedTime == nil) == (replayed.StartedTime == nil) &&
		(stored.CompletedTime == nil) == (replayed.CompletedTime == nil)
}

func equalString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func timePtr(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	return &value
}
