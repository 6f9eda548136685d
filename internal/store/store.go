package store

import (
	"context"
	"time"

	"vetclinic/queue-service/internal/models"
)

type QueueRepository interface {
	InsertEntry(ctx context.Context, entry models.QueueEntry) error
	GetEntry(ctx context.Context, clinicID, entryID string) (models.QueueEntry, error)
	// GetEntryForUpdate reads an entry and holds it against concurrent writers
	// until the transaction ends. Read-check-write paths must use it.
	GetEntryForUpdate(ctx context.Context, clinicID, entryID string) (models.QueueEntry, error)
	UpdateEntry(ctx context.Context, entry models.QueueEntry) error
	// ListEntries returns every entry of the clinic's day ordered by queue number.
	ListEntries(ctx context.Context, clinicID string, date time.Time) ([]models.QueueEntry, error)
	// ListEntriesByStatus returns matching entries in active order.
	ListEntriesByStatus(ctx context.Context, clinicID string, date time.Time, statuses []models.QueueStatus) ([]models.QueueEntry, error)
	FindEntryByAnimal(ctx context.Context, animalID string, date time.Time, statuses []models.QueueStatus) (models.QueueEntry, bool, error)
	ListEntriesByProvider(ctx context.Context, clinicID, providerID string, date time.Time, status models.QueueStatus) ([]models.QueueEntry, error)
	// NextQueueNumber increments the (clinic, date) counter. The increment is
	// part of the surrounding transaction.
	NextQueueNumber(ctx context.Context, clinicID string, date time.Time) (int, error)
	CountEntries(ctx context.Context, clinicID string, date time.Time, statuses []models.QueueStatus) (int, error)
}

type AppointmentRepository interface {
	GetAppointment(ctx context.Context, appointmentID string) (models.Appointment, error)
	CreateAppointment(ctx context.Context, appointment models.Appointment) error
	UpdateAppointment(ctx context.Context, appointment models.Appointment) error
}

// DirectoryRepository exposes clinics, owners and animals. GetAnimal resolves
// the owner and the owner's clinic.
type DirectoryRepository interface {
	GetClinic(ctx context.Context, clinicID string) (models.Clinic, error)
	GetAnimal(ctx context.Context, animalID string) (models.Animal, error)
	SaveClinic(ctx context.Context, clinic models.Clinic) error
	SaveOwner(ctx context.Context, owner models.Owner) error
	SaveAnimal(ctx context.Context, animal models.Animal) error
}

type EventRepository interface {
	AppendEntryEvent(ctx context.Context, entryID, eventType string, payload []byte, createdAt time.Time) (EntryEvent, error)
	ListEntryEvents(ctx context.Context, entryID string) ([]EntryEvent, error)
}

type Tx interface {
	QueueRepository
	AppointmentRepository
	DirectoryRepository
	EventRepository
}

// Store runs units of work. Any error returned from fn rolls back every write
// made through the Tx, including queue number allocation.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
	Close()
}

func ContainsStatus(statuses []models.QueueStatus, status models.QueueStatus) bool {
	for _, candidate := range statuses {
		if candidate == status {
			return true
		}
	}
	return false
}
