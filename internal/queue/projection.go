package queue

import (
	"time"

	"vetclinic/queue-service/internal/models"
)

type AnimalSummary struct {
	Name      string
	OwnerName string
}

func summarize(animal models.Animal) AnimalSummary {
	return AnimalSummary{Name: animal.Name, OwnerName: animal.Owner.Name}
}

// Projection is the outward view of a queue entry.
type Projection struct {
	QueueEntryID           string             `json:"queueEntryId"`
	ClinicID               string             `json:"clinicId"`
	AppointmentID          *string            `json:"appointmentId,omitempty"`
	AnimalID               string             `json:"animalId"`
	AnimalName             string             `json:"animalName"`
	OwnerName              string             `json:"ownerName"`
	QueueNumber            int                `json:"queueNumber"`
	Status                 models.QueueStatus `json:"status"`
	Priority               models.Priority    `json:"priority"`
	CheckInTime            time.Time          `json:"checkInTime"`
	EstimatedStartTime     time.Time          `json:"estimatedStartTime"`
	EstimatedWaitMinutes   int                `json:"estimatedWaitMinutes"`
	AssignedVeterinarianID *string            `json:"assignedVeterinarianId,omitempty"`
	AssignedRoom           *string            `json:"assignedRoom,omitempty"`
	Notes                  string             `json:"notes,omitempty"`
}

func BuildProjection(entry models.QueueEntry, animal AnimalSummary, waitMinutes int) Projection {
	return Projection{
		QueueEntryID:           entry.ID,
		ClinicID:               entry.ClinicID,
		AppointmentID:          entry.AppointmentID,
		AnimalID:               entry.AnimalID,
		AnimalName:             animal.Name,
		OwnerName:              animal.OwnerName,
		QueueNumber:            entry.QueueNumber,
		Status:                 entry.Status,
		Priority:               entry.Priority,
		CheckInTime:            entry.CheckInTime,
		EstimatedStartTime:     entry.EstimatedStartTime,
		EstimatedWaitMinutes:   waitMinutes,
		AssignedVeterinarianID: entry.AssignedProviderID,
		AssignedRoom:           entry.AssignedRoom,
		Notes:                  entry.Notes,
	}
}

// waitMinutes is zero for anything not WAITING. A waiting entry waits one
// visit unit for every active entry ahead of it, in progress ones included.
func waitMinutes(entry models.QueueEntry, active []models.QueueEntry) int {
	if entry.Status != models.StatusWaiting {
		return 0
	}
	for i, candidate := range active {
		if candidate.ID == entry.ID {
			return i * models.DefaultVisitMinutes
		}
	}
	return 0
}
