package models

import (
	"strings"
	"time"
)

// DefaultVisitMinutes is the fixed unit used for wait-time arithmetic.
const DefaultVisitMinutes = 30

type QueueStatus string

const (
	StatusWaiting    QueueStatus = "WAITING"
	StatusInProgress QueueStatus = "IN_PROGRESS"
	StatusCompleted  QueueStatus = "COMPLETED"
	StatusCancelled  QueueStatus = "CANCELLED"
	StatusNoShow     QueueStatus = "NO_SHOW"
)

// ActiveStatuses are the statuses that make up a clinic's active queue.
var ActiveStatuses = []QueueStatus{StatusWaiting, StatusInProgress}

func (s QueueStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	default:
		return false
	}
}

func (s QueueStatus) IsActive() bool {
	return s == StatusWaiting || s == StatusInProgress
}

func (s QueueStatus) Valid() bool {
	return s.IsActive() || s.IsTerminal()
}

func ParseQueueStatus(raw string) (QueueStatus, bool) {
	status := QueueStatus(normalizeEnum(raw))
	if !status.Valid() {
		return "", false
	}
	return status, true
}

type Priority string

const (
	PriorityLow       Priority = "LOW"
	PriorityNormal    Priority = "NORMAL"
	PriorityHigh      Priority = "HIGH"
	PriorityUrgent    Priority = "URGENT"
	PriorityEmergency Priority = "EMERGENCY"
)

var priorityRank = map[Priority]int{
	PriorityLow:       1,
	PriorityNormal:    2,
	PriorityHigh:      3,
	PriorityUrgent:    4,
	PriorityEmergency: 5,
}

// Rank orders priorities for the active queue; unknown values rank below LOW.
func (p Priority) Rank() int {
	return priorityRank[p]
}

func ParsePriority(raw string) (Priority, bool) {
	priority := Priority(normalizeEnum(raw))
	if _, ok := priorityRank[priority]; !ok {
		return "", false
	}
	return priority, true
}

// QueueEntry is one visit's slot in a clinic's daily queue.
type QueueEntry struct {
	ID                       string      `json:"id"`
	ClinicID                 string      `json:"clinic_id"`
	AppointmentID            *string     `json:"appointment_id,omitempty"`
	AnimalID                 string      `json:"animal_id"`
	QueueNumber              int         `json:"queue_number"`
	QueueDate                time.Time   `json:"queue_date"`
	Status                   QueueStatus `json:"status"`
	Priority                 Priority    `json:"priority"`
	CheckInTime              time.Time   `json:"check_in_time"`
	StartedTime              *time.Time  `json:"started_time,omitempty"`
	CompletedTime            *time.Time  `json:"completed_time,omitempty"`
	AssignedProviderID       *string     `json:"assigned_provider_id,omitempty"`
	AssignedRoom             *string     `json:"assigned_room,omitempty"`
	EstimatedDurationMinutes int         `json:"estimated_duration_minutes"`
	// EstimatedStartTime is captured once at check-in and never refreshed.
	EstimatedStartTime time.Time `json:"estimated_start_time"`
	Notes              string    `json:"notes,omitempty"`
}

func normalizeEnum(raw string) string {
	value := strings.ToUpper(strings.TrimSpace(raw))
	value = strings.ReplaceAll(value, "-", "_")
	return strings.ReplaceAll(value, " ", "_")
}
