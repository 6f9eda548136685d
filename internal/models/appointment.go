package models

import "time"

type AppointmentStatus string

const (
	AppointmentScheduled  AppointmentStatus = "SCHEDULED"
	AppointmentConfirmed  AppointmentStatus = "CONFIRMED"
	AppointmentInProgress AppointmentStatus = "IN_PROGRESS"
	AppointmentCompleted  AppointmentStatus = "COMPLETED"
	AppointmentCancelled  AppointmentStatus = "CANCELLED"
	AppointmentNoShow     AppointmentStatus = "NO_SHOW"
)

type AppointmentType string

const (
	AppointmentGeneralExam  AppointmentType = "GENERAL_EXAM"
	AppointmentVaccination  AppointmentType = "VACCINATION"
	AppointmentSurgery      AppointmentType = "SURGERY"
	AppointmentDental       AppointmentType = "DENTAL"
	AppointmentGrooming     AppointmentType = "GROOMING"
	AppointmentFollowUp     AppointmentType = "FOLLOW_UP"
	AppointmentEmergency    AppointmentType = "EMERGENCY"
	AppointmentConsultation AppointmentType = "CONSULTATION"
)

var appointmentTypes = map[AppointmentType]bool{
	AppointmentGeneralExam:  true,
	AppointmentVaccination:  true,
	AppointmentSurgery:      true,
	AppointmentDental:       true,
	AppointmentGrooming:     true,
	AppointmentFollowUp:     true,
	AppointmentEmergency:    true,
	AppointmentConsultation: true,
}

func ParseAppointmentType(raw string) (AppointmentType, bool) {
	kind := AppointmentType(normalizeEnum(raw))
	if !appointmentTypes[kind] {
		return "", false
	}
	return kind, true
}

// Appointment is owned by the scheduling side of the system; the queue reads
// it on check-in and writes the check-in stamps and mirrored status back.
type Appointment struct {
	ID                 string            `json:"id"`
	ClinicID           string            `json:"clinic_id"`
	AnimalID           string            `json:"animal_id"`
	DateTime           time.Time         `json:"date_time"`
	Subject            string            `json:"subject"`
	Status             AppointmentStatus `json:"status"`
	AppointmentType    AppointmentType   `json:"appointment_type"`
	CheckInTime        *time.Time        `json:"check_in_time,omitempty"`
	QueueNumber        *int              `json:"queue_number,omitempty"`
	EstimatedStartTime *time.Time        `json:"estimated_start_time,omitempty"`
	Notes              string            `json:"notes,omitempty"`
}
