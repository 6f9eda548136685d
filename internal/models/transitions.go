package models

var transitionMap = map[QueueStatus][]QueueStatus{
	StatusWaiting:    {StatusWaiting, StatusInProgress, StatusCancelled, StatusNoShow},
	StatusInProgress: {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether an entry in status from may move to status to.
// WAITING to WAITING is the accepted no-op reset; terminal states have no exits.
func CanTransition(from, to QueueStatus) bool {
	for _, status := range transitionMap[from] {
		if status == to {
			return true
		}
	}
	return false
}

// MirrorAppointmentStatus maps a queue status onto the linked appointment.
func MirrorAppointmentStatus(status QueueStatus) (AppointmentStatus, bool) {
	switch status {
	case StatusInProgress:
		return AppointmentInProgress, true
	case StatusCompleted:
		return AppointmentCompleted, true
	case StatusCancelled:
		return AppointmentCancelled, true
	case StatusNoShow:
		return AppointmentNoShow, true
	default:
		return "", false
	}
}
