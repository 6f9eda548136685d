package store

import (
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("not found")

var (
	ErrEntryNotFound       = fmt.Errorf("queue entry %w", ErrNotFound)
	ErrAppointmentNotFound = fmt.Errorf("appointment %w", ErrNotFound)
	ErrAnimalNotFound      = fmt.Errorf("animal %w", ErrNotFound)
	ErrClinicNotFound      = fmt.Errorf("clinic %w", ErrNotFound)
	ErrOwnerNotFound       = fmt.Errorf("owner %w", ErrNotFound)
	ErrDuplicateEntry      = errors.New("duplicate queue entry")
	ErrBrokenChain         = errors.New("entry event chain broken")
	ErrUnknownDriver       = errors.New("unknown store driver")
)
