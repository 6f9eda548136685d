package queue

import (
	"errors"
	"fmt"
)

var (
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrValidation   = errors.New("validation failed")

	ErrIllegalTransition = fmt.Errorf("illegal status transition: %w", ErrInvalidState)
	ErrNoClinic          = fmt.Errorf("animal has no clinic: %w", ErrInvalidState)
)
