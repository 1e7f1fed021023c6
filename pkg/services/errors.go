// Package services provides the persistence services over the embedded
// store: reminders, calendar events, TODOs, background workflow records
// and the intervention audit trail.
package services

import "errors"

var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrIllegalTransition is returned when a status update violates the
	// background task status graph.
	ErrIllegalTransition = errors.New("illegal status transition")
)
