package domain

import "errors"

var (
	// Common domain errors
	ErrNotFound            = errors.New("entity not found")
	ErrAlreadyExists       = errors.New("entity already exists")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrInvalidExecContext  = errors.New("invalid execution context")
	ErrOperationFailed     = errors.New("operation failed")
	ErrReadDatabaseRow     = errors.New("failed to read database row")
	ErrInsufficientCredits = errors.New("insufficient credits")

	// Plan guard
	ErrNoPlan       = errors.New("organization has no active plan")
	ErrLimitReached = errors.New("plan limit reached")

	// Messaging
	ErrInstanceBanned   = errors.New("whatsapp instance is banned")
	ErrInstanceNotFound = errors.New("whatsapp instance not found")

	// Ledger
	ErrReservationSettled = errors.New("reservation already settled")
	ErrReservationExpired = errors.New("reservation expired")

	// Agent tasks
	ErrTaskTerminal = errors.New("agent task already finished")

	// Queue
	ErrInvalidPayload = errors.New("invalid job payload")
	ErrUnknownQueue   = errors.New("unknown queue")
	ErrJobLost        = errors.New("job claim lost")
)
