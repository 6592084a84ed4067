package model

import "time"

// SentMessage records a completed send so redeliveries do not double count usage.
type SentMessage struct {
	IdempotencyKey string
	OrganizationID string
	InstanceID     string
	To             string
	JobID          string
	Status         string
	CreatedAt      time.Time
}

// FailedJob is the persisted dead-letter record kept for operators.
type FailedJob struct {
	ID             string
	Queue          string
	JobID          string
	OrganizationID string
	Payload        []byte
	Error          string
	Attempts       int
	CreatedAt      time.Time
}
