package adapter

import "context"

// Notifier delivers usage alerts. Callers treat failures as non-fatal.
type Notifier interface {
	SendUsageAlert(ctx context.Context, email string, percent int, resource string) error
}
