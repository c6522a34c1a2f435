package lastseen

import (
	"context"
	"errors"
	"time"
)

// Notifier is implemented by every last-seen store.
type Notifier interface {
	UpdateLastSeen(ctx context.Context, userID string, at time.Time) error
}

// Multi fans an update out to several stores. Every store is attempted; the
// returned error joins the individual failures.
type Multi []Notifier

// UpdateLastSeen calls every store in order.
func (m Multi) UpdateLastSeen(ctx context.Context, userID string, at time.Time) error {
	var errs []error
	for _, n := range m {
		if err := n.UpdateLastSeen(ctx, userID, at); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
