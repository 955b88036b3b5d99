package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/ruteri/iot-identity-provisioning/interfaces"
)

// Multi fans an event out to every notifier. All notifiers are tried; the
// returned error joins the individual failures.
type Multi []interfaces.EventNotifier

func (m Multi) Notify(ctx context.Context, event interfaces.Event) error {
	var errs []error
	for i, n := range m {
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("notifier %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, interfaces.Event) error { return nil }
