package publisher

import (
	"context"
	"errors"

	"scriptcustody/custody"
)

// Multi fans an event out to every publisher. All of them are attempted; the
// errors are joined.
type Multi []custody.Publisher

func (m Multi) Publish(ctx context.Context, event custody.Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
