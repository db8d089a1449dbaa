package sink

import (
	"errors"

	"github.com/you/nokwatch/internal/core"
)

// Writer persists one chat event.
type Writer interface {
	Write(core.ChatEvent) error
}

// Multi fans one event out to several writers. All writers are attempted;
// errors are joined so one failing index never blocks the durable log.
type Multi []Writer

func (m Multi) Write(ev core.ChatEvent) error {
	var errs []error
	for _, w := range m {
		if err := w.Write(ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
