package sink

import (
	"errors"
	"io"

	"github.com/worldland/energy-sensor/internal/domain"
)

// Multi hands every batch to each sink in order
type Multi []domain.Sink

func (m Multi) Consume(batch domain.MeasurementBatch) error {
	var errs []error
	for _, s := range m {
		if err := s.Consume(batch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that holds a resource
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Shared wraps a sink used by several pipelines so that closing one pipeline
// does not close it. Its owner closes it directly.
func Shared(s domain.Sink) domain.Sink {
	return sharedSink{s}
}

type sharedSink struct {
	domain.Sink
}
