package sensor

import (
	"errors"
	"fmt"
)

// ErrSourceUnavailable is returned when no device of a source could be read
// for the configured number of consecutive ticks.
var ErrSourceUnavailable = errors.New("energy source unavailable: no device readable")

// MandatoryReadError reports that a device's absolute energy counter could not be read
type MandatoryReadError struct {
	Device int
	Err    error
}

func (e *MandatoryReadError) Error() string {
	return fmt.Sprintf("read energy of device %d: %v", e.Device, e.Err)
}

func (e *MandatoryReadError) Unwrap() error {
	return e.Err
}

// SinkError reports that a batch could not be recorded
type SinkError struct {
	Source string
	Err    error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink rejected %s batch: %v", e.Source, e.Err)
}

func (e *SinkError) Unwrap() error {
	return e.Err
}
