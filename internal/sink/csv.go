// Package sink holds the consumers of measurement batches.
package sink

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/worldland/energy-sensor/internal/domain"
)

const (
	DefaultSeparator = ";"
	DefaultAbsent    = "NA"
)

// CSVOptions controls the record layout
type CSVOptions struct {
	Separator string
	Absent    string
}

// CSVSink appends one record per sample to a writer and flushes after every batch
type CSVSink struct {
	mu     sync.Mutex
	w      *csv.Writer
	closer io.Closer
	absent string
}

// Header returns the column names for a source unit
func Header(unit domain.EnergyUnit) []string {
	return []string{
		"timestamp",
		"device_index",
		"energy_consumption_since_previous_measurement_" + string(unit),
		"instantaneous_power_milliW",
		"global_utilization_percent",
		"global_memory_percent",
	}
}

// NewCSVSink writes the header immediately. If w is an io.Closer it is closed by Close.
func NewCSVSink(w io.Writer, unit domain.EnergyUnit, opts CSVOptions) (*CSVSink, error) {
	if opts.Separator == "" {
		opts.Separator = DefaultSeparator
	}
	if opts.Absent == "" {
		opts.Absent = DefaultAbsent
	}
	sep, size := utf8.DecodeRuneInString(opts.Separator)
	if size != len(opts.Separator) || sep == utf8.RuneError {
		return nil, fmt.Errorf("csv separator must be a single character, got %q", opts.Separator)
	}

	cw := csv.NewWriter(w)
	cw.Comma = sep
	if err := cw.Write(Header(unit)); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, fmt.Errorf("flush header: %w", err)
	}

	s := &CSVSink{w: cw, absent: opts.Absent}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s, nil
}

// CreateCSVFile creates <dir>/<start RFC3339>-<source>.csv, creating dir as needed
func CreateCSVFile(dir string, start time.Time, source string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	name := fmt.Sprintf("%s-%s.csv", start.Format(time.RFC3339), source)
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create csv file: %w", err)
	}
	return f, nil
}

func (s *CSVSink) Consume(batch domain.MeasurementBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := strconv.FormatInt(batch.Timestamp.UnixMilli(), 10)
	for _, sample := range batch.Samples {
		if err := s.w.Write(s.record(ts, sample)); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
	}
	s.w.Flush()
	return s.w.Error()
}

func (s *CSVSink) record(ts string, sample domain.MetricSample) []string {
	power, gpu, memory := s.absent, s.absent, s.absent
	if sample.InstantaneousPower != nil {
		power = strconv.FormatUint(uint64(*sample.InstantaneousPower), 10)
	}
	if sample.Utilization != nil {
		gpu = strconv.FormatUint(uint64(sample.Utilization.GPU), 10)
		memory = strconv.FormatUint(uint64(sample.Utilization.Memory), 10)
	}
	return []string{
		ts,
		strconv.Itoa(sample.DeviceIndex),
		strconv.FormatUint(sample.EnergyDelta, 10),
		power,
		gpu,
		memory,
	}
}

// Close flushes pending records and closes the underlying file, if any
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.w.Flush()
	err := s.w.Error()
	if s.closer != nil {
		err = errors.Join(err, s.closer.Close())
	}
	return err
}
