package sensor

import (
	"errors"
	"log/slog"

	"github.com/worldland/energy-sensor/internal/domain"
)

// SamplerConfig tunes what a Sampler reads besides energy
type SamplerConfig struct {
	// Processes enables compute/graphics process listing
	Processes bool
}

// Sampler reads one device snapshot. Only the energy counter is mandatory;
// every other metric degrades to absent on its own.
type Sampler struct {
	source  domain.EnergySource
	tracker *CounterTracker
	config  SamplerConfig
	logger  *slog.Logger
}

// NewSampler creates a sampler that feeds energy readings through tracker
func NewSampler(source domain.EnergySource, tracker *CounterTracker, config SamplerConfig, logger *slog.Logger) *Sampler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{
		source:  source,
		tracker: tracker,
		config:  config,
		logger:  logger,
	}
}

// Sample reads the device. The returned error is always a *MandatoryReadError.
func (s *Sampler) Sample(dev domain.Device) (domain.MetricSample, error) {
	energy, err := s.source.ReadEnergy(dev.Index)
	if err != nil {
		return domain.MetricSample{}, &MandatoryReadError{Device: dev.Index, Err: err}
	}

	sample := domain.MetricSample{
		DeviceIndex: dev.Index,
		EnergyDelta: s.tracker.Delta(dev.Index, energy),
	}

	power, err := s.source.ReadPower(dev.Index)
	sample.InstantaneousPower = optional(s, dev, "power", domain.ReadingOf(power, err))

	util, err := s.source.ReadUtilization(dev.Index)
	sample.Utilization = optional(s, dev, "utilization", domain.ReadingOf(util, err))

	enc, err := s.source.ReadEncoderUtilization(dev.Index)
	sample.EncoderUtilization = optional(s, dev, "encoder_utilization", domain.ReadingOf(enc, err))

	dec, err := s.source.ReadDecoderUtilization(dev.Index)
	sample.DecoderUtilization = optional(s, dev, "decoder_utilization", domain.ReadingOf(dec, err))

	if s.config.Processes {
		sample.ComputeProcesses = s.processes(dev, domain.ComputeProcesses)
		sample.GraphicsProcesses = s.processes(dev, domain.GraphicsProcesses)
	}

	return sample, nil
}

// processes tries the current entry point and falls back to the legacy one
// when the loaded driver lacks it.
func (s *Sampler) processes(dev domain.Device, kind domain.ProcessKind) []domain.ProcessInfo {
	procs, err := s.source.ReadProcesses(dev.Index, kind, domain.GenerationCurrent)
	if errors.Is(err, domain.ErrVersionMismatch) {
		s.logger.Debug("current process API unavailable, using legacy",
			"source", s.source.Name(), "device", dev.Index, "kind", kind)
		procs, err = s.source.ReadProcesses(dev.Index, kind, domain.GenerationLegacy)
	}

	reading := domain.ReadingOf(procs, err)
	if reading.Status == domain.ReadFailed {
		s.logger.Warn("failed to list processes",
			"source", s.source.Name(), "device", dev.Index, "kind", kind, "err", reading.Err)
	}
	if reading.Status != domain.ReadPresent {
		return nil
	}
	return reading.Value
}

func optional[T any](s *Sampler, dev domain.Device, metric string, r domain.Reading[T]) *T {
	if r.Status == domain.ReadFailed {
		s.logger.Warn("optional metric read failed",
			"source", s.source.Name(), "device", dev.Index, "metric", metric, "err", r.Err)
	}
	return r.Ptr()
}
