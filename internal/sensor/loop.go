package sensor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/worldland/energy-sensor/internal/domain"
)

// LoopState is the polling loop's current phase
type LoopState int32

const (
	StateIdle LoopState = iota
	StateSampling
)

func (s LoopState) String() string {
	if s == StateSampling {
		return "sampling"
	}
	return "idle"
}

// LoopConfig holds polling loop settings
type LoopConfig struct {
	// Interval between ticks
	Interval time.Duration
	// Workers bounds concurrent device reads within a tick; <= 1 means sequential
	Workers int
	// MaxFailedTicks is the number of consecutive ticks with no readable device
	// after which ErrSourceUnavailable is reported. Zero disables the check.
	MaxFailedTicks int
	// Processes enables per-device process listing
	Processes bool
	// Now overrides the wall clock used to stamp batches
	Now func() time.Time
}

// Loop drives one energy source: every tick it samples all registered devices
// and hands the resulting batch to the sink.
type Loop struct {
	source   domain.EnergySource
	registry *Registry
	sampler  *Sampler
	sink     domain.Sink
	config   LoopConfig
	logger   *slog.Logger

	state       atomic.Int32
	ticks       atomic.Uint64
	lastTick    atomic.Int64
	failedTicks atomic.Int64
}

// LoopStats is a point-in-time view of a loop
type LoopStats struct {
	State LoopState
	// Ticks counts batches accepted by the sink
	Ticks    uint64
	LastTick time.Time
	// FailedTicks counts consecutive ticks in which no device could be read
	FailedTicks int
}

// NewLoop enumerates the source's devices and prepares the per-device counter state.
// The source must already be initialised.
func NewLoop(source domain.EnergySource, sink domain.Sink, config LoopConfig, logger *slog.Logger) (*Loop, error) {
	if sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "polling_loop", "source", source.Name())

	registry, err := NewRegistry(source, logger)
	if err != nil {
		return nil, err
	}

	tracker := NewCounterTracker(0)
	for _, dev := range registry.Devices() {
		tracker.SetLimit(dev.Index, source.MaxEnergy(dev.Index))
	}

	return &Loop{
		source:   source,
		registry: registry,
		sampler:  NewSampler(source, tracker, SamplerConfig{Processes: config.Processes}, logger),
		sink:     sink,
		config:   config,
		logger:   logger,
	}, nil
}

// State reports whether the loop is waiting or sampling
func (l *Loop) State() LoopState {
	return LoopState(l.state.Load())
}

// Stats reports the loop's progress. Safe to call while the loop runs.
func (l *Loop) Stats() LoopStats {
	stats := LoopStats{
		State:       l.State(),
		Ticks:       l.ticks.Load(),
		FailedTicks: int(l.failedTicks.Load()),
	}
	if ns := l.lastTick.Load(); ns != 0 {
		stats.LastTick = time.Unix(0, ns)
	}
	return stats
}

// Source returns the polled source
func (l *Loop) Source() domain.EnergySource {
	return l.source
}

// Registry exposes the loop's device set
func (l *Loop) Registry() *Registry {
	return l.registry
}

// Run ticks immediately and then every Interval until the sink fails, the source
// is declared unavailable, or ctx is canceled. A started tick always completes.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("polling loop started", "interval", l.config.Interval, "devices", l.registry.Len())

	ticker := time.NewTicker(l.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := l.Tick(); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			l.logger.Info("polling loop stopping", "reason", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick samples every device once and delivers the batch to the sink.
// Devices whose energy counter cannot be read are left out of the batch.
func (l *Loop) Tick() (domain.MeasurementBatch, error) {
	l.state.Store(int32(StateSampling))
	defer l.state.Store(int32(StateIdle))

	batch := domain.MeasurementBatch{
		Source:    l.source.Name(),
		Unit:      l.source.Unit(),
		Timestamp: l.config.Now(),
	}

	devices := l.registry.Devices()
	samples := make([]domain.MetricSample, len(devices))
	errs := make([]error, len(devices))

	if l.config.Workers > 1 && len(devices) > 1 {
		var g errgroup.Group
		g.SetLimit(l.config.Workers)
		for i, dev := range devices {
			g.Go(func() error {
				samples[i], errs[i] = l.sampler.Sample(dev)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, dev := range devices {
			samples[i], errs[i] = l.sampler.Sample(dev)
		}
	}

	batch.Samples = make([]domain.MetricSample, 0, len(devices))
	for i := range devices {
		if errs[i] != nil {
			l.logger.Warn("device skipped this tick", "device", devices[i].Index, "err", errs[i])
			continue
		}
		batch.Samples = append(batch.Samples, samples[i])
	}

	l.logger.Debug("measurement", "timestamp", batch.Timestamp, "samples", batch.Samples)

	if err := l.sink.Consume(batch); err != nil {
		return batch, &SinkError{Source: batch.Source, Err: err}
	}

	l.ticks.Add(1)
	l.lastTick.Store(batch.Timestamp.UnixNano())

	var failed int64
	if len(devices) > 0 && len(batch.Samples) == 0 {
		failed = l.failedTicks.Add(1)
	} else {
		l.failedTicks.Store(0)
	}
	if l.config.MaxFailedTicks > 0 && failed >= int64(l.config.MaxFailedTicks) {
		return batch, fmt.Errorf("%s: %d consecutive ticks: %w", l.source.Name(), failed, ErrSourceUnavailable)
	}

	return batch, nil
}

// IsFatal reports whether err should stop the surrounding process
func IsFatal(err error) bool {
	var sinkErr *SinkError
	return errors.As(err, &sinkErr) || errors.Is(err, ErrSourceUnavailable)
}
