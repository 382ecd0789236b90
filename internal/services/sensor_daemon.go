package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/worldland/energy-sensor/internal/domain"
	"github.com/worldland/energy-sensor/internal/sensor"
)

// ErrNoSources is returned when no configured source could be started
var ErrNoSources = errors.New("no energy source available")

// SinkFactory builds the sink for a source once the source is initialised
type SinkFactory func(source domain.EnergySource) (domain.Sink, error)

type pipeline struct {
	source  domain.EnergySource
	newSink SinkFactory
}

// SensorDaemon owns the driver sessions of its sources and runs one polling
// loop per source until the context ends or a loop fails fatally.
type SensorDaemon struct {
	config    sensor.LoopConfig
	logger    *slog.Logger
	pipelines []pipeline

	mu    sync.RWMutex
	loops []*sensor.Loop
}

// SourceStatus describes one running source for status reporting
type SourceStatus struct {
	Source      string            `json:"source"`
	Unit        domain.EnergyUnit `json:"unit"`
	State       string            `json:"state"`
	Devices     []domain.Device   `json:"devices"`
	Ticks       uint64            `json:"ticks"`
	LastTick    *time.Time        `json:"last_tick,omitempty"`
	FailedTicks int               `json:"consecutive_failed_ticks"`
}

// NewSensorDaemon creates a daemon whose loops share config
func NewSensorDaemon(config sensor.LoopConfig, logger *slog.Logger) *SensorDaemon {
	if logger == nil {
		logger = slog.Default()
	}
	return &SensorDaemon{
		config: config,
		logger: logger.With("component", "daemon"),
	}
}

// AddSource registers a source. Sources that fail to start are skipped.
func (d *SensorDaemon) AddSource(source domain.EnergySource, newSink SinkFactory) {
	d.pipelines = append(d.pipelines, pipeline{source: source, newSink: newSink})
}

// Run starts every source and blocks until ctx is canceled or a loop returns a
// fatal error. Sources are shut down and sinks closed before it returns.
func (d *SensorDaemon) Run(ctx context.Context) error {
	var loops []*sensor.Loop
	var cleanups []func()
	defer func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}()

	for _, p := range d.pipelines {
		loop, cleanup, err := d.start(p)
		if err != nil {
			d.logger.Warn("source unavailable", "source", p.source.Name(), "err", err)
			continue
		}
		cleanups = append(cleanups, cleanup)
		loops = append(loops, loop)
	}

	if len(loops) == 0 {
		return ErrNoSources
	}

	d.mu.Lock()
	d.loops = loops
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.loops = nil
		d.mu.Unlock()
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, loop := range loops {
		g.Go(func() error {
			err := loop.Run(gctx)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		})
	}

	err := g.Wait()
	if err != nil {
		d.logger.Error("sensor stopped", "err", err)
		return err
	}
	d.logger.Info("sensor stopped")
	return nil
}

// Status reports every running loop, in registration order
func (d *SensorDaemon) Status() []SourceStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]SourceStatus, 0, len(d.loops))
	for _, loop := range d.loops {
		stats := loop.Stats()
		st := SourceStatus{
			Source:      loop.Source().Name(),
			Unit:        loop.Source().Unit(),
			State:       stats.State.String(),
			Devices:     loop.Registry().Devices(),
			Ticks:       stats.Ticks,
			FailedTicks: stats.FailedTicks,
		}
		if !stats.LastTick.IsZero() {
			last := stats.LastTick
			st.LastTick = &last
		}
		out = append(out, st)
	}
	return out
}

// start initialises a source and builds its sink and loop. The returned cleanup
// closes the sink and shuts the source down.
func (d *SensorDaemon) start(p pipeline) (*sensor.Loop, func(), error) {
	name := p.source.Name()
	if err := p.source.Init(); err != nil {
		return nil, nil, fmt.Errorf("init: %w", err)
	}

	shutdown := func() {
		if err := p.source.Shutdown(); err != nil {
			d.logger.Warn("source shutdown failed", "source", name, "err", err)
		}
	}

	sink, err := p.newSink(p.source)
	if err != nil {
		shutdown()
		return nil, nil, fmt.Errorf("create sink: %w", err)
	}

	closeSink := func() {
		if c, ok := sink.(io.Closer); ok {
			if err := c.Close(); err != nil {
				d.logger.Warn("sink close failed", "source", name, "err", err)
			}
		}
	}

	loop, err := sensor.NewLoop(p.source, sink, d.config, d.logger)
	if err != nil {
		closeSink()
		shutdown()
		return nil, nil, err
	}

	return loop, func() {
		closeSink()
		shutdown()
	}, nil
}
