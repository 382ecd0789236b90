package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldland/energy-sensor/internal/adapters/nvml"
	"github.com/worldland/energy-sensor/internal/domain"
	"github.com/worldland/energy-sensor/internal/sensor"
)

// trackedSource is a synthetic source that records its lifetime calls
type trackedSource struct {
	*nvml.MockProvider
	name string

	mu        sync.Mutex
	shutdowns int
}

func newTrackedSource(name string, devices int) *trackedSource {
	return &trackedSource{MockProvider: nvml.NewMockProvider(devices), name: name}
}

func (s *trackedSource) Name() string { return s.name }

func (s *trackedSource) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdowns++
	return nil
}

func (s *trackedSource) Shutdowns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdowns
}

type collectingSink struct {
	mu      sync.Mutex
	batches []domain.MeasurementBatch
	err     error
	closed  bool
}

func (c *collectingSink) Consume(batch domain.MeasurementBatch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, batch)
	return c.err
}

func (c *collectingSink) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *collectingSink) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func (c *collectingSink) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func sinkFor(s *collectingSink) SinkFactory {
	return func(domain.EnergySource) (domain.Sink, error) { return s, nil }
}

func testLoopConfig() sensor.LoopConfig {
	return sensor.LoopConfig{Interval: 10 * time.Millisecond, MaxFailedTicks: 30}
}

func TestSensorDaemon_RunsAllSourcesUntilCanceled(t *testing.T) {
	gpu, cpu := newTrackedSource("nvml", 2), newTrackedSource("rapl", 1)
	gpuSink, cpuSink := &collectingSink{}, &collectingSink{}

	d := NewSensorDaemon(testLoopConfig(), nil)
	d.AddSource(gpu, sinkFor(gpuSink))
	d.AddSource(cpu, sinkFor(cpuSink))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		return gpuSink.Len() >= 3 && cpuSink.Len() >= 3
	}, 2*time.Second, 5*time.Millisecond)

	status := d.Status()
	require.Len(t, status, 2)
	assert.Equal(t, "nvml", status[0].Source)
	assert.Equal(t, domain.Millijoule, status[0].Unit)
	assert.Len(t, status[0].Devices, 2)
	assert.Positive(t, status[0].Ticks)
	assert.NotNil(t, status[0].LastTick)
	assert.Equal(t, "rapl", status[1].Source)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not stop")
	}

	assert.Equal(t, 1, gpu.Shutdowns())
	assert.Equal(t, 1, cpu.Shutdowns())
	assert.True(t, gpuSink.Closed())
	assert.True(t, cpuSink.Closed())
	assert.Empty(t, d.Status())

	gpuSink.mu.Lock()
	defer gpuSink.mu.Unlock()
	for _, b := range gpuSink.batches {
		assert.Equal(t, "nvml", b.Source)
		assert.Len(t, b.Samples, 2)
	}
}

func TestSensorDaemon_SkipsSourceThatFailsInit(t *testing.T) {
	broken := newTrackedSource("nvml", 1)
	broken.InitErr = errors.New("libnvidia-ml.so.1: cannot open shared object file")
	healthy := newTrackedSource("rapl", 1)

	factoryCalls := 0
	brokenSink := func(domain.EnergySource) (domain.Sink, error) {
		factoryCalls++
		return &collectingSink{}, nil
	}
	healthySink := &collectingSink{}

	d := NewSensorDaemon(testLoopConfig(), nil)
	d.AddSource(broken, brokenSink)
	d.AddSource(healthy, sinkFor(healthySink))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	require.NoError(t, d.Run(ctx))
	assert.Zero(t, factoryCalls)
	assert.Zero(t, broken.Shutdowns())
	assert.Positive(t, healthySink.Len())
}

func TestSensorDaemon_NoSources(t *testing.T) {
	broken := newTrackedSource("nvml", 1)
	broken.InitErr = errors.New("driver not loaded")

	d := NewSensorDaemon(testLoopConfig(), nil)
	d.AddSource(broken, sinkFor(&collectingSink{}))

	err := d.Run(context.Background())
	assert.ErrorIs(t, err, ErrNoSources)
}

func TestSensorDaemon_SinkFactoryFailureShutsSourceDown(t *testing.T) {
	src := newTrackedSource("nvml", 1)

	d := NewSensorDaemon(testLoopConfig(), nil)
	d.AddSource(src, func(domain.EnergySource) (domain.Sink, error) {
		return nil, errors.New("read-only file system")
	})

	err := d.Run(context.Background())
	assert.ErrorIs(t, err, ErrNoSources)
	assert.Equal(t, 1, src.Shutdowns())
}

func TestSensorDaemon_FatalSinkErrorStopsEveryLoop(t *testing.T) {
	gpu, cpu := newTrackedSource("nvml", 1), newTrackedSource("rapl", 1)
	failing := &collectingSink{err: errors.New("disk full")}
	healthy := &collectingSink{}

	d := NewSensorDaemon(testLoopConfig(), nil)
	d.AddSource(gpu, sinkFor(failing))
	d.AddSource(cpu, sinkFor(healthy))

	err := d.Run(context.Background())
	require.Error(t, err)

	var sinkErr *sensor.SinkError
	require.ErrorAs(t, err, &sinkErr)
	assert.Equal(t, "nvml", sinkErr.Source)
	assert.True(t, sensor.IsFatal(err))

	assert.Equal(t, 1, gpu.Shutdowns())
	assert.Equal(t, 1, cpu.Shutdowns())
	assert.True(t, healthy.Closed())
}
