package sink

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/worldland/energy-sensor/internal/domain"
)

const namespace = "energy_sensor"

type deviceKey struct {
	source string
	device int
}

type deviceState struct {
	energyTotal float64
	sample      domain.MetricSample
	timestamp   float64
}

type deviceMetric struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	extract   func(st deviceState) (float64, bool)
}

// PrometheusSink keeps the latest sample and the running energy total per
// device and exposes them as a prometheus.Collector.
type PrometheusSink struct {
	mu      sync.RWMutex
	devices map[deviceKey]*deviceState
	metrics []deviceMetric
	batches *prometheus.CounterVec
}

func NewPrometheusSink() *PrometheusSink {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "device", name),
			help,
			[]string{"source", "device"},
			nil,
		)
	}

	s := &PrometheusSink{
		devices: make(map[deviceKey]*deviceState),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Measurement batches consumed per source.",
		}, []string{"source"}),
	}

	s.metrics = []deviceMetric{
		{
			desc:      desc("energy_joules_total", "Accumulated energy in joules, counted from the device counter origin (driver load for NVML)."),
			valueType: prometheus.CounterValue,
			extract: func(st deviceState) (float64, bool) {
				return st.energyTotal, true
			},
		},
		{
			desc:      desc("power_watts", "Instantaneous power draw in watts."),
			valueType: prometheus.GaugeValue,
			extract: func(st deviceState) (float64, bool) {
				if st.sample.InstantaneousPower == nil {
					return 0, false
				}
				return float64(*st.sample.InstantaneousPower) / 1000, true
			},
		},
		{
			desc:      desc("utilization_percent", "Device busy percentage."),
			valueType: prometheus.GaugeValue,
			extract: func(st deviceState) (float64, bool) {
				if st.sample.Utilization == nil {
					return 0, false
				}
				return float64(st.sample.Utilization.GPU), true
			},
		},
		{
			desc:      desc("memory_utilization_percent", "Device memory busy percentage."),
			valueType: prometheus.GaugeValue,
			extract: func(st deviceState) (float64, bool) {
				if st.sample.Utilization == nil {
					return 0, false
				}
				return float64(st.sample.Utilization.Memory), true
			},
		},
		{
			desc:      desc("encoder_utilization_percent", "Video encoder busy percentage."),
			valueType: prometheus.GaugeValue,
			extract: func(st deviceState) (float64, bool) {
				if st.sample.EncoderUtilization == nil {
					return 0, false
				}
				return float64(st.sample.EncoderUtilization.Utilization), true
			},
		},
		{
			desc:      desc("decoder_utilization_percent", "Video decoder busy percentage."),
			valueType: prometheus.GaugeValue,
			extract: func(st deviceState) (float64, bool) {
				if st.sample.DecoderUtilization == nil {
					return 0, false
				}
				return float64(st.sample.DecoderUtilization.Utilization), true
			},
		},
		{
			desc:      desc("processes", "Compute and graphics processes bound to the device."),
			valueType: prometheus.GaugeValue,
			extract: func(st deviceState) (float64, bool) {
				return float64(len(st.sample.ComputeProcesses) + len(st.sample.GraphicsProcesses)), true
			},
		},
		{
			desc:      desc("sample_timestamp_seconds", "Unix timestamp of the latest sample."),
			valueType: prometheus.GaugeValue,
			extract: func(st deviceState) (float64, bool) {
				return st.timestamp, st.timestamp > 0
			},
		},
	}

	return s
}

func (s *PrometheusSink) Consume(batch domain.MeasurementBatch) error {
	perJoule := unitsPerJoule(batch.Unit)
	ts := float64(batch.Timestamp.UnixMilli()) / 1000

	s.mu.Lock()
	for _, sample := range batch.Samples {
		key := deviceKey{source: batch.Source, device: sample.DeviceIndex}
		st, ok := s.devices[key]
		if !ok {
			st = &deviceState{}
			s.devices[key] = st
		}
		st.energyTotal += float64(sample.EnergyDelta) / perJoule
		st.sample = sample
		st.timestamp = ts
	}
	s.mu.Unlock()

	s.batches.WithLabelValues(batch.Source).Inc()
	return nil
}

func (s *PrometheusSink) Describe(ch chan<- *prometheus.Desc) {
	for _, metric := range s.metrics {
		ch <- metric.desc
	}
	s.batches.Describe(ch)
}

func (s *PrometheusSink) Collect(ch chan<- prometheus.Metric) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for key, st := range s.devices {
		device := strconv.Itoa(key.device)
		for _, metric := range s.metrics {
			value, ok := metric.extract(*st)
			if !ok {
				continue
			}
			ch <- prometheus.MustNewConstMetric(metric.desc, metric.valueType, value, key.source, device)
		}
	}
	s.batches.Collect(ch)
}

// Handler serves the sink on a dedicated registry
func (s *PrometheusSink) Handler() (http.Handler, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(s); err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

func unitsPerJoule(unit domain.EnergyUnit) float64 {
	if unit == domain.Microjoule {
		return 1e6
	}
	return 1e3
}
