package domain

import "time"

// EnergyUnit names the unit of a source's absolute energy counter
type EnergyUnit string

const (
	Millijoule EnergyUnit = "milliJ"
	Microjoule EnergyUnit = "microJ"
)

// Device identifies one monitorable device or energy domain.
// Index is assigned at enumeration and never changes.
type Device struct {
	Index int    `json:"index"`
	Name  string `json:"name,omitempty"`
}

// DeviceInfo holds static device details reported at startup
type DeviceInfo struct {
	Name             string `json:"name"`
	UUID             string `json:"uuid,omitempty"`
	DriverVersion    string `json:"driver_version,omitempty"`
	PowerLimitMilliW uint32 `json:"power_limit_mw,omitempty"`
	MemoryTotalMB    uint64 `json:"memory_total_mb,omitempty"`
	Path             string `json:"path,omitempty"`
}

// Utilization is the percentage of time (0-100) the device and its memory
// were busy over the driver's last sample period.
type Utilization struct {
	GPU    uint32 `json:"gpu"`
	Memory uint32 `json:"memory"`
}

// UtilizationInfo is an encoder/decoder load with the period it covers
type UtilizationInfo struct {
	Utilization      uint32 `json:"utilization"`
	SamplingPeriodUs uint32 `json:"sampling_period_us"`
}

// ProcessInfo describes a process bound to a device
type ProcessInfo struct {
	PID           uint32 `json:"pid"`
	UsedGPUMemory uint64 `json:"used_gpu_memory_bytes,omitempty"`
	Container     string `json:"container,omitempty"`
}

// MetricSample is one device's measurement for one tick.
// Nil pointer fields mean the metric is absent for this device.
type MetricSample struct {
	DeviceIndex        int              `json:"device_index"`
	EnergyDelta        uint64           `json:"energy_delta"`
	InstantaneousPower *uint32          `json:"instantaneous_power_mw"`
	Utilization        *Utilization     `json:"utilization"`
	EncoderUtilization *UtilizationInfo `json:"encoder_utilization"`
	DecoderUtilization *UtilizationInfo `json:"decoder_utilization"`
	ComputeProcesses   []ProcessInfo    `json:"compute_processes"`
	GraphicsProcesses  []ProcessInfo    `json:"graphics_processes"`
}

// MeasurementBatch is the result of one polling round of a source.
// Samples are ordered by device index. Consumers must treat it as read-only.
type MeasurementBatch struct {
	Source    string         `json:"source"`
	Unit      EnergyUnit     `json:"unit"`
	Timestamp time.Time      `json:"timestamp"`
	Samples   []MetricSample `json:"samples"`
}
