package domain

import "errors"

var (
	// ErrNotSupported means the hardware or driver does not provide the metric on this device
	ErrNotSupported = errors.New("metric not supported on this device")
	// ErrVersionMismatch means the requested driver entry point is missing in the loaded library
	ErrVersionMismatch = errors.New("driver entry point not available")
	// ErrUnknownDevice is returned for an index the source never enumerated
	ErrUnknownDevice = errors.New("unknown device index")
)

// ProcessKind selects which process list to read
type ProcessKind int

const (
	ComputeProcesses ProcessKind = iota
	GraphicsProcesses
)

func (k ProcessKind) String() string {
	if k == GraphicsProcesses {
		return "graphics"
	}
	return "compute"
}

// APIGeneration selects between the current and the legacy driver entry point
type APIGeneration int

const (
	GenerationCurrent APIGeneration = iota
	GenerationLegacy
)

// EnergySource abstracts a hardware energy interface (NVML, RAPL or mock).
// Optional reads return an error wrapping ErrNotSupported when the metric
// does not exist on the device.
type EnergySource interface {
	// Name identifies the source in logs, metrics and file names
	Name() string
	// Unit is the unit of ReadEnergy values
	Unit() EnergyUnit
	// Init acquires the driver session
	Init() error
	// Shutdown releases the driver session
	Shutdown() error
	// Devices enumerates monitorable devices in index order
	Devices() ([]Device, error)
	// MaxEnergy is the largest value the device's energy counter can hold
	MaxEnergy(index int) uint64
	// ReadEnergy returns the absolute energy counter
	ReadEnergy(index int) (uint64, error)
	// ReadPower returns the instantaneous power draw in milliwatts
	ReadPower(index int) (uint32, error)
	ReadUtilization(index int) (Utilization, error)
	ReadEncoderUtilization(index int) (UtilizationInfo, error)
	ReadDecoderUtilization(index int) (UtilizationInfo, error)
	// ReadProcesses lists processes through the given entry point generation.
	// A missing entry point is reported with ErrVersionMismatch.
	ReadProcesses(index int, kind ProcessKind, gen APIGeneration) ([]ProcessInfo, error)
}

// DeviceDescriber is implemented by sources that can report static device details
type DeviceDescriber interface {
	DeviceInfo(index int) (DeviceInfo, error)
}

// Sink receives completed measurement batches
type Sink interface {
	Consume(batch MeasurementBatch) error
}
