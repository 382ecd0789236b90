//go:build !nonvml
// +build !nonvml

package nvml

import (
	"fmt"
	"math"
	"sync"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/worldland/energy-sensor/internal/domain"
)

// NVMLProvider reads NVIDIA GPU energy and utilization through NVML.
// Device handles are resolved once in Devices and reused every tick.
type NVMLProvider struct {
	lib nvml.Interface

	mu      sync.RWMutex
	devices []nvml.Device
}

func NewNVMLProvider() *NVMLProvider {
	return &NVMLProvider{lib: nvml.New()}
}

// NewNVMLProviderWithLibrary creates a provider on a given NVML binding (for testing)
func NewNVMLProviderWithLibrary(lib nvml.Interface) *NVMLProvider {
	return &NVMLProvider{lib: lib}
}

func (p *NVMLProvider) Name() string {
	return "nvml"
}

// Unit is millijoules: nvmlDeviceGetTotalEnergyConsumption counts mJ since driver load
func (p *NVMLProvider) Unit() domain.EnergyUnit {
	return domain.Millijoule
}

func (p *NVMLProvider) Init() error {
	ret := p.lib.Init()
	if ret != nvml.SUCCESS {
		return fmt.Errorf("NVML init failed: %v", p.lib.ErrorString(ret))
	}
	return nil
}

func (p *NVMLProvider) Shutdown() error {
	ret := p.lib.Shutdown()
	if ret != nvml.SUCCESS {
		return fmt.Errorf("NVML shutdown failed: %v", p.lib.ErrorString(ret))
	}
	return nil
}

func (p *NVMLProvider) Devices() ([]domain.Device, error) {
	count, ret := p.lib.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("failed to get device count: %v", p.lib.ErrorString(ret))
	}

	handles := make([]nvml.Device, 0, count)
	devices := make([]domain.Device, 0, count)
	for i := 0; i < count; i++ {
		device, ret := p.lib.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			return nil, fmt.Errorf("failed to get handle of device %d: %v", i, p.lib.ErrorString(ret))
		}
		name, ret := device.GetName()
		if ret != nvml.SUCCESS {
			name = ""
		}
		handles = append(handles, device)
		devices = append(devices, domain.Device{Index: i, Name: name})
	}

	p.mu.Lock()
	p.devices = handles
	p.mu.Unlock()
	return devices, nil
}

// MaxEnergy is the full width of NVML's 64-bit energy counter
func (p *NVMLProvider) MaxEnergy(int) uint64 {
	return math.MaxUint64
}

func (p *NVMLProvider) ReadEnergy(index int) (uint64, error) {
	device, err := p.device(index)
	if err != nil {
		return 0, err
	}
	energy, ret := device.GetTotalEnergyConsumption()
	return energy, p.check("total energy consumption", ret)
}

func (p *NVMLProvider) ReadPower(index int) (uint32, error) {
	device, err := p.device(index)
	if err != nil {
		return 0, err
	}
	power, ret := device.GetPowerUsage()
	return power, p.check("power usage", ret)
}

func (p *NVMLProvider) ReadUtilization(index int) (domain.Utilization, error) {
	device, err := p.device(index)
	if err != nil {
		return domain.Utilization{}, err
	}
	util, ret := device.GetUtilizationRates()
	if err := p.check("utilization rates", ret); err != nil {
		return domain.Utilization{}, err
	}
	return domain.Utilization{GPU: util.Gpu, Memory: util.Memory}, nil
}

func (p *NVMLProvider) ReadEncoderUtilization(index int) (domain.UtilizationInfo, error) {
	device, err := p.device(index)
	if err != nil {
		return domain.UtilizationInfo{}, err
	}
	util, period, ret := device.GetEncoderUtilization()
	if err := p.check("encoder utilization", ret); err != nil {
		return domain.UtilizationInfo{}, err
	}
	return domain.UtilizationInfo{Utilization: util, SamplingPeriodUs: period}, nil
}

func (p *NVMLProvider) ReadDecoderUtilization(index int) (domain.UtilizationInfo, error) {
	device, err := p.device(index)
	if err != nil {
		return domain.UtilizationInfo{}, err
	}
	util, period, ret := device.GetDecoderUtilization()
	if err := p.check("decoder utilization", ret); err != nil {
		return domain.UtilizationInfo{}, err
	}
	return domain.UtilizationInfo{Utilization: util, SamplingPeriodUs: period}, nil
}

// ReadProcesses lists processes on the device. The current generation uses the
// running-process queries; go-nvml already binds them to the newest v3/v2/v1
// symbol the driver exports. The legacy generation falls back to per-process
// utilization samples, which carry no kind, so they are reported as compute
// processes only.
func (p *NVMLProvider) ReadProcesses(index int, kind domain.ProcessKind, gen domain.APIGeneration) ([]domain.ProcessInfo, error) {
	device, err := p.device(index)
	if err != nil {
		return nil, err
	}

	if gen == domain.GenerationLegacy {
		if kind == domain.GraphicsProcesses {
			return nil, fmt.Errorf("legacy graphics processes: %w", domain.ErrNotSupported)
		}
		samples, ret := device.GetProcessUtilization(0)
		if err := p.check("process utilization", ret); err != nil {
			return nil, err
		}
		procs := make([]domain.ProcessInfo, 0, len(samples))
		for _, s := range samples {
			procs = append(procs, domain.ProcessInfo{PID: s.Pid})
		}
		return procs, nil
	}

	var (
		infos []nvml.ProcessInfo
		ret   nvml.Return
	)
	if kind == domain.GraphicsProcesses {
		infos, ret = device.GetGraphicsRunningProcesses()
	} else {
		infos, ret = device.GetComputeRunningProcesses()
	}
	if err := p.check(kind.String()+" running processes", ret); err != nil {
		return nil, err
	}

	procs := make([]domain.ProcessInfo, 0, len(infos))
	for _, info := range infos {
		procs = append(procs, domain.ProcessInfo{PID: info.Pid, UsedGPUMemory: info.UsedGpuMemory})
	}
	return procs, nil
}

// DeviceInfo reports static details of a device for startup diagnostics
func (p *NVMLProvider) DeviceInfo(index int) (domain.DeviceInfo, error) {
	device, err := p.device(index)
	if err != nil {
		return domain.DeviceInfo{}, err
	}

	name, ret := device.GetName()
	if err := p.check("name", ret); err != nil {
		return domain.DeviceInfo{}, err
	}
	uuid, _ := device.GetUUID()
	driver, _ := p.lib.SystemGetDriverVersion()
	limit, _ := device.GetEnforcedPowerLimit()
	memInfo, _ := device.GetMemoryInfo()

	return domain.DeviceInfo{
		Name:             name,
		UUID:             uuid,
		DriverVersion:    driver,
		PowerLimitMilliW: limit,
		MemoryTotalMB:    memInfo.Total / (1024 * 1024),
	}, nil
}

func (p *NVMLProvider) device(index int) (nvml.Device, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if index < 0 || index >= len(p.devices) {
		return nil, fmt.Errorf("nvml device %d: %w", index, domain.ErrUnknownDevice)
	}
	return p.devices[index], nil
}

// check maps an NVML return code onto the domain error taxonomy
func (p *NVMLProvider) check(op string, ret nvml.Return) error {
	switch ret {
	case nvml.SUCCESS:
		return nil
	case nvml.ERROR_NOT_SUPPORTED:
		return fmt.Errorf("%s: %w", op, domain.ErrNotSupported)
	case nvml.ERROR_FUNCTION_NOT_FOUND, nvml.ERROR_ARGUMENT_VERSION_MISMATCH:
		return fmt.Errorf("%s: %s: %w", op, p.lib.ErrorString(ret), domain.ErrVersionMismatch)
	default:
		return fmt.Errorf("%s: %s", op, p.lib.ErrorString(ret))
	}
}

// Compile-time interface check
var (
	_ domain.EnergySource    = (*NVMLProvider)(nil)
	_ domain.DeviceDescriber = (*NVMLProvider)(nil)
)
