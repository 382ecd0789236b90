package nvml

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/worldland/energy-sensor/internal/domain"
)

// MockProvider produces synthetic GPU readings for development without NVIDIA hardware.
// Each device draws a constant power, so its energy counter advances with wall time.
type MockProvider struct {
	PowerMilliW []uint32
	InitErr     error
	Now         func() time.Time

	mu      sync.Mutex
	started time.Time
}

// NewMockProvider creates count synthetic devices drawing between 60 W and 90 W
func NewMockProvider(count int) *MockProvider {
	power := make([]uint32, count)
	for i := range power {
		power[i] = 60000 + uint32(i%4)*10000
	}
	return &MockProvider{PowerMilliW: power, Now: time.Now}
}

func (p *MockProvider) Name() string {
	return "nvml"
}

func (p *MockProvider) Unit() domain.EnergyUnit {
	return domain.Millijoule
}

func (p *MockProvider) Init() error {
	if p.InitErr != nil {
		return p.InitErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Now == nil {
		p.Now = time.Now
	}
	p.started = p.Now()
	return nil
}

func (p *MockProvider) Shutdown() error {
	return nil
}

func (p *MockProvider) Devices() ([]domain.Device, error) {
	devices := make([]domain.Device, len(p.PowerMilliW))
	for i := range devices {
		devices[i] = domain.Device{Index: i, Name: fmt.Sprintf("Mock GPU %d", i)}
	}
	return devices, nil
}

func (p *MockProvider) MaxEnergy(int) uint64 {
	return math.MaxUint64
}

// ReadEnergy returns power x elapsed time in millijoules
func (p *MockProvider) ReadEnergy(index int) (uint64, error) {
	power, err := p.power(index)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	elapsed := p.Now().Sub(p.started)
	p.mu.Unlock()
	return uint64(power) * uint64(elapsed.Milliseconds()) / 1000, nil
}

func (p *MockProvider) ReadPower(index int) (uint32, error) {
	return p.power(index)
}

func (p *MockProvider) ReadUtilization(index int) (domain.Utilization, error) {
	if _, err := p.power(index); err != nil {
		return domain.Utilization{}, err
	}
	return domain.Utilization{GPU: 50, Memory: 33}, nil
}

func (p *MockProvider) ReadEncoderUtilization(int) (domain.UtilizationInfo, error) {
	return domain.UtilizationInfo{}, fmt.Errorf("mock encoder: %w", domain.ErrNotSupported)
}

func (p *MockProvider) ReadDecoderUtilization(int) (domain.UtilizationInfo, error) {
	return domain.UtilizationInfo{}, fmt.Errorf("mock decoder: %w", domain.ErrNotSupported)
}

func (p *MockProvider) ReadProcesses(index int, _ domain.ProcessKind, _ domain.APIGeneration) ([]domain.ProcessInfo, error) {
	if _, err := p.power(index); err != nil {
		return nil, err
	}
	return nil, nil
}

func (p *MockProvider) power(index int) (uint32, error) {
	if index < 0 || index >= len(p.PowerMilliW) {
		return 0, fmt.Errorf("mock device %d: %w", index, domain.ErrUnknownDevice)
	}
	return p.PowerMilliW[index], nil
}

// Compile-time interface check
var _ domain.EnergySource = (*MockProvider)(nil)
