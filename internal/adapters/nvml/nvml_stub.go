//go:build nonvml
// +build nonvml

package nvml

import (
	"fmt"
	"math"

	"github.com/worldland/energy-sensor/internal/domain"
)

var errNoNVML = fmt.Errorf("NVML not available (built with nonvml tag)")

// NVMLProvider stub - used when building without NVIDIA libraries
type NVMLProvider struct{}

func NewNVMLProvider() *NVMLProvider {
	return &NVMLProvider{}
}

func (p *NVMLProvider) Name() string            { return "nvml" }
func (p *NVMLProvider) Unit() domain.EnergyUnit { return domain.Millijoule }
func (p *NVMLProvider) Init() error             { return errNoNVML }
func (p *NVMLProvider) Shutdown() error         { return nil }
func (p *NVMLProvider) MaxEnergy(int) uint64    { return math.MaxUint64 }
func (p *NVMLProvider) Devices() ([]domain.Device, error) {
	return nil, errNoNVML
}

func (p *NVMLProvider) ReadEnergy(int) (uint64, error) {
	return 0, errNoNVML
}

func (p *NVMLProvider) ReadPower(int) (uint32, error) {
	return 0, errNoNVML
}

func (p *NVMLProvider) ReadUtilization(int) (domain.Utilization, error) {
	return domain.Utilization{}, errNoNVML
}

func (p *NVMLProvider) ReadEncoderUtilization(int) (domain.UtilizationInfo, error) {
	return domain.UtilizationInfo{}, errNoNVML
}

func (p *NVMLProvider) ReadDecoderUtilization(int) (domain.UtilizationInfo, error) {
	return domain.UtilizationInfo{}, errNoNVML
}

func (p *NVMLProvider) ReadProcesses(int, domain.ProcessKind, domain.APIGeneration) ([]domain.ProcessInfo, error) {
	return nil, errNoNVML
}

// Compile-time interface check
var _ domain.EnergySource = (*NVMLProvider)(nil)
