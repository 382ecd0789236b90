package sensor

import (
	"fmt"
	"math"
	"sync"

	"github.com/worldland/energy-sensor/internal/domain"
)

// fakeSource implements domain.EnergySource for testing
type fakeSource struct {
	mu sync.Mutex

	devices []domain.Device
	// energy[i] is consumed one reading per ReadEnergy call
	energy    map[int][]uint64
	energyErr map[int]error
	limit     map[int]uint64

	power    map[int]uint32
	powerErr map[int]error
	util     map[int]domain.Utilization
	utilErr  map[int]error
	codecErr error
	procs    map[domain.APIGeneration][]domain.ProcessInfo
	procsErr map[domain.APIGeneration]error
	devsErr  error

	// Call tracking
	ProcessCalls []domain.APIGeneration
	EnergyCalls  []int
}

func newFakeSource(n int) *fakeSource {
	f := &fakeSource{
		energy:    make(map[int][]uint64),
		energyErr: make(map[int]error),
		limit:     make(map[int]uint64),
		power:     make(map[int]uint32),
		powerErr:  make(map[int]error),
		util:      make(map[int]domain.Utilization),
		utilErr:   make(map[int]error),
		codecErr:  domain.ErrNotSupported,
		procs:     make(map[domain.APIGeneration][]domain.ProcessInfo),
		procsErr:  make(map[domain.APIGeneration]error),
	}
	for i := 0; i < n; i++ {
		f.devices = append(f.devices, domain.Device{Index: i, Name: fmt.Sprintf("fake-%d", i)})
	}
	return f
}

func (f *fakeSource) Name() string            { return "fake" }
func (f *fakeSource) Unit() domain.EnergyUnit { return domain.Millijoule }
func (f *fakeSource) Init() error             { return nil }
func (f *fakeSource) Shutdown() error         { return nil }
func (f *fakeSource) Devices() ([]domain.Device, error) {
	return f.devices, f.devsErr
}

func (f *fakeSource) MaxEnergy(index int) uint64 {
	if l, ok := f.limit[index]; ok {
		return l
	}
	return math.MaxUint64
}

func (f *fakeSource) ReadEnergy(index int) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.EnergyCalls = append(f.EnergyCalls, index)
	if err := f.energyErr[index]; err != nil {
		return 0, err
	}
	seq := f.energy[index]
	if len(seq) == 0 {
		return 0, fmt.Errorf("no reading queued for device %d", index)
	}
	v := seq[0]
	if len(seq) > 1 {
		f.energy[index] = seq[1:]
	}
	return v, nil
}

func (f *fakeSource) ReadPower(index int) (uint32, error) {
	if err := f.powerErr[index]; err != nil {
		return 0, err
	}
	return f.power[index], nil
}

func (f *fakeSource) ReadUtilization(index int) (domain.Utilization, error) {
	if err := f.utilErr[index]; err != nil {
		return domain.Utilization{}, err
	}
	return f.util[index], nil
}

func (f *fakeSource) ReadEncoderUtilization(int) (domain.UtilizationInfo, error) {
	return domain.UtilizationInfo{}, f.codecErr
}

func (f *fakeSource) ReadDecoderUtilization(int) (domain.UtilizationInfo, error) {
	return domain.UtilizationInfo{}, f.codecErr
}

func (f *fakeSource) ReadProcesses(_ int, _ domain.ProcessKind, gen domain.APIGeneration) ([]domain.ProcessInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ProcessCalls = append(f.ProcessCalls, gen)
	if err := f.procsErr[gen]; err != nil {
		return nil, err
	}
	return f.procs[gen], nil
}

// recordingSink stores every batch it receives
type recordingSink struct {
	mu      sync.Mutex
	batches []domain.MeasurementBatch
	err     error
}

func (s *recordingSink) Consume(batch domain.MeasurementBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, batch)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

var _ domain.EnergySource = (*fakeSource)(nil)
