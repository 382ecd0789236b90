// Package rapl reads CPU energy counters from the Linux powercap interface.
package rapl

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/worldland/energy-sensor/internal/domain"
)

const (
	DefaultRoot = "/sys/class/powercap"

	zoneGlob        = "intel-rapl:*"
	energyFile      = "energy_uj"
	maxEnergyFile   = "max_energy_range_uj"
	nameFile        = "name"
	packageZoneName = "package-"
	psysZoneName    = "psys"
)

// ErrNoZones is returned when the powercap tree exposes no RAPL zone
var ErrNoZones = errors.New("no RAPL zones found")

type zone struct {
	name      string
	path      string
	maxEnergy uint64
}

// Source exposes every RAPL zone (packages, cores, uncore, dram, psys) as a device.
// Energy is in microjoules and wraps at the zone's max_energy_range_uj.
type Source struct {
	root  string
	zones []zone

	// host utilization readers, replaceable in tests
	cpuTimes      func(percpu bool) ([]cpu.TimesStat, error)
	virtualMemory func() (*mem.VirtualMemoryStat, error)

	mu      sync.Mutex
	prevCPU map[int]cpu.TimesStat
}

// NewSource creates a source rooted at a powercap directory
func NewSource(root string) *Source {
	if root == "" {
		root = DefaultRoot
	}
	return &Source{
		root:          root,
		cpuTimes:      cpu.Times,
		virtualMemory: mem.VirtualMemory,
		prevCPU:       make(map[int]cpu.TimesStat),
	}
}

func (s *Source) Name() string {
	return "rapl"
}

func (s *Source) Unit() domain.EnergyUnit {
	return domain.Microjoule
}

// Init discovers the zones and checks the first one is readable
func (s *Source) Init() error {
	zones, err := discoverZones(s.root)
	if err != nil {
		return err
	}
	if _, err := readUint(filepath.Join(zones[0].path, energyFile)); err != nil {
		return fmt.Errorf("read %s energy: %w", zones[0].name, err)
	}
	s.zones = zones
	return nil
}

func (s *Source) Shutdown() error {
	return nil
}

func (s *Source) Devices() ([]domain.Device, error) {
	if len(s.zones) == 0 {
		return nil, ErrNoZones
	}
	devices := make([]domain.Device, len(s.zones))
	for i, z := range s.zones {
		devices[i] = domain.Device{Index: i, Name: z.name}
	}
	return devices, nil
}

func (s *Source) MaxEnergy(index int) uint64 {
	z, err := s.zone(index)
	if err != nil {
		return math.MaxUint64
	}
	return z.maxEnergy
}

func (s *Source) ReadEnergy(index int) (uint64, error) {
	z, err := s.zone(index)
	if err != nil {
		return 0, err
	}
	return readUint(filepath.Join(z.path, energyFile))
}

func (s *Source) ReadPower(index int) (uint32, error) {
	if _, err := s.zone(index); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("rapl power: %w", domain.ErrNotSupported)
}

// ReadUtilization reports host-wide CPU and memory utilization for package and
// psys zones. CPU usage is computed from the time spent since this zone's
// previous call.
func (s *Source) ReadUtilization(index int) (domain.Utilization, error) {
	z, err := s.zone(index)
	if err != nil {
		return domain.Utilization{}, err
	}
	if !strings.HasPrefix(z.name, packageZoneName) && z.name != psysZoneName {
		return domain.Utilization{}, fmt.Errorf("rapl %s utilization: %w", z.name, domain.ErrNotSupported)
	}

	times, err := s.cpuTimes(false)
	if err != nil {
		return domain.Utilization{}, fmt.Errorf("cpu times: %w", err)
	}
	if len(times) == 0 {
		return domain.Utilization{}, fmt.Errorf("cpu times: empty result")
	}
	vm, err := s.virtualMemory()
	if err != nil {
		return domain.Utilization{}, fmt.Errorf("virtual memory: %w", err)
	}

	cur := times[0]
	s.mu.Lock()
	prev, seen := s.prevCPU[index]
	s.prevCPU[index] = cur
	s.mu.Unlock()

	var cpuPct float64
	if seen {
		cpuPct = busyPercent(prev, cur)
	} else {
		cpuPct = busyPercent(cpu.TimesStat{}, cur)
	}

	return domain.Utilization{
		GPU:    clampPercent(cpuPct),
		Memory: clampPercent(vm.UsedPercent),
	}, nil
}

func (s *Source) ReadEncoderUtilization(int) (domain.UtilizationInfo, error) {
	return domain.UtilizationInfo{}, fmt.Errorf("rapl encoder: %w", domain.ErrNotSupported)
}

func (s *Source) ReadDecoderUtilization(int) (domain.UtilizationInfo, error) {
	return domain.UtilizationInfo{}, fmt.Errorf("rapl decoder: %w", domain.ErrNotSupported)
}

func (s *Source) ReadProcesses(int, domain.ProcessKind, domain.APIGeneration) ([]domain.ProcessInfo, error) {
	return nil, fmt.Errorf("rapl processes: %w", domain.ErrNotSupported)
}

// DeviceInfo reports the zone name and sysfs path
func (s *Source) DeviceInfo(index int) (domain.DeviceInfo, error) {
	z, err := s.zone(index)
	if err != nil {
		return domain.DeviceInfo{}, err
	}
	return domain.DeviceInfo{Name: z.name, Path: z.path}, nil
}

func (s *Source) zone(index int) (zone, error) {
	if index < 0 || index >= len(s.zones) {
		return zone{}, fmt.Errorf("rapl zone %d: %w", index, domain.ErrUnknownDevice)
	}
	return s.zones[index], nil
}

func discoverZones(root string) ([]zone, error) {
	matches, err := filepath.Glob(filepath.Join(root, zoneGlob))
	if err != nil {
		return nil, fmt.Errorf("glob rapl zones: %w", err)
	}
	sort.Slice(matches, func(i, j int) bool {
		return zoneLess(filepath.Base(matches[i]), filepath.Base(matches[j]))
	})

	zones := make([]zone, 0, len(matches))
	for _, path := range matches {
		if _, err := os.Stat(filepath.Join(path, energyFile)); err != nil {
			continue
		}
		name := filepath.Base(path)
		if raw, err := os.ReadFile(filepath.Join(path, nameFile)); err == nil {
			if trimmed := strings.TrimSpace(string(raw)); trimmed != "" {
				name = trimmed
			}
		}
		maxEnergy, err := readUint(filepath.Join(path, maxEnergyFile))
		if err != nil || maxEnergy == 0 {
			maxEnergy = math.MaxUint64
		}
		zones = append(zones, zone{name: name, path: path, maxEnergy: maxEnergy})
	}

	if len(zones) == 0 {
		return nil, fmt.Errorf("%s: %w", root, ErrNoZones)
	}
	return zones, nil
}

// zoneLess orders "intel-rapl:1:0" after "intel-rapl:1" and "intel-rapl:10" after "intel-rapl:9"
func zoneLess(a, b string) bool {
	pa := strings.Split(strings.TrimPrefix(a, "intel-rapl:"), ":")
	pb := strings.Split(strings.TrimPrefix(b, "intel-rapl:"), ":")
	for i := 0; i < len(pa) && i < len(pb); i++ {
		na, errA := strconv.Atoi(pa[i])
		nb, errB := strconv.Atoi(pb[i])
		if errA != nil || errB != nil {
			if pa[i] != pb[i] {
				return pa[i] < pb[i]
			}
			continue
		}
		if na != nb {
			return na < nb
		}
	}
	return len(pa) < len(pb)
}

func readUint(path string) (uint64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return value, nil
}

func busyPercent(prev, cur cpu.TimesStat) float64 {
	total := cur.Total() - prev.Total()
	idle := (cur.Idle + cur.Iowait) - (prev.Idle + prev.Iowait)
	if total <= 0 {
		return 0
	}
	return 100 * (1 - idle/total)
}

func clampPercent(v float64) uint32 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return uint32(math.Round(v))
	}
}

// Compile-time interface check
var (
	_ domain.EnergySource    = (*Source)(nil)
	_ domain.DeviceDescriber = (*Source)(nil)
)
