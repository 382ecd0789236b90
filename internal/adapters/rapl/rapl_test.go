package rapl

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldland/energy-sensor/internal/domain"
)

type fixtureZone struct {
	dir       string
	name      string
	energy    uint64
	maxEnergy uint64
}

func writeFixture(t *testing.T, zones ...fixtureZone) string {
	t.Helper()
	root := t.TempDir()
	for _, z := range zones {
		dir := filepath.Join(root, z.dir)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		writeValue(t, filepath.Join(dir, nameFile), z.name)
		writeValue(t, filepath.Join(dir, energyFile), strconv.FormatUint(z.energy, 10))
		if z.maxEnergy > 0 {
			writeValue(t, filepath.Join(dir, maxEnergyFile), strconv.FormatUint(z.maxEnergy, 10))
		}
	}
	return root
}

func writeValue(t *testing.T, path, value string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(value+"\n"), 0o644))
}

func standardFixture(t *testing.T) string {
	return writeFixture(t,
		fixtureZone{dir: "intel-rapl:1", name: "package-1", energy: 2000, maxEnergy: 262143328850},
		fixtureZone{dir: "intel-rapl:0:0", name: "core", energy: 500, maxEnergy: 262143328850},
		fixtureZone{dir: "intel-rapl:0", name: "package-0", energy: 1000, maxEnergy: 262143328850},
		fixtureZone{dir: "intel-rapl:10", name: "dram", energy: 42},
	)
}

func newInitialized(t *testing.T, root string) *Source {
	t.Helper()
	s := NewSource(root)
	require.NoError(t, s.Init())
	return s
}

func TestSource_Identity(t *testing.T) {
	s := NewSource("")
	assert.Equal(t, "rapl", s.Name())
	assert.Equal(t, domain.Microjoule, s.Unit())
	assert.Equal(t, DefaultRoot, s.root)
}

func TestSource_DevicesSortedByZone(t *testing.T) {
	s := newInitialized(t, standardFixture(t))

	devices, err := s.Devices()
	require.NoError(t, err)
	require.Len(t, devices, 4)

	names := make([]string, len(devices))
	for i, d := range devices {
		assert.Equal(t, i, d.Index)
		names[i] = d.Name
	}
	assert.Equal(t, []string{"package-0", "core", "package-1", "dram"}, names)
}

func TestSource_InitNoZones(t *testing.T) {
	s := NewSource(t.TempDir())
	err := s.Init()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoZones))

	_, err = s.Devices()
	assert.ErrorIs(t, err, ErrNoZones)
}

func TestSource_ReadEnergy(t *testing.T) {
	root := standardFixture(t)
	s := newInitialized(t, root)

	e, err := s.ReadEnergy(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), e)

	writeValue(t, filepath.Join(root, "intel-rapl:0", energyFile), "1750")
	e, err = s.ReadEnergy(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1750), e)

	_, err = s.ReadEnergy(9)
	assert.ErrorIs(t, err, domain.ErrUnknownDevice)
}

func TestSource_ReadEnergyMalformed(t *testing.T) {
	root := standardFixture(t)
	s := newInitialized(t, root)

	writeValue(t, filepath.Join(root, "intel-rapl:0", energyFile), "garbage")
	_, err := s.ReadEnergy(0)
	require.Error(t, err)
	assert.False(t, errors.Is(err, domain.ErrNotSupported))
}

func TestSource_MaxEnergy(t *testing.T) {
	s := newInitialized(t, standardFixture(t))

	assert.Equal(t, uint64(262143328850), s.MaxEnergy(0))
	// missing max_energy_range_uj
	assert.Equal(t, uint64(math.MaxUint64), s.MaxEnergy(3))
	assert.Equal(t, uint64(math.MaxUint64), s.MaxEnergy(42))
}

func TestSource_UnsupportedMetrics(t *testing.T) {
	s := newInitialized(t, standardFixture(t))

	_, err := s.ReadPower(0)
	assert.ErrorIs(t, err, domain.ErrNotSupported)
	_, err = s.ReadEncoderUtilization(0)
	assert.ErrorIs(t, err, domain.ErrNotSupported)
	_, err = s.ReadDecoderUtilization(0)
	assert.ErrorIs(t, err, domain.ErrNotSupported)
	_, err = s.ReadProcesses(0, domain.ComputeProcesses, domain.GenerationCurrent)
	assert.ErrorIs(t, err, domain.ErrNotSupported)

	// core zone has no host utilization
	_, err = s.ReadUtilization(1)
	assert.ErrorIs(t, err, domain.ErrNotSupported)
}

func TestSource_ReadUtilization(t *testing.T) {
	s := newInitialized(t, standardFixture(t))

	samples := []cpu.TimesStat{
		{CPU: "cpu-total", User: 30, System: 10, Idle: 60},
		{CPU: "cpu-total", User: 60, System: 20, Idle: 120},
	}
	calls := 0
	s.cpuTimes = func(bool) ([]cpu.TimesStat, error) {
		out := samples[calls]
		calls++
		return []cpu.TimesStat{out}, nil
	}
	s.virtualMemory = func() (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{UsedPercent: 33.4}, nil
	}

	u, err := s.ReadUtilization(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(40), u.GPU)
	assert.Equal(t, uint32(33), u.Memory)

	// second call uses the delta against the first
	u, err = s.ReadUtilization(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(40), u.GPU)
}

func TestSource_ReadUtilizationHostError(t *testing.T) {
	s := newInitialized(t, standardFixture(t))
	s.cpuTimes = func(bool) ([]cpu.TimesStat, error) {
		return nil, errors.New("proc unavailable")
	}

	_, err := s.ReadUtilization(0)
	require.Error(t, err)
	assert.False(t, errors.Is(err, domain.ErrNotSupported))
}

func TestSource_DeviceInfo(t *testing.T) {
	root := standardFixture(t)
	s := newInitialized(t, root)

	info, err := s.DeviceInfo(2)
	require.NoError(t, err)
	assert.Equal(t, "package-1", info.Name)
	assert.Equal(t, filepath.Join(root, "intel-rapl:1"), info.Path)
}

func TestZoneLess(t *testing.T) {
	assert.True(t, zoneLess("intel-rapl:0", "intel-rapl:0:0"))
	assert.True(t, zoneLess("intel-rapl:0:1", "intel-rapl:1"))
	assert.True(t, zoneLess("intel-rapl:9", "intel-rapl:10"))
	assert.False(t, zoneLess("intel-rapl:1", "intel-rapl:1"))
}
