package sensor

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/worldland/energy-sensor/internal/domain"
)

// Registry is the fixed, index-ordered set of devices of one source.
type Registry struct {
	source  string
	devices []domain.Device
}

// NewRegistry enumerates the source's devices once
func NewRegistry(source domain.EnergySource, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	devices, err := source.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerate %s devices: %w", source.Name(), err)
	}

	devices = append([]domain.Device(nil), devices...)
	sort.SliceStable(devices, func(i, j int) bool { return devices[i].Index < devices[j].Index })

	describer, _ := source.(domain.DeviceDescriber)
	for _, d := range devices {
		if describer == nil {
			logger.Info("found device", "source", source.Name(), "index", d.Index, "name", d.Name)
			continue
		}
		info, err := describer.DeviceInfo(d.Index)
		if err != nil {
			logger.Warn("failed to describe device", "source", source.Name(), "index", d.Index, "err", err)
			continue
		}
		logger.Info("found device",
			"source", source.Name(),
			"index", d.Index,
			"name", info.Name,
			"uuid", info.UUID,
			"driver", info.DriverVersion,
			"power_limit_mw", info.PowerLimitMilliW,
			"memory_total_mb", info.MemoryTotalMB,
			"path", info.Path,
		)
	}

	return &Registry{source: source.Name(), devices: devices}, nil
}

// Devices returns a copy of the registered devices in index order
func (r *Registry) Devices() []domain.Device {
	return append([]domain.Device(nil), r.devices...)
}

// Len returns the number of registered devices
func (r *Registry) Len() int {
	return len(r.devices)
}
