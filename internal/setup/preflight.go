// Package setup checks that the host exposes the energy interfaces the sensor needs.
package setup

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/worldland/energy-sensor/internal/domain"
)

const osReleasePath = "/etc/os-release"

// DeviceCheck is the probe result for one device
type DeviceCheck struct {
	Device domain.Device
	Info   *domain.DeviceInfo
	Energy uint64
	Err    error
}

// SourceCheck is the probe result for one energy source
type SourceCheck struct {
	Name    string
	Unit    domain.EnergyUnit
	Err     error
	Devices []DeviceCheck
}

// Available reports whether at least one device returned an energy reading
func (s SourceCheck) Available() bool {
	if s.Err != nil {
		return false
	}
	for _, d := range s.Devices {
		if d.Err == nil {
			return true
		}
	}
	return false
}

// PreflightResult contains the results of the preflight check
type PreflightResult struct {
	Sources   []SourceCheck
	OSId      string // "ubuntu", "debian", etc.
	OSVersion string // "22.04", "12", etc.
}

// RunPreflight opens every source, reads each device's details and energy
// counter once, and closes the source again.
func RunPreflight(sources ...domain.EnergySource) *PreflightResult {
	result := &PreflightResult{}
	result.OSId, result.OSVersion = detectOS(osReleasePath)

	for _, src := range sources {
		result.Sources = append(result.Sources, checkSource(src))
	}
	return result
}

// Ready reports whether any source can be sampled
func (r *PreflightResult) Ready() bool {
	for _, s := range r.Sources {
		if s.Available() {
			return true
		}
	}
	return false
}

// PrintStatus prints the preflight check results
func (r *PreflightResult) PrintStatus(w io.Writer) {
	fmt.Fprintf(w, "  OS: %s %s\n", r.OSId, r.OSVersion)
	for _, s := range r.Sources {
		if s.Err != nil {
			fmt.Fprintf(w, "  ✗ %s: %v\n", s.Name, s.Err)
			continue
		}
		mark := "✓"
		if !s.Available() {
			mark = "✗"
		}
		fmt.Fprintf(w, "  %s %s: %d device(s), energy in %s\n", mark, s.Name, len(s.Devices), s.Unit)
		for _, d := range s.Devices {
			label := d.Device.Name
			if d.Info != nil && d.Info.UUID != "" {
				label += " (" + d.Info.UUID + ")"
			}
			if d.Err != nil {
				fmt.Fprintf(w, "      [%d] %s: %v\n", d.Device.Index, label, d.Err)
				continue
			}
			fmt.Fprintf(w, "      [%d] %s: counter=%d\n", d.Device.Index, label, d.Energy)
			if d.Info != nil && d.Info.DriverVersion != "" {
				fmt.Fprintf(w, "          driver %s, power limit %d mW, memory %d MiB\n",
					d.Info.DriverVersion, d.Info.PowerLimitMilliW, d.Info.MemoryTotalMB)
			}
		}
	}
}

func checkSource(src domain.EnergySource) SourceCheck {
	sc := SourceCheck{Name: src.Name(), Unit: src.Unit()}

	if err := src.Init(); err != nil {
		sc.Err = err
		return sc
	}
	defer src.Shutdown()

	devices, err := src.Devices()
	if err != nil {
		sc.Err = err
		return sc
	}

	describer, _ := src.(domain.DeviceDescriber)
	for _, dev := range devices {
		dc := DeviceCheck{Device: dev}
		if describer != nil {
			if info, err := describer.DeviceInfo(dev.Index); err == nil {
				dc.Info = &info
			}
		}
		dc.Energy, dc.Err = src.ReadEnergy(dev.Index)
		sc.Devices = append(sc.Devices, dc)
	}
	return sc
}

func detectOS(path string) (id, version string) {
	f, err := os.Open(path)
	if err != nil {
		return "unknown", ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "ID=") {
			id = strings.Trim(strings.TrimPrefix(line, "ID="), "\"")
		}
		if strings.HasPrefix(line, "VERSION_ID=") {
			version = strings.Trim(strings.TrimPrefix(line, "VERSION_ID="), "\"")
		}
	}
	return id, version
}
