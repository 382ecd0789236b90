package sink

import (
	"time"

	"github.com/worldland/energy-sensor/internal/domain"
)

func u32(v uint32) *uint32 { return &v }

var testTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testBatch() domain.MeasurementBatch {
	return domain.MeasurementBatch{
		Source:    "nvml",
		Unit:      domain.Millijoule,
		Timestamp: testTime,
		Samples: []domain.MetricSample{
			{
				DeviceIndex:        0,
				EnergyDelta:        2000,
				InstantaneousPower: u32(150000),
				Utilization:        &domain.Utilization{GPU: 87, Memory: 40},
				ComputeProcesses:   []domain.ProcessInfo{{PID: 100, UsedGPUMemory: 1 << 30}},
			},
			{
				DeviceIndex: 1,
				EnergyDelta: 500,
			},
		},
	}
}
