package worker

import (
	"log/slog"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// GPU is the outcome of the accelerator probe, decided once at startup.
// Workers on hosts without NVIDIA hardware or drivers get the unavailable
// variant and report zeroed GPU telemetry; the pipeline itself is
// unaffected either way.
type GPU struct {
	device    nvml.Device
	available bool
}

// ProbeGPU attempts to initialize NVML and acquire the device at the given
// index. Failure is an expected condition, logged once at info level.
func ProbeGPU(index int, log *slog.Logger) GPU {
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		log.Info("gpu telemetry disabled", slog.String("reason", nvml.ErrorString(ret)))
		return GPU{}
	}

	device, ret := nvml.DeviceGetHandleByIndex(index)
	if ret != nvml.SUCCESS {
		log.Info("gpu telemetry disabled",
			slog.Int("index", index),
			slog.String("reason", nvml.ErrorString(ret)))
		return GPU{}
	}

	log.Info("gpu telemetry enabled", slog.Int("index", index))
	return GPU{device: device, available: true}
}

// Available reports whether the probe found a usable device.
func (g GPU) Available() bool { return g.available }

// GPUSample is one reading from the device.
type GPUSample struct {
	UtilizationPercent float64
	MemoryUsedBytes    float64
	MemoryTotalBytes   float64
}

// Sample reads current utilization and memory figures. ok is false when the
// device is unavailable or the read fails; callers report zeros in that case.
func (g GPU) Sample() (GPUSample, bool) {
	if !g.available {
		return GPUSample{}, false
	}

	util, ret := g.device.GetUtilizationRates()
	if ret != nvml.SUCCESS {
		return GPUSample{}, false
	}
	mem, ret := g.device.GetMemoryInfo()
	if ret != nvml.SUCCESS {
		return GPUSample{}, false
	}

	return GPUSample{
		UtilizationPercent: float64(util.Gpu),
		MemoryUsedBytes:    float64(mem.Used),
		MemoryTotalBytes:   float64(mem.Total),
	}, true
}
