package worker

import (
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
)

// Collector owns the worker's Prometheus gauges. Every metric carries the
// stream_id and stream_name labels; the geomap series additionally carry the
// configured coordinates and exist only when both are set.
type Collector struct {
	registry *prometheus.Registry

	avgMagnitude prometheus.Gauge
	maxMagnitude prometheus.Gauge
	vectorCount  prometheus.Gauge
	fps          prometheus.Gauge
	framesTotal  prometheus.Counter
	connected    prometheus.Gauge

	memoryRSS     prometheus.Gauge
	memoryPercent prometheus.Gauge

	gpuAvailable   prometheus.Gauge
	gpuUtilization prometheus.Gauge
	gpuMemoryUsed  prometheus.Gauge
	gpuMemoryTotal prometheus.Gauge

	directionDegrees   prometheus.Gauge
	directionCoherence prometheus.Gauge

	// Nil when the stream has no configured location.
	locationMarker prometheus.Gauge
	vectorCountGeo prometheus.Gauge
	magnitudeGeo   prometheus.Gauge

	proc *process.Process
	gpu  GPU
}

// NewCollector creates and registers the worker metric set.
func NewCollector(cfg Config, gpu GPU) *Collector {
	registry := prometheus.NewRegistry()
	labels := []string{"stream_id", "stream_name"}

	gauge := func(name, help string) prometheus.Gauge {
		vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
		registry.MustRegister(vec)
		return vec.WithLabelValues(cfg.StreamID, cfg.StreamName)
	}

	framesVec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vector_flow_frames_processed_total",
		Help: "Total processed frames",
	}, labels)
	registry.MustRegister(framesVec)

	c := &Collector{
		registry:     registry,
		avgMagnitude: gauge("vector_flow_magnitude_avg", "Average motion vector magnitude"),
		maxMagnitude: gauge("vector_flow_magnitude_max", "Maximum motion vector magnitude"),
		vectorCount:  gauge("vector_flow_vector_count", "Count of vectors above threshold"),
		fps:          gauge("vector_flow_fps", "Processing frames per second"),
		framesTotal:  framesVec.WithLabelValues(cfg.StreamID, cfg.StreamName),
		connected:    gauge("vector_flow_stream_connected", "Stream connectivity status (1=connected)"),

		memoryRSS:     gauge("vector_flow_worker_memory_rss_bytes", "Resident memory used by worker process"),
		memoryPercent: gauge("vector_flow_worker_memory_percent", "Percentage of system memory used by worker process"),

		gpuAvailable:   gauge("vector_flow_gpu_available", "GPU availability for this worker"),
		gpuUtilization: gauge("vector_flow_gpu_utilization_percent", "GPU utilization percent for this worker"),
		gpuMemoryUsed:  gauge("vector_flow_gpu_memory_used_bytes", "Used GPU memory in bytes for this worker"),
		gpuMemoryTotal: gauge("vector_flow_gpu_memory_total_bytes", "Total GPU memory in bytes for this worker"),

		directionDegrees:   gauge("vector_flow_direction_degrees", "Dominant vector direction in degrees (0=east/right, 90=north/up)"),
		directionCoherence: gauge("vector_flow_direction_coherence", "Direction coherence from 0-1 where 1 means vectors align to one direction"),

		gpu: gpu,
	}

	if cfg.HasLocation() {
		geoLabels := []string{"stream_id", "stream_name", "latitude", "longitude"}
		geoValues := []string{
			cfg.StreamID,
			cfg.StreamName,
			fmt.Sprintf("%.6f", *cfg.Latitude),
			fmt.Sprintf("%.6f", *cfg.Longitude),
		}
		geoGauge := func(name, help string) prometheus.Gauge {
			vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, geoLabels)
			registry.MustRegister(vec)
			return vec.WithLabelValues(geoValues...)
		}
		c.locationMarker = geoGauge("vector_flow_stream_location", "Static stream geolocation marker (1=available)")
		c.vectorCountGeo = geoGauge("vector_flow_vector_count_geo", "Vector count at stream geolocation for geomap heat layers")
		c.magnitudeGeo = geoGauge("vector_flow_magnitude_geo", "Current average magnitude at stream geolocation for geomap heat layers")
		c.locationMarker.Set(1)
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		c.proc = proc
	}

	c.connected.Set(0)
	if gpu.Available() {
		c.gpuAvailable.Set(1)
	}
	return c
}

// HasLocation reports whether the geomap series are registered.
func (c *Collector) HasLocation() bool { return c.locationMarker != nil }

// RecordFlow publishes the per-frame analysis figures.
func (c *Collector) RecordFlow(avg, max float64, count int, fps, directionDeg, coherence float64) {
	c.avgMagnitude.Set(avg)
	c.maxMagnitude.Set(max)
	c.vectorCount.Set(float64(count))
	c.fps.Set(fps)
	c.directionDegrees.Set(directionDeg)
	c.directionCoherence.Set(coherence)
	c.framesTotal.Inc()

	if c.HasLocation() {
		c.vectorCountGeo.Set(float64(count))
		c.magnitudeGeo.Set(avg)
	}
}

// SetConnected publishes stream connectivity. Disconnection zeroes the
// geomap heat series so stale motion does not linger on maps.
func (c *Collector) SetConnected(connected bool) {
	if connected {
		c.connected.Set(1)
		return
	}
	c.connected.Set(0)
	if c.HasLocation() {
		c.vectorCountGeo.Set(0)
		c.magnitudeGeo.Set(0)
	}
}

// CollectRuntime samples process memory and GPU figures. Failed reads
// degrade to zero values; telemetry never interrupts processing.
func (c *Collector) CollectRuntime() {
	var rss, pct float64
	if c.proc != nil {
		if info, err := c.proc.MemoryInfo(); err == nil {
			rss = float64(info.RSS)
		}
		if p, err := c.proc.MemoryPercent(); err == nil {
			pct = float64(p)
		}
	}
	c.memoryRSS.Set(rss)
	c.memoryPercent.Set(pct)

	sample, ok := c.gpu.Sample()
	if !ok {
		c.gpuAvailable.Set(0)
		c.gpuUtilization.Set(0)
		c.gpuMemoryUsed.Set(0)
		c.gpuMemoryTotal.Set(0)
		return
	}
	c.gpuAvailable.Set(1)
	c.gpuUtilization.Set(sample.UtilizationPercent)
	c.gpuMemoryUsed.Set(sample.MemoryUsedBytes)
	c.gpuMemoryTotal.Set(sample.MemoryTotalBytes)
}

// Handler returns the scrape endpoint for this worker's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
