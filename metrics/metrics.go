// Package metrics collects the node's operational gauges (submission
// queue depth, active validator count, open emergency count, process CPU
// time) and, when configured, exports them to InfluxDB on a fixed
// interval.
package metrics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb1 "github.com/influxdata/influxdb/client/v2"

	"github.com/tos-network/bridgevalidator/log"
)

// Registry holds the node's named gauges. Components Set their own value
// directly; the Reporter reads them on its export tick.
type Registry struct {
	mu     sync.RWMutex
	gauges map[string]*int64
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{gauges: make(map[string]*int64)}
}

// gauge returns (creating if necessary) the named gauge's backing value.
func (r *Registry) gauge(name string) *int64 {
	r.mu.RLock()
	g, ok := r.gauges[name]
	r.mu.RUnlock()
	if ok {
		return g
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g = new(int64)
	r.gauges[name] = g
	return g
}

// Set records value for the named gauge.
func (r *Registry) Set(name string, value int64) {
	atomic.StoreInt64(r.gauge(name), value)
}

// Snapshot returns a point-in-time copy of every gauge's current value.
func (r *Registry) Snapshot() map[string]int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int64, len(r.gauges))
	for name, g := range r.gauges {
		out[name] = atomic.LoadInt64(g)
	}
	return out
}

// Gauge names the node's components write to.
const (
	GaugeSubmissionQueueDepth = "submission_queue_depth"
	GaugeActiveValidators     = "active_validators"
	GaugeOpenEmergencies      = "open_emergencies"
	GaugeProcessCPUTime       = "process_cpu_time"
)

// Reporter periodically snapshots a Registry and exports it to whichever
// InfluxDB backend the config enables; with export disabled it still
// refreshes the process CPU time gauge so local snapshots stay live.
type Reporter struct {
	cfg      Config
	registry *Registry
	interval time.Duration

	quit chan struct{}
	done chan struct{}
}

// NewReporter constructs a Reporter. interval <= 0 defaults to 10s.
func NewReporter(cfg Config, registry *Registry, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Reporter{cfg: cfg, registry: registry, interval: interval, quit: make(chan struct{}), done: make(chan struct{})}
}

// Start runs the export loop in a goroutine.
func (r *Reporter) Start() error {
	go r.loop()
	return nil
}

// Stop signals the export loop to exit and waits for it.
func (r *Reporter) Stop() error {
	close(r.quit)
	<-r.done
	return nil
}

func (r *Reporter) loop() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.registry.Set(GaugeProcessCPUTime, getProcessCPUTime())
			if r.cfg.Enabled && (r.cfg.EnableInfluxDB || r.cfg.EnableInfluxDBV2) {
				r.export()
			}
		case <-r.quit:
			return
		}
	}
}

func (r *Reporter) export() {
	snap := r.registry.Snapshot()
	switch {
	case r.cfg.EnableInfluxDBV2:
		r.exportV2(snap)
	case r.cfg.EnableInfluxDB:
		r.exportV1(snap)
	}
}

func (r *Reporter) exportV2(snap map[string]int64) {
	client := influxdb2.NewClient(r.cfg.InfluxDBEndpoint, r.cfg.InfluxDBToken)
	defer client.Close()
	writeAPI := client.WriteAPIBlocking(r.cfg.InfluxDBOrganization, r.cfg.InfluxDBBucket)
	fields := make(map[string]interface{}, len(snap))
	for name, value := range snap {
		fields[name] = value
	}
	point := influxdb2.NewPoint("bridgevalidator", map[string]string{}, fields, time.Now())
	if err := writeAPI.WritePoint(context.Background(), point); err != nil {
		log.Warn("metrics: influxdb v2 export failed", "err", err)
	}
}

func (r *Reporter) exportV1(snap map[string]int64) {
	client, err := influxdb1.NewHTTPClient(influxdb1.HTTPConfig{
		Addr:     r.cfg.InfluxDBEndpoint,
		Username: r.cfg.InfluxDBUsername,
		Password: r.cfg.InfluxDBPassword,
	})
	if err != nil {
		log.Warn("metrics: influxdb v1 client init failed", "err", err)
		return
	}
	defer client.Close()

	bp, err := influxdb1.NewBatchPoints(influxdb1.BatchPointsConfig{Database: r.cfg.InfluxDBDatabase})
	if err != nil {
		log.Warn("metrics: influxdb v1 batch init failed", "err", err)
		return
	}
	fields := make(map[string]interface{}, len(snap))
	for name, value := range snap {
		fields[name] = value
	}
	point, err := influxdb1.NewPoint("bridgevalidator", map[string]string{}, fields, time.Now())
	if err != nil {
		log.Warn("metrics: influxdb v1 point construction failed", "err", err)
		return
	}
	bp.AddPoint(point)
	if err := client.Write(bp); err != nil {
		log.Warn("metrics: influxdb v1 write failed", "err", err)
	}
}
