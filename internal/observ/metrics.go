package observ

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// registry holds every series in process; values are keyed by metric name
// then by the canonical label key.
type registry struct {
	mu       sync.Mutex
	counters map[string]map[string]int64
	gauges   map[string]map[string]float64
	samples  map[string]map[string][]float64
}

var reg = &registry{
	counters: map[string]map[string]int64{},
	gauges:   map[string]map[string]float64{},
	samples:  map[string]map[string][]float64{},
}

// sampleWindow bounds each histogram to its most recent observations.
const sampleWindow = 1000

func series[V any](m map[string]map[string]V, name string) map[string]V {
	s, ok := m[name]
	if !ok {
		s = map[string]V{}
		m[name] = s
	}
	return s
}

// labelKey renders labels as k=v pairs sorted by key.
func labelKey(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1)
}

func IncCounterBy(name string, labels map[string]string, delta int64) {
	reg.mu.Lock()
	series(reg.counters, name)[labelKey(labels)] += delta
	reg.mu.Unlock()
}

func SetGauge(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	series(reg.gauges, name)[labelKey(labels)] = value
	reg.mu.Unlock()
}

// Observe appends a histogram sample.
func Observe(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	s := series(reg.samples, name)
	k := labelKey(labels)
	window := append(s[k], value)
	if len(window) > sampleWindow {
		window = window[len(window)-sampleWindow:]
	}
	s[k] = window
}

// RecordDuration observes d in milliseconds under name_ms.
func RecordDuration(name string, d time.Duration, labels map[string]string) {
	Observe(name+"_ms", float64(d.Milliseconds()), labels)
}

// Counter returns the current value of a counter for the given labels.
func Counter(name string, labels map[string]string) int64 {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.counters[name][labelKey(labels)]
}

// Gauge returns the current value of a gauge and whether it was ever set.
func Gauge(name string, labels map[string]string) (float64, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	v, ok := reg.gauges[name][labelKey(labels)]
	return v, ok
}

// Summary condenses a histogram window.
type Summary struct {
	Count int     `json:"count"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	Max   float64 `json:"max"`
}

func summarize(window []float64) Summary {
	if len(window) == 0 {
		return Summary{}
	}
	sorted := append([]float64(nil), window...)
	sort.Float64s(sorted)
	at := func(q float64) float64 { return sorted[int(q*float64(len(sorted)-1))] }
	return Summary{Count: len(sorted), P50: at(0.5), P95: at(0.95), Max: sorted[len(sorted)-1]}
}

type snapshot struct {
	Counters   map[string]map[string]int64   `json:"counters"`
	Gauges     map[string]map[string]float64 `json:"gauges"`
	Histograms map[string]map[string]Summary `json:"histograms"`
}

// Handler serves every series as JSON. Histograms are reported as summaries.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reg.mu.Lock()
		out := snapshot{Counters: reg.counters, Gauges: reg.gauges, Histograms: map[string]map[string]Summary{}}
		for name, s := range reg.samples {
			for k, window := range s {
				series(out.Histograms, name)[k] = summarize(window)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
		reg.mu.Unlock()
	})
}

const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusFailed   = "failed"
)

// HealthStatus is the payload served on the health endpoint.
type HealthStatus struct {
	Status    string         `json:"status"`    // healthy | degraded | failed
	Timestamp string         `json:"timestamp"` // ISO 8601
	Uptime    string         `json:"uptime"`
	Version   string         `json:"version"`
	Details   map[string]any `json:"details,omitempty"`
}

// HealthCheck reports component status and free-form details.
type HealthCheck func() (status string, details map[string]any)

var (
	started = time.Now()
	version = "dev"
)

// SetVersion sets the version reported by HealthHandler.
func SetVersion(v string) { version = v }

// HealthHandler serves the result of check. Degraded answers 206 and failed
// answers 503 so plain HTTP health checks can tell them apart.
func HealthHandler(check HealthCheck) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status, details := check()
		health := HealthStatus{
			Status:    status,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Uptime:    time.Since(started).String(),
			Version:   version,
			Details:   details,
		}

		code := http.StatusOK
		switch status {
		case StatusDegraded:
			code = http.StatusPartialContent
		case StatusFailed:
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(health)
	})
}
