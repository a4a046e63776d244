// Package metrics exposes Prometheus collectors for the attendance pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"classroll/internal/attendance"
)

// Collectors implements the observer hooks of the attendance service and the capture loop.
type Collectors struct {
	marks          *prometheus.CounterVec
	overrides      *prometheus.CounterVec
	sessionsClosed *prometheus.CounterVec
	ticks          prometheus.Counter
	faces          prometheus.Counter
	recognized     prometheus.Counter
	scanning       prometheus.Gauge
	rateLimited    *prometheus.CounterVec
	jobs           *prometheus.CounterVec
}

// New creates and registers the collectors on reg.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		marks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "classroll",
			Name:      "marks_total",
			Help:      "Attendance marking attempts by outcome.",
		}, []string{"outcome"}),
		overrides: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "classroll",
			Name:      "status_overrides_total",
			Help:      "Manual status overrides by target status.",
		}, []string{"status"}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "classroll",
			Name:      "sessions_closed_total",
			Help:      "Closed sessions by reason.",
		}, []string{"reason"}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "classroll",
			Subsystem: "capture",
			Name:      "ticks_total",
			Help:      "Capture loop ticks.",
		}),
		faces: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "classroll",
			Subsystem: "capture",
			Name:      "faces_located_total",
			Help:      "Faces located above the confidence floor.",
		}),
		recognized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "classroll",
			Subsystem: "capture",
			Name:      "recognitions_total",
			Help:      "Faces matched to a student.",
		}),
		scanning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "classroll",
			Subsystem: "capture",
			Name:      "active_scanners",
			Help:      "Sessions with a running capture loop.",
		}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "classroll",
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}, []string{"route"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "classroll",
			Subsystem: "worker",
			Name:      "jobs_total",
			Help:      "Worker jobs by type and result.",
		}, []string{"type", "result"}),
	}
	reg.MustRegister(c.marks, c.overrides, c.sessionsClosed, c.ticks, c.faces, c.recognized, c.scanning, c.rateLimited, c.jobs)
	return c
}

func (c *Collectors) MarkRecorded(outcome string) {
	c.marks.WithLabelValues(outcome).Inc()
}

func (c *Collectors) StatusOverridden(to attendance.Status) {
	c.overrides.WithLabelValues(string(to)).Inc()
}

func (c *Collectors) SessionClosed(reason string) {
	c.sessionsClosed.WithLabelValues(reason).Inc()
}

func (c *Collectors) Tick()              { c.ticks.Inc() }
func (c *Collectors) FacesLocated(n int) { c.faces.Add(float64(n)) }
func (c *Collectors) Recognized()        { c.recognized.Inc() }
func (c *Collectors) Scanning(n int)     { c.scanning.Set(float64(n)) }

// RateLimited counts a rejected request.
func (c *Collectors) RateLimited(route string) {
	if route == "" {
		route = "unmatched"
	}
	c.rateLimited.WithLabelValues(route).Inc()
}

// Job counts a processed worker job.
func (c *Collectors) Job(typ, result string) { c.jobs.WithLabelValues(typ, result).Inc() }
