package metrics

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the pipeline's Prometheus instruments. It is
// constructed by the supervisor and handed to the workers; a nil Collector
// is valid and records nothing, so tests can pass nil.
type Collector struct {
	registry *prometheus.Registry

	framesCaptured   *prometheus.CounterVec
	framesDropped    *prometheus.CounterVec
	resultsDropped   *prometheus.CounterVec
	inferenceTotal   *prometheus.CounterVec
	inferenceLatency *prometheus.HistogramVec
	eventsTotal      *prometheus.CounterVec
	alertsTotal      prometheus.Counter
	workerUp         prometheus.Gauge
}

// NewCollector builds a collector with its own registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		framesCaptured: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_frames_captured_total",
			Help: "Frames sampled by capture workers",
		}, []string{"camera"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_frames_dropped_total",
			Help: "Frames dropped at the metadata queue",
		}, []string{"camera"}),
		resultsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_results_dropped_total",
			Help: "Inference results dropped at the results channel",
		}, []string{"camera"}),
		inferenceTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_inference_total",
			Help: "Inference runs",
		}, []string{"camera"}),
		inferenceLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vigil_inference_latency_ms",
			Help:    "Inference latency in milliseconds",
			Buckets: []float64{10, 25, 50, 100, 200, 500, 1000, 2000, 5000},
		}, []string{"camera"}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_events_total",
			Help: "Presence events emitted",
		}, []string{"type"}),
		alertsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vigil_alerts_sent_total",
			Help: "Absence alerts delivered to the sink",
		}),
		workerUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vigil_recognition_worker_up",
			Help: "Recognition worker liveness (1=up, 0=down)",
		}),
	}
	reg.MustRegister(
		c.framesCaptured, c.framesDropped, c.resultsDropped,
		c.inferenceTotal, c.inferenceLatency, c.eventsTotal,
		c.alertsTotal, c.workerUp,
	)
	return c
}

// FrameCaptured counts one sampled frame.
func (c *Collector) FrameCaptured(camera string) {
	if c == nil {
		return
	}
	c.framesCaptured.WithLabelValues(camera).Inc()
}

// FrameDropped counts one frame dropped at the metadata queue.
func (c *Collector) FrameDropped(camera string) {
	if c == nil {
		return
	}
	c.framesDropped.WithLabelValues(camera).Inc()
}

// ResultDropped counts one dropped inference result.
func (c *Collector) ResultDropped(camera string) {
	if c == nil {
		return
	}
	c.resultsDropped.WithLabelValues(camera).Inc()
}

// ObserveInference records one inference run and its latency.
func (c *Collector) ObserveInference(camera string, latencyMs float64) {
	if c == nil {
		return
	}
	c.inferenceTotal.WithLabelValues(camera).Inc()
	c.inferenceLatency.WithLabelValues(camera).Observe(latencyMs)
}

// EventEmitted counts one presence event by type.
func (c *Collector) EventEmitted(eventType string) {
	if c == nil {
		return
	}
	c.eventsTotal.WithLabelValues(eventType).Inc()
}

// AlertSent counts one delivered alert.
func (c *Collector) AlertSent() {
	if c == nil {
		return
	}
	c.alertsTotal.Inc()
}

// SetWorkerUp records recognition worker liveness.
func (c *Collector) SetWorkerUp(up bool) {
	if c == nil {
		return
	}
	if up {
		c.workerUp.Set(1)
	} else {
		c.workerUp.Set(0)
	}
}

// Server exposes the collector on /metrics.
type Server struct {
	srv *http.Server
}

// NewServer builds the exposition server for the given listen address.
func NewServer(addr string, c *Collector) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	return &Server{srv: &http.Server{Addr: addr, Handler: mux}}
}

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[Metrics] Server error: %v", err)
		}
	}()
}

// Stop shuts the server down.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.srv.Shutdown(ctx)
}
