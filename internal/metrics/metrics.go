// ============================================================================
// edinet-harvest Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Function: Collects per-run counters and exposes them for scraping
//
// Metric families:
//
//   1. Counters:
//      - edinet_index_requests_total{outcome}           one per date
//      - edinet_content_requests_total{format,outcome}  one per document
//      - edinet_retries_total{operation,reason}         reason = rate_limited|error
//      - edinet_documents_skipped_total{kind}           failure kind of the skip
//      - edinet_records_emitted_total                   rows of the final table
//      - edinet_facts_skipped_total{reason}             facts dropped during assembly
//
//   2. Gauges:
//      - edinet_documents_selected                      output of the selector
//
//   3. Histograms:
//      - edinet_stage_duration_seconds{stage}           index|content|parse|write
//
// Example queries:
//
//   # retry pressure per call site
//   sum by (operation, reason) (edinet_retries_total)
//
//   # skipped documents by cause
//   sum by (kind) (edinet_documents_skipped_total)
//
// HTTP endpoint:
//   /metrics on the configured port (default 9090), served only while a run
//   is in progress and metrics.enabled is set.
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/edinet-harvest/pkg/types"
)

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Collector holds the pipeline's prometheus instruments.
type Collector struct {
	indexRequests    *prometheus.CounterVec
	contentRequests  *prometheus.CounterVec
	retries          *prometheus.CounterVec
	documentsSkipped *prometheus.CounterVec
	recordsEmitted   prometheus.Counter
	factsSkipped     *prometheus.CounterVec

	documentsSelected prometheus.Gauge

	stageDuration *prometheus.HistogramVec
}

// NewCollector creates the instruments and registers them on reg.
// Passing a fresh prometheus.NewRegistry() keeps tests isolated.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		indexRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edinet_index_requests_total",
			Help: "Index requests by final outcome (after retries)",
		}, []string{"outcome"}),
		contentRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edinet_content_requests_total",
			Help: "Content fetches by payload format and final outcome",
		}, []string{"format", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edinet_retries_total",
			Help: "Scheduled retries by operation and reason",
		}, []string{"operation", "reason"}),
		documentsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edinet_documents_skipped_total",
			Help: "Documents that contributed nothing, by failure kind",
		}, []string{"kind"}),
		recordsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edinet_records_emitted_total",
			Help: "Filing records produced",
		}),
		factsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edinet_facts_skipped_total",
			Help: "Raw facts dropped during assembly",
		}, []string{"reason"}),
		documentsSelected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edinet_documents_selected",
			Help: "Candidate files kept by the document selector",
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edinet_stage_duration_seconds",
			Help:    "Wall time of each pipeline stage",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"stage"}),
	}

	reg.MustRegister(
		c.indexRequests,
		c.contentRequests,
		c.retries,
		c.documentsSkipped,
		c.recordsEmitted,
		c.factsSkipped,
		c.documentsSelected,
		c.stageDuration,
	)
	return c
}

func outcome(err error) string {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}

// RecordIndexRequest counts one date's index fetch.
func (c *Collector) RecordIndexRequest(err error) {
	if c == nil {
		return
	}
	c.indexRequests.WithLabelValues(outcome(err)).Inc()
}

// RecordContentRequest counts one document's content fetch.
func (c *Collector) RecordContentRequest(format types.Format, err error) {
	if c == nil {
		return
	}
	f := string(format)
	if f == "" {
		f = "none"
	}
	c.contentRequests.WithLabelValues(f, outcome(err)).Inc()
}

// RecordRetry matches retry.Observer.
func (c *Collector) RecordRetry(operation, reason string) {
	if c == nil {
		return
	}
	c.retries.WithLabelValues(operation, reason).Inc()
}

// RecordSkipped counts a document dropped at any stage.
func (c *Collector) RecordSkipped(err error) {
	if c == nil {
		return
	}
	c.documentsSkipped.WithLabelValues(string(types.KindOf(err))).Inc()
}

// RecordFactSkipped counts a raw fact the assembler could not use.
func (c *Collector) RecordFactSkipped(reason string) {
	if c == nil {
		return
	}
	c.factsSkipped.WithLabelValues(reason).Inc()
}

// RecordEmitted adds n produced records.
func (c *Collector) RecordEmitted(n int) {
	if c == nil {
		return
	}
	c.recordsEmitted.Add(float64(n))
}

// SetSelected records the selector output size.
func (c *Collector) SetSelected(n int) {
	if c == nil {
		return
	}
	c.documentsSelected.Set(float64(n))
}

// ObserveStage records how long a stage took.
func (c *Collector) ObserveStage(stage string, d time.Duration) {
	if c == nil {
		return
	}
	c.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// Server exposes a gatherer over HTTP.
type Server struct {
	srv *http.Server
}

// StartServer serves /metrics from g on port in the background.
// Listen errors after startup are reported on the returned channel.
func StartServer(port int, g prometheus.Gatherer) (*Server, <-chan error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	s := &Server{srv: &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	return s, errCh
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
