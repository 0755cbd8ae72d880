// Package metrics exposes Prometheus metrics for validation, the survey
// cache, gRPC calls and background tasks.
//
// Metrics:
//   - surveykeeper_validations_total{result}: validation runs by result
//     (valid, rejected, error)
//   - surveykeeper_rule_failures_total{kind}: rule failures by error kind
//   - surveykeeper_validation_duration_seconds: validation latency
//   - surveykeeper_cache_lookups_total{result}: survey cache hits and misses
//   - surveykeeper_grpc_requests_total{method,code}: handled gRPC calls
//   - surveykeeper_tasks_total{type,result}: processed background tasks
package metrics

import (
	"context"
	"errors"
	"net/http"
	"path"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/solatis/surveykeeper/internal/rules"
	"github.com/solatis/surveykeeper/internal/types"
)

const namespace = "surveykeeper"

// Collector owns the registry and all SurveyKeeper metrics.
type Collector struct {
	registry *prometheus.Registry

	validations  *prometheus.CounterVec
	ruleFailures *prometheus.CounterVec
	duration     prometheus.Histogram
	cacheLookups *prometheus.CounterVec
	grpcRequests *prometheus.CounterVec
	tasks        *prometheus.CounterVec
}

// NewCollector creates and registers all metrics. A nil registry gets a
// fresh one.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	c := &Collector{
		registry: registry,
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validations_total",
			Help:      "Response validations by result.",
		}, []string{"result"}),
		ruleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_failures_total",
			Help:      "Rule failures by error kind.",
		}, []string{"kind"}),
		// Evaluation is in-memory; buckets span 50us to 250ms
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "validation_duration_seconds",
			Help:      "Time to validate one response, including snapshot lookup.",
			Buckets:   []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.25},
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Survey cache lookups by result.",
		}, []string{"result"}),
		grpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_requests_total",
			Help:      "Handled gRPC requests by method and status code.",
		}, []string{"method", "code"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Processed background tasks by type and result.",
		}, []string{"type", "result"}),
	}
	registry.MustRegister(c.validations, c.ruleFailures, c.duration, c.cacheLookups, c.grpcRequests, c.tasks)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveValidation implements rules.Observer.
func (c *Collector) ObserveValidation(_ types.SurveyID, outcome rules.Outcome, err error, elapsed time.Duration) {
	c.duration.Observe(elapsed.Seconds())
	switch {
	case err != nil:
		c.validations.WithLabelValues("error").Inc()
		if kind := types.KindOf(err); kind != types.KindUnspecified {
			c.ruleFailures.WithLabelValues(kind.String()).Inc()
		}
	case outcome.Valid():
		c.validations.WithLabelValues("valid").Inc()
	default:
		c.validations.WithLabelValues("rejected").Inc()
		for _, f := range outcome.Failures {
			c.ruleFailures.WithLabelValues(f.Kind.String()).Inc()
		}
	}
}

// ObserveCacheLookup implements cache.Observer.
func (c *Collector) ObserveCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheLookups.WithLabelValues(result).Inc()
}

// ObserveTask records one processed background task.
func (c *Collector) ObserveTask(taskType string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.tasks.WithLabelValues(taskType, result).Inc()
}

// UnaryInterceptor counts handled gRPC calls by method and status code.
func (c *Collector) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		c.grpcRequests.WithLabelValues(path.Base(info.FullMethod), status.Code(err).String()).Inc()
		return resp, err
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// Server serves /metrics on its own listener.
type Server struct {
	http   *http.Server
	logger *zap.Logger
}

// NewServer returns a metrics server bound to addr.
func NewServer(addr string, c *Collector, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	return &Server{
		http:   &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		logger: logger,
	}
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("metrics listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
