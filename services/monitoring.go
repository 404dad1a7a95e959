package services

import (
	"fmt"
	"os"
	"strconv"

	appContext "github.com/alphabatem/common/context"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const (
	MONITORING_SVC          = "monitoring_svc"
	DEFAULT_PROMETHEUS_PORT = 2112
)

var (
	schemaReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_schema_reloads_total",
			Help: "Composite schema rebuild attempts by result",
		},
		[]string{"result"},
	)

	schemaReloadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_schema_reload_duration_seconds",
			Help:    "Duration of composite schema rebuilds",
			Buckets: prometheus.DefBuckets,
		},
	)

	activeServicesGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_composed_services",
			Help: "Services included in the current composite schema",
		},
	)

	usageIncrementsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_usage_increments_total",
			Help: "Usage counter increments recorded",
		},
	)

	rateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_rate_limited_total",
			Help: "Requests rejected by rate limiting",
		},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "Total HTTP requests handled by the admin API",
		},
		[]string{"method", "status"},
	)
)

// MonitoringService serves prometheus metrics on a side port, away from the
// gateway's own API surface.
type MonitoringService struct {
	appContext.DefaultService

	port int
	app  *fiber.App
}

func (svc MonitoringService) Id() string {
	return MONITORING_SVC
}

func (svc *MonitoringService) Configure(ctx *appContext.Context) error {
	svc.port = DEFAULT_PROMETHEUS_PORT
	if v := os.Getenv("PROMETHEUS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			svc.port = p
		}
	}
	return svc.DefaultService.Configure(ctx)
}

func (svc *MonitoringService) Start() error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		schemaReloadsTotal,
		schemaReloadDuration,
		activeServicesGauge,
		usageIncrementsTotal,
		rateLimitedTotal,
		httpRequestsTotal,
	)

	svc.app = fiber.New(fiber.Config{DisableStartupMessage: true})
	svc.app.Use(recover.New())
	svc.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	go func() {
		if err := svc.app.Listen(fmt.Sprintf(":%d", svc.port)); err != nil {
			log.WithError(err).Error("Metrics server stopped")
		}
	}()

	log.WithField("port", svc.port).Info("Metrics server started")
	return nil
}

func (svc *MonitoringService) Shutdown() {
	if svc.app != nil {
		_ = svc.app.Shutdown()
	}
}

// CountRequest feeds the HTTP request counter from the fiber middleware
// chain.
func CountRequest(method string, status int) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
}
