//nolint:gochecknoglobals
package metrics

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	fiberutils "github.com/gofiber/fiber/v2/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TransitionsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assesshub",
		Name:      "invite_transitions",
		Help:      "The total number of invite state transitions",
	}, []string{"from", "to"})

	ProviderRequestsDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "assesshub",
		Subsystem: "provider",
		Name:      "request_duration_seconds",
		Help:      "The latency of repository provider calls.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op", "outcome"})

	EmailsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assesshub",
		Name:      "emails_sent",
		Help:      "The total number of notification emails attempted",
	}, []string{"kind", "outcome"})

	httpRequestsDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "assesshub",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "The latency of the HTTP requests.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"api", "method", "code"})
)

func RecordTransition(from, to string) {
	TransitionsMetric.With(prometheus.Labels{"from": from, "to": to}).Inc()
}

func ObserveProviderCall(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	ProviderRequestsDuration.With(prometheus.Labels{"op": op, "outcome": outcome}).Observe(time.Since(start).Seconds())
}

func NewRequestHandler(api string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		method := fiberutils.CopyString(c.Method())
		chainErr := c.Next()

		httpRequestsDuration.With(prometheus.Labels{
			"api":    api,
			"method": method,
			"code":   strconv.Itoa(c.Response().StatusCode()),
		}).Observe(time.Since(start).Seconds())

		return chainErr
	}
}

func Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(
		prometheus.DefaultGatherer,
		promhttp.HandlerOpts{DisableCompression: true},
	))
}
