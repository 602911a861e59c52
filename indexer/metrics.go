package indexer

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("mapsheet.indexer")

type metrics struct {
	runs         *prometheus.CounterVec
	duration     prometheus.Histogram
	failedLayers prometheus.Counter
	documents    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &metrics{
		runs: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mapsheet_indexer_runs_total",
			Help: "Перестроения индекса по результату",
		}, []string{"outcome"})), // completed, failed, cancelled
		duration: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mapsheet_indexer_run_duration_seconds",
			Help:    "Длительность перестроения индекса",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		})),
		failedLayers: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mapsheet_indexer_failed_layers_total",
			Help: "Слои, которые не удалось проиндексировать",
		})),
		documents: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mapsheet_indexer_documents_total",
			Help: "Проиндексированные документы",
		})),
	}
}

// register регистрирует c в reg; если такой коллектор уже зарегистрирован
// (повторное открытие на том же реестре), возвращается существующий.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}
