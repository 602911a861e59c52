package index

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("mapsheet.index")

type metrics struct {
	queries       *prometheus.CounterVec
	queryDuration prometheus.Histogram
	commits       prometheus.Counter
	documents     prometheus.Gauge
	sizeBytes     prometheus.Gauge
}

// newMetrics регистрирует метрики индекса в reg. nil — отдельный реестр,
// чтобы несколько индексов в одном процессе не конфликтовали.
func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &metrics{
		queries: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mapsheet_index_queries_total",
			Help: "Запросы к полнотекстовому индексу по результату",
		}, []string{"result"})), // hit, miss, error
		queryDuration: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mapsheet_index_query_duration_seconds",
			Help:    "Время вычисления запроса при промахе кеша",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		})),
		commits: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mapsheet_index_commits_total",
			Help: "Зафиксированные поколения индекса",
		})),
		documents: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mapsheet_index_documents",
			Help: "Документов в текущем поколении",
		})),
		sizeBytes: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mapsheet_index_size_bytes",
			Help: "Размер текущего поколения на диске",
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
