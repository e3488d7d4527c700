package imgcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	requests           *prometheus.CounterVec
	resync             *prometheus.CounterVec
	storeErrors        prometheus.Counter
	generationsDeleted prometheus.Counter
}

// newMetrics registers the proxy collectors on reg. A nil reg builds
// unregistered collectors, which keeps tests independent of each other.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "imgcache_requests_total",
			Help: "Requests answered by the proxy, by disposition.",
		}, []string{"disposition"}),
		resync: f.NewCounterVec(prometheus.CounterOpts{
			Name: "imgcache_resync_entries_total",
			Help: "Entries processed by resync, by result.",
		}, []string{"result"}),
		storeErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "imgcache_store_errors_total",
			Help: "Cache writes that failed, including quota rejections.",
		}),
		generationsDeleted: f.NewCounter(prometheus.CounterOpts{
			Name: "imgcache_generations_deleted_total",
			Help: "Stale cache generations removed during activation.",
		}),
	}
}
