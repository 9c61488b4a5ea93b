package streamstore

import (
	"errors"
	"sync"
	"time"

	"github.com/iidesho/streamstore/metrics"
	"github.com/iidesho/streamstore/store"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	opCount     *prometheus.CounterVec
	opTimeTotal *prometheus.CounterVec
	opErrors    *prometheus.CounterVec
	scavenged   prometheus.Counter
)

func initMetrics() error {
	if metrics.Registry == nil || opCount != nil {
		return nil
	}
	opCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "streamstore_op_count",
		Help: "stream store operation count",
	}, []string{"op"})
	if err := metrics.Registry.Register(opCount); err != nil {
		return err
	}
	opTimeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "streamstore_op_time_total",
		Help: "stream store operation time total in microseconds",
	}, []string{"op"})
	if err := metrics.Registry.Register(opTimeTotal); err != nil {
		return err
	}
	opErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "streamstore_op_errors",
		Help: "stream store operation errors, wrong expected version counted separately",
	}, []string{"op", "kind"})
	if err := metrics.Registry.Register(opErrors); err != nil {
		return err
	}
	scavenged = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "streamstore_scavenged_total",
		Help: "messages deleted by scavenging",
	})
	if err := metrics.Registry.Register(scavenged); err != nil {
		return err
	}
	if err := metrics.Registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "streamstore_metadata_cache_hits",
		Help: "metadata cache hits of all open stores",
	}, func() float64 { return float64(cacheStats(true)) })); err != nil {
		return err
	}
	return metrics.Registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "streamstore_metadata_cache_misses",
		Help: "metadata cache misses of all open stores",
	}, func() float64 { return float64(cacheStats(false)) }))
}

var (
	openStoresLock sync.Mutex
	openStores     = map[*Store]struct{}{}
)

func trackStore(s *Store, open bool) {
	openStoresLock.Lock()
	defer openStoresLock.Unlock()
	if open {
		openStores[s] = struct{}{}
	} else {
		delete(openStores, s)
	}
}

func cacheStats(hits bool) (n int64) {
	openStoresLock.Lock()
	defer openStoresLock.Unlock()
	for s := range openStores {
		if hits {
			n += s.cache.Hits()
		} else {
			n += s.cache.Misses()
		}
	}
	return
}

func observe(op string, start time.Time, err *error) {
	if opCount == nil {
		return
	}
	opCount.WithLabelValues(op).Inc()
	opTimeTotal.WithLabelValues(op).Add(float64(time.Since(start).Microseconds()))
	if err == nil || *err == nil {
		return
	}
	kind := "error"
	if errors.Is(*err, store.ErrWrongExpectedVersion) {
		kind = "wrong_expected_version"
	}
	opErrors.WithLabelValues(op, kind).Inc()
}
