package metrics

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/iidesho/bragi/sbragi"
	"github.com/iidesho/streamstore/webserver/health"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

var (
	log      = sbragi.WithLocalScope(sbragi.LevelInfo)
	Registry *prometheus.Registry
)

// Init creates the registry. Packages only register their collectors when Init ran first.
func Init() {
	Registry = prometheus.NewRegistry()
	Registry.MustRegister(collectors.NewGoCollector())
}

// Handler serves the registry in the prometheus text format.
func Handler() http.Handler {
	if Registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// Push pushes the registry to a pushgateway at url every interval until ctx is done.
func Push(ctx context.Context, url string, interval time.Duration) {
	if Registry == nil {
		log.Warning("metrics push requested without registry", "url", url)
		return
	}
	pusher := push.New(url, health.Name).Gatherer(Registry)
	hn, err := os.Hostname()
	if !log.WithError(err).Error("getting hostname for metrics push") {
		pusher.Grouping("instance", hn)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.WithError(pusher.PushContext(ctx)).Warning("pushing metrics", "url", url)
		}
	}
}
