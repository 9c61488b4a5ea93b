package health

import (
	"context"
	"net"
	"sync"
	"time"

	log "github.com/iidesho/bragi/sbragi"
)

var (
	Version   string
	BuildTime string
	Name      string
)

// Check reports whether a dependency, such as the store backend, is usable.
type Check func(ctx context.Context) error

type Health struct {
	IP    net.IP
	Since time.Time

	lock   sync.RWMutex
	checks map[string]Check
}

func Init() *Health {
	return &Health{
		IP:     GetOutboundIP(),
		Since:  time.Now(),
		checks: make(map[string]Check),
	}
}

// Register adds a named check to every report.
func (h *Health) Register(name string, check Check) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.checks[name] = check
}

type Report struct {
	Status    string            `json:"status"`
	Name      string            `json:"name"`
	Version   string            `json:"version"`
	BuildTime string            `json:"build_time"`
	IP        net.IP            `json:"ip"`
	Since     time.Time         `json:"running_since"`
	Now       time.Time         `json:"now"`
	Checks    map[string]string `json:"checks,omitempty"`
}

func (r Report) Up() bool {
	return r.Status == "UP"
}

var (
	ip     net.IP
	ipOnce sync.Once
)

func GetOutboundIP() net.IP {
	ipOnce.Do(func() {
		conn, err := net.Dial("udp", "8.8.8.8:80")
		if err != nil {
			log.WithError(err).Debug("unable to get outbound ip")
			return
		}
		defer conn.Close()
		ip = conn.LocalAddr().(*net.UDPAddr).IP
	})
	return ip
}

func (h *Health) GetHealthReport(ctx context.Context) Report {
	r := Report{
		Status:    "UP",
		Name:      Name,
		Version:   Version,
		BuildTime: BuildTime,
		IP:        h.IP,
		Since:     h.Since,
		Now:       time.Now(),
	}
	h.lock.RLock()
	defer h.lock.RUnlock()
	if len(h.checks) == 0 {
		return r
	}
	r.Checks = make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			log.WithError(err).Warning("health check failed", "check", name)
			r.Checks[name] = err.Error()
			r.Status = "DOWN"
			continue
		}
		r.Checks[name] = "UP"
	}
	return r
}
