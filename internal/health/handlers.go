package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Checker represents dependencies that can be probed for readiness.
type Checker interface {
	PingDB(ctx context.Context, timeout time.Duration) error
	PingRedis(ctx context.Context, timeout time.Duration) error
}

// Handler exposes HTTP handlers for health endpoints.
type Handler struct {
	Checker      Checker
	DBTimeout    time.Duration
	RedisTimeout time.Duration
}

// Live reports liveness status.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready reports readiness based on dependency probes. The courier provider is
// deliberately not probed here: a provider outage degrades reconciliation but
// the webhook intake must keep accepting deliveries.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.Checker == nil {
		http.Error(w, "dependencies unavailable", http.StatusServiceUnavailable)
		return
	}

	probes := []struct {
		name    string
		ping    func(context.Context, time.Duration) error
		timeout time.Duration
	}{
		{"db", h.Checker.PingDB, orDefault(h.DBTimeout, 500*time.Millisecond)},
		{"redis", h.Checker.PingRedis, orDefault(h.RedisTimeout, 300*time.Millisecond)},
	}

	status := make(map[string]string, len(probes))
	healthy := true
	for _, probe := range probes {
		if err := probe.ping(r.Context(), probe.timeout); err != nil {
			status[probe.name] = err.Error()
			healthy = false
			continue
		}
		status[probe.name] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
