package admin

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/acctmetrics"
	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/registry"
)

// Pinger reports store connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatusCounter reports license counts per stored status.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[registry.Status]int, error)
}

type statusResponse struct {
	Version       string                  `json:"version"`
	TotalLicenses int                     `json:"total_licenses"`
	ByStatus      map[registry.Status]int `json:"by_status"`
}

// HandleHealthz returns 200 "ok" unconditionally (liveness probe).
func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz returns a handler that checks database connectivity (readiness probe).
func HandleReadyz(p Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p == nil || p.Ping(r.Context()) != nil {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

// HandleStatus returns a handler that reports aggregate license status.
func HandleStatus(store StatusCounter, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := store.CountByStatus(r.Context())
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		// Opportunistically sync gauges on status calls (in addition to the background updater).
		for status, c := range counts {
			acctmetrics.LicensesByStatus.WithLabelValues(string(status)).Set(float64(c))
		}

		total := 0
		for _, c := range counts {
			total += c
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(statusResponse{
			Version:       version,
			TotalLicenses: total,
			ByStatus:      counts,
		})
	}
}
