package account

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/acctmetrics"
	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/registry"
)

const licenseStatusMetricsInterval = 30 * time.Second

type statusCounter interface {
	CountByStatus(ctx context.Context) (map[registry.Status]int, error)
}

func runLicenseStatusMetrics(ctx context.Context, store statusCounter) {
	ticker := time.NewTicker(licenseStatusMetricsInterval)
	defer ticker.Stop()

	// Prime once at startup so /metrics isn't empty for this gauge.
	updateLicenseStatusGauges(ctx, store)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateLicenseStatusGauges(ctx, store)
		}
	}
}

func updateLicenseStatusGauges(ctx context.Context, store statusCounter) {
	counts, err := store.CountByStatus(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to update license status metrics")
		return
	}

	known := []registry.Status{
		registry.StatusTrial,
		registry.StatusActive,
		registry.StatusInactive,
	}

	seen := make(map[registry.Status]struct{}, len(counts))

	// Ensure stable label set for known statuses.
	for _, status := range known {
		seen[status] = struct{}{}
		acctmetrics.LicensesByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}

	for status, c := range counts {
		if _, ok := seen[status]; ok {
			continue
		}
		acctmetrics.LicensesByStatus.WithLabelValues(string(status)).Set(float64(c))
	}
}
