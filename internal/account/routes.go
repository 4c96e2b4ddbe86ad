package account

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/admin"
	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/email"
	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/events"
	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/license"
	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/registry"
	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/reminders"
	acctstripe "github.com/Dirac-Team/Dirac-Waitlist/internal/account/stripe"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config    *Config
	Registry  *registry.LicenseRegistry
	Licenses  *license.Service
	Processor *acctstripe.Processor
	Gateway   acctstripe.Gateway // nil when STRIPE_API_KEY is unset
	Sweeper   *reminders.Sweeper
	Nudger    *reminders.Nudger
	Redis     *redis.Client // nil selects in-memory rate limiting
	Version   string
}

// NewDeps builds the license services on top of an open registry. sender is
// used directly by the reminder jobs; mailer carries request-path email.
func NewDeps(cfg *Config, reg *registry.LicenseRegistry, sender email.Sender, mailer email.Dispatcher, publisher events.Publisher, version string) (*Deps, error) {
	licenses, err := license.NewService(reg, mailer, publisher, license.Config{
		KeyPrefix:        cfg.LicenseKeyPrefix,
		TrialDuration:    cfg.TrialDuration(),
		EmailFrom:        cfg.EmailFrom,
		DownloadURLARM:   cfg.DownloadURLARM,
		DownloadURLIntel: cfg.DownloadURLIntel,
	})
	if err != nil {
		return nil, fmt.Errorf("init license service: %w", err)
	}

	deps := &Deps{
		Config:    cfg,
		Registry:  reg,
		Licenses:  licenses,
		Processor: acctstripe.NewProcessor(reg, mailer, publisher, cfg.BaseURL, cfg.EmailFrom),
		Sweeper:   reminders.NewSweeper(reg, sender, cfg.EmailFrom, cfg.BaseURL),
		Nudger: reminders.NewNudger(reg, sender, cfg.EmailFrom, reminders.NudgeConfig{
			LatestVersion:    cfg.LatestAppVersion,
			DownloadURLARM:   cfg.DownloadURLARM,
			DownloadURLIntel: cfg.DownloadURLIntel,
		}),
		Version: version,
	}
	if cfg.StripeEnabled() {
		deps.Gateway = acctstripe.NewAPIGateway(cfg.StripeAPIKey)
	}
	return deps, nil
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	cfg := deps.Config
	adminAuth := func(next http.Handler) http.Handler {
		return admin.AdminKeyMiddleware(cfg.AdminKey, next)
	}
	cronAuth := func(next http.Handler) http.Handler {
		return admin.BearerKeyMiddleware(cfg.CronSecret, next)
	}
	proxies := NewTrustedProxies(cfg.TrustedProxyCIDRs)
	limit := func(route string, n int, next http.Handler) http.Handler {
		return rateLimitMiddleware(route, newRateLimiter(deps.Redis, route, n, time.Minute), proxies, next)
	}

	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("/healthz", admin.HandleHealthz)
	mux.HandleFunc("/readyz", admin.HandleReadyz(deps.Registry))

	// Status and metrics are private by default.
	mux.Handle("/status", adminAuth(admin.HandleStatus(deps.Registry, deps.Version)))

	metricsHandler := promhttp.Handler()
	if cfg.PublicMetrics {
		mux.Handle("/metrics", metricsHandler)
	} else {
		mux.Handle("/metrics", adminAuth(metricsHandler))
	}

	// License lifecycle (public)
	mux.Handle("/api/trial/create-license", limit("create_license", 30, license.HandleIssueTrial(deps.Licenses)))

	// The desktop app calls verify from a webview, so it answers preflights.
	verifyCORS := cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	})
	mux.Handle("/api/license/verify", verifyCORS(limit("verify", 120, license.HandleVerify(deps.Licenses))))

	mux.Handle("/api/admin/reset-device", adminAuth(license.HandleResetDevice(deps.Licenses)))

	// Stripe webhook (signature-authenticated)
	webhookHandler := acctstripe.NewWebhookHandler(cfg.StripeWebhookSecret, deps.Processor)
	mux.Handle("/api/stripe/webhook", limit("stripe_webhook", 120, webhookHandler))

	// Checkout, portal and the success-page fallback
	poller := acctstripe.NewSessionPoller(deps.Registry, deps.Gateway, deps.Processor, cfg.SessionPollAttempts, cfg.SessionPollInterval)
	mux.Handle("/api/get-license-for-session", limit("get_license_for_session", 30, http.HandlerFunc(poller.HandleGetLicenseForSession)))

	checkout := acctstripe.NewCheckoutHandlers(deps.Registry, deps.Gateway, deps.Licenses.Keys(), cfg.StripePriceID, cfg.BaseURL)
	mux.Handle("/api/create-checkout-session", limit("create_checkout_session", 30, http.HandlerFunc(checkout.HandleCreateCheckoutSession)))
	mux.Handle("/api/create-portal-session", limit("create_portal_session", 10, http.HandlerFunc(checkout.HandleCreatePortalSession)))

	// Trusted callers
	mux.Handle("/api/internal/send-trial-reminders", cronAuth(reminders.HandleSweep(deps.Sweeper)))
	mux.Handle("/api/internal/send-update-nudge", adminAuth(reminders.HandleUpdateNudge(deps.Nudger)))

	// Admin API (key-authenticated)
	mux.Handle("/admin/licenses", adminAuth(admin.HandleListLicenses(deps.Registry)))
}

// Handler wraps mux with the middleware every request passes through.
func Handler(mux http.Handler) http.Handler {
	return RequestLogging(SecurityHeaders(mux))
}
