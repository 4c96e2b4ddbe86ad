package acctmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "dirac"
	subsystem = "account"
)

var (
	// LicensesByStatus tracks the number of licenses in each stored status.
	LicensesByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "licenses_by_status",
		Help:      "Number of licenses by stored status.",
	}, []string{"status"})

	// TrialIssuanceTotal counts trial issuance requests by outcome (created/existing/failed).
	TrialIssuanceTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "trial_issuance_total",
		Help:      "Total trial license issuance requests by outcome.",
	}, []string{"outcome"})

	// VerifyTotal counts license verifications by result status.
	VerifyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "verify_total",
		Help:      "Total license verifications by result.",
	}, []string{"result"})

	// WebhookRequestsTotal counts Stripe webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "webhook_requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks Stripe webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// UpgradesTotal counts upgrade reconciliations by outcome.
	UpgradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "upgrades_total",
		Help:      "Total upgrade reconciliations by outcome.",
	}, []string{"outcome"})

	// SubscriptionTransitionsTotal counts subscription-driven status changes.
	SubscriptionTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "subscription_transitions_total",
		Help:      "License status changes driven by subscription events.",
	}, []string{"transition"})

	// ReminderEmailsTotal counts trial reminder attempts by kind and result.
	ReminderEmailsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "reminder_emails_total",
		Help:      "Trial reminder emails by kind and result.",
	}, []string{"kind", "result"})

	// EmailsTotal counts transactional emails by template and result.
	EmailsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "emails_total",
		Help:      "Transactional emails by template and result (sent/failed/dropped).",
	}, []string{"template", "result"})

	// RateLimitedTotal counts requests rejected by a rate limiter.
	RateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "rate_limited_total",
		Help:      "Requests rejected by rate limiting, by route.",
	}, []string{"route"})
)
