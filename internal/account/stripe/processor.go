package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/acctmetrics"
	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/email"
	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/events"
	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/registry"
	"github.com/Dirac-Team/Dirac-Waitlist/internal/logging"
)

// Store is the persistence the upgrade and subscription paths need.
type Store interface {
	GetByKey(ctx context.Context, key string) (*registry.License, error)
	GetByEmail(ctx context.Context, email string) (*registry.License, error)
	GetByPaymentSessionID(ctx context.Context, sessionID string) (*registry.License, error)
	GetBySubscriptionID(ctx context.Context, subscriptionID string) (*registry.License, error)
	MarkUpgraded(ctx context.Context, key string, refs registry.PaymentRefs, at time.Time) (bool, error)
	TransitionSubscription(ctx context.Context, c registry.SubscriptionChange, at time.Time) (bool, error)
}

// UpgradeOutcome reports what Upgrade did with a completed checkout.
type UpgradeOutcome string

const (
	UpgradeApplied         UpgradeOutcome = "upgraded"
	UpgradeDuplicate       UpgradeOutcome = "duplicate"
	UpgradeMissingKey      UpgradeOutcome = "missing_key"
	UpgradeUnknownLicense  UpgradeOutcome = "unknown_license"
	UpgradeAwaitingPayment UpgradeOutcome = "awaiting_payment"
)

// TransitionOutcome reports what a subscription status change did.
type TransitionOutcome string

const (
	TransitionDeactivated TransitionOutcome = "deactivated"
	TransitionReactivated TransitionOutcome = "reactivated"
	// TransitionApplied moved the subscription state without changing access,
	// e.g. active to grace.
	TransitionApplied   TransitionOutcome = "applied"
	TransitionUnchanged TransitionOutcome = "unchanged"
	TransitionRejected  TransitionOutcome = "rejected"
	TransitionStale     TransitionOutcome = "stale"
	TransitionUnknown   TransitionOutcome = "unknown_subscription"
)

// SubscriptionUpdate is a subscription status reported by Stripe.
type SubscriptionUpdate struct {
	SubscriptionID string
	Status         string    // raw Stripe subscription status
	EventAt        time.Time // creation time of the Stripe event
	Reason         string
}

const transitionAttempts = 3

// Processor reconciles payment events with license records.
type Processor struct {
	store     Store
	mailer    email.Dispatcher
	publisher events.Publisher
	baseURL   string
	emailFrom string
	now       func() time.Time
}

// NewProcessor wires a Processor. A nil publisher disables lifecycle events.
func NewProcessor(store Store, mailer email.Dispatcher, publisher events.Publisher, baseURL, emailFrom string) *Processor {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Processor{
		store:     store,
		mailer:    mailer,
		publisher: publisher,
		baseURL:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		emailFrom: emailFrom,
		now:       time.Now,
	}
}

// Upgrade promotes the license named in the session metadata to active. It is
// safe to call any number of times for the same session; only the call whose
// conditional write applies sends the upgrade email.
func (p *Processor) Upgrade(ctx context.Context, session CheckoutSession) (outcome UpgradeOutcome, err error) {
	defer func() {
		if err != nil {
			acctmetrics.UpgradesTotal.WithLabelValues("error").Inc()
			return
		}
		acctmetrics.UpgradesTotal.WithLabelValues(string(outcome)).Inc()
	}()

	sessionID := strings.TrimSpace(session.ID)
	if sessionID == "" {
		return "", fmt.Errorf("checkout session missing id")
	}
	logger := logging.FromContext(ctx).With().Str("session_id", sessionID).Logger()

	existing, err := p.store.GetByPaymentSessionID(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("lookup license by session: %w", err)
	}
	if existing != nil {
		logger.Info().Str("license_key", existing.Key).Msg("Checkout session already processed, skipping")
		return UpgradeDuplicate, nil
	}

	key := session.LicenseKey()
	if key == "" {
		logger.Error().Msg("Checkout session carries no license key")
		return UpgradeMissingKey, nil
	}

	lic, err := p.store.GetByKey(ctx, key)
	if err != nil {
		return "", fmt.Errorf("lookup license %s: %w", key, err)
	}
	if lic == nil {
		logger.Error().Str("license_key", key).Msg("Checkout session references unknown license")
		return UpgradeUnknownLicense, nil
	}

	if !session.Paid() {
		logger.Info().
			Str("license_key", key).
			Str("payment_status", session.PaymentStatus).
			Msg("Checkout session completed without payment, waiting for async payment")
		return UpgradeAwaitingPayment, nil
	}

	now := p.now().UTC()
	refs := registry.PaymentRefs{
		SessionID:      sessionID,
		CustomerID:     strings.TrimSpace(session.Customer),
		SubscriptionID: strings.TrimSpace(session.Subscription),
	}
	if session.Created > 0 {
		refs.SessionCreatedAt = time.Unix(session.Created, 0).UTC()
	}
	applied, err := p.store.MarkUpgraded(ctx, key, refs, now)
	if errors.Is(err, registry.ErrSessionTaken) {
		logger.Warn().Str("license_key", key).Msg("Checkout session already attached to another license")
		return UpgradeDuplicate, nil
	}
	if err != nil {
		return "", fmt.Errorf("mark license %s upgraded: %w", key, err)
	}
	if !applied {
		return UpgradeDuplicate, nil
	}

	logger.Info().
		Str("license_key", key).
		Str("customer_id", refs.CustomerID).
		Str("subscription_id", refs.SubscriptionID).
		Msg("License upgraded to paid")

	p.sendUpgradeEmail(ctx, lic.Key, recipient(lic.Email, session))
	events.Emit(ctx, p.publisher, events.New(events.LicenseUpgraded, lic.Key, lic.Email, now).
		With("session_id", sessionID).
		With("subscription_id", refs.SubscriptionID))
	return UpgradeApplied, nil
}

func recipient(stored string, session CheckoutSession) string {
	if stored != "" {
		return stored
	}
	if e := strings.TrimSpace(session.CustomerDetails.Email); e != "" {
		return strings.ToLower(e)
	}
	return strings.ToLower(strings.TrimSpace(session.CustomerEmail))
}

func (p *Processor) sendUpgradeEmail(ctx context.Context, key, to string) {
	if p.mailer == nil || to == "" {
		return
	}
	html, text, err := email.RenderUpgradeEmail(email.UpgradeData{
		LicenseKey: key,
		AccountURL: p.baseURL + "/account",
	})
	if err != nil {
		logging.FromContext(ctx).Error().Err(err).Str("license_key", key).Msg("Failed to render upgrade email")
		return
	}
	p.mailer.Dispatch(ctx, email.Message{
		From:     p.emailFrom,
		To:       to,
		Subject:  email.UpgradeSubject,
		HTML:     html,
		Text:     text,
		Template: "upgrade",
	})
}

// ApplySubscriptionStatus moves the license paid by u.SubscriptionID to the
// state Stripe reports. Changes outside the transition table are rejected,
// and events older than the last applied one are dropped, so a late
// "active" update cannot revive a canceled subscription.
func (p *Processor) ApplySubscriptionStatus(ctx context.Context, u SubscriptionUpdate) (outcome TransitionOutcome, err error) {
	subscriptionID := strings.TrimSpace(u.SubscriptionID)
	if subscriptionID == "" {
		return "", fmt.Errorf("subscription id is required")
	}
	defer func() {
		if err == nil {
			acctmetrics.SubscriptionTransitionsTotal.WithLabelValues(string(outcome)).Inc()
		}
	}()

	target := MapSubscriptionStatus(u.Status)
	eventAt := u.EventAt.UTC()
	if eventAt.IsZero() {
		eventAt = p.now().UTC()
	}
	logger := logging.FromContext(ctx).With().
		Str("subscription_id", subscriptionID).
		Str("stripe_status", u.Status).
		Str("subscription_state", string(target)).
		Str("reason", u.Reason).
		Logger()

	for attempt := 0; attempt < transitionAttempts; attempt++ {
		lic, err := p.store.GetBySubscriptionID(ctx, subscriptionID)
		if err != nil {
			return "", fmt.Errorf("lookup license by subscription: %w", err)
		}
		if lic == nil {
			logger.Info().Msg("No license for subscription")
			return TransitionUnknown, nil
		}
		if lic.SubscriptionEventAt != nil && eventAt.Before(*lic.SubscriptionEventAt) {
			logger.Info().Str("license_key", lic.Key).Msg("Stale subscription event ignored")
			return TransitionStale, nil
		}

		from := currentSubscriptionState(lic)
		if from != target && !registry.CanTransition(from, target) {
			logger.Warn().
				Str("license_key", lic.Key).
				Str("from", string(from)).
				Msg("Subscription transition not allowed, ignoring")
			return TransitionRejected, nil
		}

		now := p.now().UTC()
		applied, err := p.store.TransitionSubscription(ctx, registry.SubscriptionChange{
			SubscriptionID: subscriptionID,
			From:           lic.SubscriptionState,
			To:             target,
			EventAt:        eventAt,
		}, now)
		if err != nil {
			return "", err
		}
		if !applied {
			// Another delivery moved the record between read and write.
			continue
		}

		outcome := TransitionApplied
		switch {
		case from == target:
			return TransitionUnchanged, nil
		case lic.Status == registry.StatusActive && !target.GrantsAccess():
			outcome = TransitionDeactivated
		case lic.Status != registry.StatusActive && target.GrantsAccess():
			outcome = TransitionReactivated
		}
		logger.Info().
			Str("license_key", lic.Key).
			Str("from", string(from)).
			Msgf("License subscription %s", outcome)

		var eventType events.Type
		switch outcome {
		case TransitionDeactivated:
			eventType = events.LicenseDeactivated
		case TransitionReactivated:
			eventType = events.LicenseReactivated
		default:
			return outcome, nil
		}
		events.Emit(ctx, p.publisher, events.New(eventType, lic.Key, lic.Email, now).
			With("subscription_id", subscriptionID).
			With("subscription_state", string(target)).
			With("reason", u.Reason))
		return outcome, nil
	}
	return "", fmt.Errorf("subscription %s changed concurrently, giving up after %d attempts", subscriptionID, transitionAttempts)
}

// currentSubscriptionState falls back to the license status for records that
// predate subscription state tracking.
func currentSubscriptionState(lic *registry.License) registry.SubscriptionState {
	if lic.SubscriptionState != "" {
		return lic.SubscriptionState
	}
	if lic.Status == registry.StatusActive {
		return registry.SubStateActive
	}
	return registry.SubStateExpired
}
