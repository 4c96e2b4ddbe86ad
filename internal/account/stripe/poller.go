package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/registry"
	"github.com/Dirac-Team/Dirac-Waitlist/internal/logging"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"
)

const (
	defaultPollAttempts = 5
	defaultPollInterval = 2 * time.Second
)

var (
	// ErrLicenseNotReady is returned when polling gave up before the session's
	// license was upgraded.
	ErrLicenseNotReady = errors.New("license not ready")
	// ErrUnknownSession is returned for malformed or unknown session ids.
	ErrUnknownSession = errors.New("unknown checkout session")
)

// SessionPoller is the fallback for a success page that loads before the
// checkout webhook lands. Each attempt checks the store and, when a gateway
// is configured, reconciles a completed session through the Processor.
type SessionPoller struct {
	store     Store
	gateway   Gateway
	processor *Processor
	attempts  int
	interval  time.Duration
	group     singleflight.Group
}

// NewSessionPoller creates a poller. gateway may be nil, in which case only
// the store is consulted.
func NewSessionPoller(store Store, gateway Gateway, processor *Processor, attempts int, interval time.Duration) *SessionPoller {
	if attempts <= 0 {
		attempts = defaultPollAttempts
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &SessionPoller{
		store:     store,
		gateway:   gateway,
		processor: processor,
		attempts:  attempts,
		interval:  interval,
	}
}

// Poll waits for the license upgraded by sessionID. Concurrent polls for the
// same session share one run.
func (p *SessionPoller) Poll(ctx context.Context, sessionID string) (*registry.License, error) {
	sessionID = strings.TrimSpace(sessionID)
	if !strings.HasPrefix(sessionID, "cs_") || !IsSafeStripeID(sessionID) {
		return nil, ErrUnknownSession
	}

	v, err, shared := p.group.Do(sessionID, func() (any, error) {
		return p.poll(ctx, sessionID)
	})
	if shared {
		logging.FromContext(ctx).Debug().Str("session_id", sessionID).Msg("Joined in-flight session poll")
	}
	if err != nil {
		return nil, err
	}
	return v.(*registry.License), nil
}

func (p *SessionPoller) poll(ctx context.Context, sessionID string) (*registry.License, error) {
	var found *registry.License
	attempt := 0

	op := func() error {
		attempt++
		lic, err := p.store.GetByPaymentSessionID(ctx, sessionID)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("lookup license by session: %w", err))
		}
		if lic != nil {
			found = lic
			return nil
		}
		if p.gateway == nil {
			return ErrLicenseNotReady
		}

		sess, err := p.gateway.GetCheckoutSession(ctx, sessionID)
		if errors.Is(err, ErrSessionNotFound) {
			return backoff.Permanent(ErrUnknownSession)
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		if !sess.Complete() || !sess.Paid() {
			return ErrLicenseNotReady
		}

		outcome, err := p.processor.Upgrade(ctx, *sess)
		if err != nil {
			return backoff.Permanent(err)
		}
		switch outcome {
		case UpgradeMissingKey, UpgradeUnknownLicense:
			return backoff.Permanent(ErrLicenseNotReady)
		}

		lic, err = p.store.GetByPaymentSessionID(ctx, sessionID)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("lookup license by session: %w", err))
		}
		if lic == nil {
			return ErrLicenseNotReady
		}
		found = lic
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.interval), uint64(p.attempts-1)),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		logging.FromContext(ctx).Info().
			Err(err).
			Str("session_id", sessionID).
			Int("attempts", attempt).
			Msg("License for checkout session not available")
		if ctx.Err() != nil && !errors.Is(err, ErrUnknownSession) {
			return nil, ErrLicenseNotReady
		}
		return nil, err
	}
	return found, nil
}

type sessionLicenseResponse struct {
	LicenseKey string `json:"licenseKey"`
	Email      string `json:"email"`
}

// HandleGetLicenseForSession serves GET /api/get-license-for-session.
func (p *SessionPoller) HandleGetLicenseForSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, webhookErrorResponse{Error: "method not allowed"})
		return
	}

	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "session_id is required"})
		return
	}

	lic, err := p.Poll(r.Context(), sessionID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, sessionLicenseResponse{LicenseKey: lic.Key, Email: lic.Email})
	case errors.Is(err, ErrUnknownSession):
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "invalid checkout session"})
	case errors.Is(err, ErrLicenseNotReady):
		writeJSON(w, http.StatusNotFound, webhookErrorResponse{Error: "license not ready"})
	default:
		logging.FromContext(r.Context()).Error().Err(err).Str("session_id", sessionID).Msg("Session license lookup failed")
		writeJSON(w, http.StatusInternalServerError, webhookErrorResponse{Error: "failed to look up license"})
	}
}

// IsSafeStripeID validates that a Stripe ID (cs_..., cus_..., sub_...) is safe
// to echo into logs and lookups.
func IsSafeStripeID(stripeID string) bool {
	if len(stripeID) < 5 || len(stripeID) > 255 {
		return false
	}
	for i := 0; i < len(stripeID); i++ {
		c := stripeID[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-' {
			continue
		}
		return false
	}
	return true
}
