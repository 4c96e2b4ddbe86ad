package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/acctmetrics"
	"github.com/Dirac-Team/Dirac-Waitlist/internal/logging"
	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// WebhookHandler handles incoming Stripe webhook events.
type WebhookHandler struct {
	secret    string
	processor *Processor
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool   `json:"received"`
	Status   string `json:"status,omitempty"`
}

// NewWebhookHandler creates a Stripe webhook HTTP handler.
func NewWebhookHandler(secret string, processor *Processor) *WebhookHandler {
	return &WebhookHandler{
		secret:    secret,
		processor: processor,
	}
}

// ServeHTTP verifies the Stripe signature and dispatches the event.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		acctmetrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		acctmetrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, http.StatusMethodNotAllowed, webhookErrorResponse{Error: "method not allowed"})
		return
	}
	if strings.TrimSpace(h.secret) == "" {
		status = http.StatusServiceUnavailable
		writeJSON(w, http.StatusServiceUnavailable, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "missing Stripe signature"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		logging.FromContext(r.Context()).Warn().Err(err).Msg("Stripe webhook signature rejected")
		status = http.StatusBadRequest
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "invalid Stripe signature"})
		return
	}
	eventType = string(event.Type)

	result, err := h.handleEvent(r.Context(), &event)
	if err != nil {
		log.Error().Err(err).
			Str("event_id", event.ID).
			Str("type", string(event.Type)).
			Msg("Stripe webhook processing failed")
		status = http.StatusInternalServerError
		writeJSON(w, http.StatusInternalServerError, webhookErrorResponse{Error: "processing failed"})
		return
	}

	status = http.StatusOK
	writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true, Status: result})
}

// handleEvent returns a short status for the acknowledgement body, empty for
// the plain {received:true} case.
func (h *WebhookHandler) handleEvent(ctx context.Context, event *stripelib.Event) (string, error) {
	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		var session CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return "", fmt.Errorf("decode checkout.session: %w", err)
		}
		outcome, err := h.processor.Upgrade(ctx, session)
		if err != nil {
			return "", err
		}
		switch outcome {
		case UpgradeDuplicate:
			return string(UpgradeDuplicate), nil
		case UpgradeAwaitingPayment:
			return string(UpgradeAwaitingPayment), nil
		}
		return "", nil

	case "customer.subscription.updated", "customer.subscription.deleted":
		var sub Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return "", fmt.Errorf("decode subscription: %w", err)
		}
		update := SubscriptionUpdate{
			SubscriptionID: sub.ID,
			Status:         sub.Status,
			Reason:         "subscription_" + strings.ToLower(strings.TrimSpace(sub.Status)),
		}
		if event.Created > 0 {
			update.EventAt = time.Unix(event.Created, 0).UTC()
		}
		if event.Type == "customer.subscription.deleted" {
			update.Status = string(stripelib.SubscriptionStatusCanceled)
			update.Reason = "subscription_deleted"
		}
		outcome, err := h.processor.ApplySubscriptionStatus(ctx, update)
		if err != nil {
			return "", err
		}
		if outcome == TransitionStale || outcome == TransitionRejected {
			return string(outcome), nil
		}
		return "", nil

	case "invoice.payment_failed":
		var invoice Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return "", fmt.Errorf("decode invoice: %w", err)
		}
		acctmetrics.SubscriptionTransitionsTotal.WithLabelValues("payment_failed").Inc()
		log.Warn().
			Str("event_id", event.ID).
			Str("customer_id", invoice.Customer).
			Str("subscription_id", invoice.SubscriptionID()).
			Msg("Stripe invoice payment failed")
		return "", nil

	default:
		log.Info().
			Str("type", string(event.Type)).
			Str("event_id", event.ID).
			Msg("Stripe webhook ignored (unhandled type)")
		return "", nil
	}
}

// CheckoutSession is a minimal representation of a Stripe checkout session.
type CheckoutSession struct {
	ID                string `json:"id"`
	Created           int64  `json:"created"`
	Mode              string `json:"mode"`
	Status            string `json:"status"`
	PaymentStatus     string `json:"payment_status"`
	Customer          string `json:"customer"`
	Subscription      string `json:"subscription"`
	ClientReferenceID string `json:"client_reference_id"`
	CustomerEmail     string `json:"customer_email"`
	CustomerDetails   struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	Metadata map[string]string `json:"metadata"`
}

// LicenseKey returns the license key attached at checkout creation, looking at
// metadata first and the client reference id second.
func (s CheckoutSession) LicenseKey() string {
	for _, k := range []string{"licenseKey", "license_key"} {
		if v := strings.TrimSpace(s.Metadata[k]); v != "" {
			return strings.ToUpper(v)
		}
	}
	return strings.ToUpper(strings.TrimSpace(s.ClientReferenceID))
}

// Complete reports whether checkout finished.
func (s CheckoutSession) Complete() bool {
	return s.Status == string(stripelib.CheckoutSessionStatusComplete)
}

// Subscription is a minimal representation of a Stripe subscription event.
type Subscription struct {
	ID                string            `json:"id"`
	Customer          string            `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	Metadata          map[string]string `json:"metadata"`
}

// Invoice is a minimal representation of a Stripe invoice event.
type Invoice struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// SubscriptionID returns the invoice's subscription from either the legacy
// top-level field or the newer parent.subscription_details.
func (i Invoice) SubscriptionID() string {
	if id := strings.TrimSpace(i.Subscription); id != "" {
		return id
	}
	return strings.TrimSpace(i.Parent.SubscriptionDetails.Subscription)
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("account.stripe: encode response")
	}
}
