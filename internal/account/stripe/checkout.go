package stripe

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/license"
	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/registry"
	"github.com/Dirac-Team/Dirac-Waitlist/internal/logging"
)

const (
	requestBodyLimit                   = 64 * 1024
	stripeCheckoutSessionIDPlaceholder = "{CHECKOUT_SESSION_ID}"
)

// CheckoutHandlers serves the upgrade checkout and billing portal endpoints.
type CheckoutHandlers struct {
	store   Store
	gateway Gateway
	keys    license.KeyFormat
	priceID string
	baseURL string
}

// NewCheckoutHandlers creates the handlers. A nil gateway or empty priceID
// makes checkout answer 503.
func NewCheckoutHandlers(store Store, gateway Gateway, keys license.KeyFormat, priceID, baseURL string) *CheckoutHandlers {
	return &CheckoutHandlers{
		store:   store,
		gateway: gateway,
		keys:    keys,
		priceID: strings.TrimSpace(priceID),
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
	}
}

type checkoutRequest struct {
	LicenseKey string `json:"licenseKey"`
}

type checkoutResponse struct {
	URL       string `json:"url"`
	SessionID string `json:"sessionId"`
}

// HandleCreateCheckoutSession serves POST /api/create-checkout-session.
func (h *CheckoutHandlers) HandleCreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, webhookErrorResponse{Error: "method not allowed"})
		return
	}

	var req checkoutRequest
	r.Body = http.MaxBytesReader(w, r.Body, requestBodyLimit)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "Invalid request body"})
		return
	}
	key := license.NormalizeKey(req.LicenseKey)
	if !h.keys.Valid(key) {
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "Invalid license key format"})
		return
	}

	lic, err := h.store.GetByKey(r.Context(), key)
	if err != nil {
		logging.FromContext(r.Context()).Error().Err(err).Str("license_key", key).Msg("Checkout license lookup failed")
		writeJSON(w, http.StatusInternalServerError, webhookErrorResponse{Error: "Failed to create checkout session"})
		return
	}
	if lic == nil {
		writeJSON(w, http.StatusNotFound, webhookErrorResponse{Error: "License key not found"})
		return
	}
	if lic.Status == registry.StatusActive {
		writeJSON(w, http.StatusConflict, webhookErrorResponse{Error: "License is already active"})
		return
	}
	if h.gateway == nil || h.priceID == "" {
		writeJSON(w, http.StatusServiceUnavailable, webhookErrorResponse{Error: "Checkout is not configured"})
		return
	}

	id, checkoutURL, err := h.gateway.CreateCheckoutSession(r.Context(), CheckoutParams{
		PriceID:    h.priceID,
		LicenseKey: key,
		Email:      lic.Email,
		SuccessURL: h.baseURL + "/payment/success?session_id=" + stripeCheckoutSessionIDPlaceholder,
		CancelURL:  h.baseURL + "/upgrade?" + url.Values{"key": {key}}.Encode(),
	})
	if err != nil {
		logging.FromContext(r.Context()).Error().Err(err).Str("license_key", key).Msg("Checkout session creation failed")
		writeJSON(w, http.StatusBadGateway, webhookErrorResponse{Error: "Unable to create checkout session"})
		return
	}

	writeJSON(w, http.StatusOK, checkoutResponse{URL: checkoutURL, SessionID: id})
}

type portalRequest struct {
	Email string `json:"email"`
}

type portalResponse struct {
	URL string `json:"url"`
}

// HandleCreatePortalSession serves POST /api/create-portal-session.
func (h *CheckoutHandlers) HandleCreatePortalSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, webhookErrorResponse{Error: "method not allowed"})
		return
	}

	var req portalRequest
	r.Body = http.MaxBytesReader(w, r.Body, requestBodyLimit)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "Invalid request body"})
		return
	}
	addr := license.NormalizeEmail(req.Email)
	if addr == "" || !strings.Contains(addr, "@") {
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "Email is required"})
		return
	}
	if h.gateway == nil {
		writeJSON(w, http.StatusServiceUnavailable, webhookErrorResponse{Error: "Billing portal is not configured"})
		return
	}

	logger := logging.FromContext(r.Context())
	customerID := ""
	lic, err := h.store.GetByEmail(r.Context(), addr)
	if err != nil {
		logger.Error().Err(err).Msg("Portal license lookup failed")
		writeJSON(w, http.StatusInternalServerError, webhookErrorResponse{Error: "Failed to create portal session"})
		return
	}
	if lic != nil {
		customerID = lic.PaymentCustomerID
	}
	if customerID == "" {
		customerID, err = h.gateway.FindCustomerIDByEmail(r.Context(), addr)
		if err != nil {
			logger.Error().Err(err).Msg("Stripe customer lookup failed")
			writeJSON(w, http.StatusBadGateway, webhookErrorResponse{Error: "Unable to create portal session"})
			return
		}
	}
	if customerID == "" {
		writeJSON(w, http.StatusNotFound, webhookErrorResponse{Error: "No subscription found for this email"})
		return
	}

	portalURL, err := h.gateway.CreatePortalSession(r.Context(), customerID, h.baseURL+"/account")
	if err != nil {
		logger.Error().Err(err).Str("customer_id", customerID).Msg("Billing portal session creation failed")
		writeJSON(w, http.StatusBadGateway, webhookErrorResponse{Error: "Unable to create portal session"})
		return
	}
	writeJSON(w, http.StatusOK, portalResponse{URL: portalURL})
}
