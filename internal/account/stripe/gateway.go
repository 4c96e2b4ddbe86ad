package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	stripelib "github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
)

// ErrSessionNotFound is returned when Stripe does not know a checkout session.
var ErrSessionNotFound = errors.New("checkout session not found")

// CheckoutParams describes a subscription checkout for one license.
type CheckoutParams struct {
	PriceID    string
	LicenseKey string
	Email      string
	SuccessURL string
	CancelURL  string
}

// Gateway is the slice of the Stripe API the account service uses.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, p CheckoutParams) (id, url string, err error)
	GetCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
	FindCustomerIDByEmail(ctx context.Context, email string) (string, error)
}

// APIGateway talks to Stripe with per-instance clients rather than the
// package-level stripe.Key.
type APIGateway struct {
	checkout  checkoutsession.Client
	portal    portalsession.Client
	customers customer.Client
}

// NewAPIGateway returns a gateway authenticated with apiKey.
func NewAPIGateway(apiKey string) *APIGateway {
	apiKey = strings.TrimSpace(apiKey)
	backend := stripelib.GetBackend(stripelib.APIBackend)
	return &APIGateway{
		checkout:  checkoutsession.Client{B: backend, Key: apiKey},
		portal:    portalsession.Client{B: backend, Key: apiKey},
		customers: customer.Client{B: backend, Key: apiKey},
	}
}

func (g *APIGateway) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (string, string, error) {
	metadata := map[string]string{"licenseKey": p.LicenseKey}
	params := &stripelib.CheckoutSessionParams{
		Mode:              stripelib.String(string(stripelib.CheckoutSessionModeSubscription)),
		SuccessURL:        stripelib.String(p.SuccessURL),
		CancelURL:         stripelib.String(p.CancelURL),
		ClientReferenceID: stripelib.String(p.LicenseKey),
		LineItems: []*stripelib.CheckoutSessionLineItemParams{
			{
				Price:    stripelib.String(p.PriceID),
				Quantity: stripelib.Int64(1),
			},
		},
		SubscriptionData: &stripelib.CheckoutSessionSubscriptionDataParams{
			Metadata: metadata,
		},
		Metadata: metadata,
	}
	if p.Email != "" {
		params.CustomerEmail = stripelib.String(p.Email)
	}
	params.Context = ctx

	sess, err := g.checkout.New(params)
	if err != nil {
		return "", "", fmt.Errorf("create checkout session: %w", err)
	}
	if sess == nil || strings.TrimSpace(sess.URL) == "" {
		return "", "", fmt.Errorf("create checkout session: empty session url")
	}
	return sess.ID, sess.URL, nil
}

func (g *APIGateway) GetCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error) {
	params := &stripelib.CheckoutSessionParams{}
	params.Context = ctx

	sess, err := g.checkout.Get(id, params)
	if err != nil {
		var serr *stripelib.Error
		if errors.As(err, &serr) && serr.HTTPStatusCode == http.StatusNotFound {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get checkout session: %w", err)
	}
	return fromStripeSession(sess), nil
}

func (g *APIGateway) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripelib.BillingPortalSessionParams{
		Customer:  stripelib.String(customerID),
		ReturnURL: stripelib.String(returnURL),
	}
	params.Context = ctx

	sess, err := g.portal.New(params)
	if err != nil {
		return "", fmt.Errorf("create billing portal session: %w", err)
	}
	return sess.URL, nil
}

// FindCustomerIDByEmail returns the first Stripe customer with email, or ""
// when there is none.
func (g *APIGateway) FindCustomerIDByEmail(ctx context.Context, email string) (string, error) {
	params := &stripelib.CustomerListParams{Email: stripelib.String(email)}
	params.Context = ctx
	params.Limit = stripelib.Int64(1)

	iter := g.customers.List(params)
	for iter.Next() {
		if c := iter.Customer(); c != nil && c.ID != "" {
			return c.ID, nil
		}
	}
	if err := iter.Err(); err != nil {
		return "", fmt.Errorf("list customers: %w", err)
	}
	return "", nil
}

func fromStripeSession(s *stripelib.CheckoutSession) *CheckoutSession {
	if s == nil {
		return nil
	}
	out := &CheckoutSession{
		ID:                s.ID,
		Created:           s.Created,
		Mode:              string(s.Mode),
		Status:            string(s.Status),
		PaymentStatus:     string(s.PaymentStatus),
		ClientReferenceID: s.ClientReferenceID,
		CustomerEmail:     s.CustomerEmail,
		Metadata:          s.Metadata,
	}
	if s.Customer != nil {
		out.Customer = s.Customer.ID
	}
	if s.Subscription != nil {
		out.Subscription = s.Subscription.ID
	}
	if s.CustomerDetails != nil {
		out.CustomerDetails.Email = s.CustomerDetails.Email
	}
	return out
}
