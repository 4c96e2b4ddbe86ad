package stripe

import (
	"strings"

	stripelib "github.com/stripe/stripe-go/v82"

	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/registry"
)

// MapSubscriptionStatus converts a Stripe subscription status string to the
// registry SubscriptionState. Unknown statuses fail closed (expired).
func MapSubscriptionStatus(status string) registry.SubscriptionState {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active":
		return registry.SubStateActive
	case "trialing":
		return registry.SubStateTrialing
	case "past_due":
		return registry.SubStateGrace
	case "canceled":
		return registry.SubStateCanceled
	case "paused":
		return registry.SubStateSuspended
	case "unpaid", "incomplete", "incomplete_expired":
		return registry.SubStateExpired
	default:
		return registry.SubStateExpired
	}
}

// Paid reports whether the session's payment has settled. Delayed payment
// methods complete checkout with payment_status "unpaid" and settle later via
// checkout.session.async_payment_succeeded.
func (s CheckoutSession) Paid() bool {
	switch s.PaymentStatus {
	case string(stripelib.CheckoutSessionPaymentStatusPaid), string(stripelib.CheckoutSessionPaymentStatusNoPaymentRequired):
		return true
	default:
		return false
	}
}
