package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/quickgpt/pkg/billing"
	"github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
)

const (
	metadataKeyTransactionID = "transaction_id"
	metadataKeyApp           = "app"
	metadataAppValue         = "quickgpt"
	checkoutCurrency         = "usd"
	checkoutExpiry           = 30 * time.Minute
)

// CheckoutSession is the hosted payment page handed back to the client.
type CheckoutSession struct {
	SessionID string
	URL       string
}

// CheckoutCreator creates hosted checkout sessions for pending transactions.
type CheckoutCreator interface {
	CreateCheckoutSession(ctx context.Context, transaction billing.Transaction, plan billing.Plan) (CheckoutSession, error)
}

// Checkout implements CheckoutCreator against Stripe. The unit amount always
// comes from the transaction snapshot, never from anything client-supplied.
type Checkout struct {
	secretKey  string
	successURL string
	cancelURL  string
}

// NewCheckout wires a Stripe checkout client.
func NewCheckout(secretKey string, successURL string, cancelURL string) *Checkout {
	return &Checkout{secretKey: secretKey, successURL: successURL, cancelURL: cancelURL}
}

// CreateCheckoutSession opens a hosted checkout for one plan purchase. The
// transaction identifier rides along as opaque metadata that Stripe echoes
// back unmodified in the completion event.
func (checkout *Checkout) CreateCheckoutSession(ctx context.Context, transaction billing.Transaction, plan billing.Plan) (CheckoutSession, error) {
	stripe.Key = checkout.secretKey

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(checkout.successURL),
		CancelURL:  stripe.String(checkout.cancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(checkoutCurrency),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(plan.Name),
					},
					UnitAmount: stripe.Int64(transaction.AmountCents),
				},
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: map[string]string{
			metadataKeyTransactionID: transaction.TransactionID,
			metadataKeyApp:           metadataAppValue,
		},
		ExpiresAt: stripe.Int64(time.Now().UTC().Add(checkoutExpiry).Unix()),
	}
	params.Context = ctx

	session, err := checkoutsession.New(params)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("create checkout session: %w", err)
	}
	return CheckoutSession{SessionID: session.ID, URL: session.URL}, nil
}
