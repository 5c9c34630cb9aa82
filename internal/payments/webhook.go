package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/quickgpt/pkg/billing"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"
)

// ErrSignatureInvalid marks a webhook delivery that failed authentication.
// Nothing about such a payload is trusted, however plausible it looks.
var ErrSignatureInvalid = errors.New("webhook signature invalid")

// Settler applies a verified payment completion exactly once.
type Settler interface {
	Settle(ctx context.Context, transactionID billing.TransactionID) (billing.Transaction, error)
}

// WebhookHandler turns Stripe completion events into credit grants.
type WebhookHandler struct {
	settler       Settler
	signingSecret string
	logger        *zap.Logger
}

// NewWebhookHandler wires a reconciliation handler.
func NewWebhookHandler(settler Settler, signingSecret string, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{settler: settler, signingSecret: signingSecret, logger: logger}
}

// HandleEvent verifies the raw payload and settles the referenced
// transaction. A nil return means the delivery is acknowledged; callers map
// ErrSignatureInvalid to a terminal rejection and anything else to a
// retry-eligible failure, which is safe because Settle is idempotent.
//
// Conditions that a redelivery can never resolve (foreign events, malformed
// sessions, unknown or already-settled transactions) are acknowledged as
// no-ops so the gateway stops retrying.
func (handler *WebhookHandler) HandleEvent(ctx context.Context, payload []byte, signatureHeader string) error {
	event, err := webhook.ConstructEvent(payload, signatureHeader, handler.signingSecret)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	if event.Type != stripe.EventTypeCheckoutSessionCompleted {
		handler.logger.Debug("ignoring webhook event", zap.String("event_type", string(event.Type)))
		return nil
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		handler.logger.Warn("malformed checkout session in verified event",
			zap.String("event_id", event.ID), zap.Error(err))
		return nil
	}
	if session.Metadata[metadataKeyApp] != metadataAppValue {
		handler.logger.Debug("ignoring event for foreign app", zap.String("event_id", event.ID))
		return nil
	}
	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		handler.logger.Info("checkout completed without payment",
			zap.String("session_id", session.ID),
			zap.String("payment_status", string(session.PaymentStatus)))
		return nil
	}

	transactionID, err := billing.NewTransactionID(session.Metadata[metadataKeyTransactionID])
	if err != nil {
		handler.logger.Warn("completion event missing transaction id", zap.String("session_id", session.ID))
		return nil
	}

	settled, err := handler.settler.Settle(ctx, transactionID)
	if errors.Is(err, billing.ErrTransactionAlreadyPaid) || errors.Is(err, billing.ErrTransactionNotFound) {
		handler.logger.Info("completion event already settled or unknown",
			zap.String("transaction_id", transactionID.String()), zap.Error(err))
		return nil
	}
	if err != nil {
		return err
	}

	handler.logger.Info("payment settled",
		zap.String("transaction_id", settled.TransactionID),
		zap.String("user_id", settled.UserID),
		zap.Int64("credits_granted", settled.CreditsGranted))
	return nil
}
