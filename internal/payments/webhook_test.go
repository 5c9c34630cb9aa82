package payments

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/quickgpt/pkg/billing"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const signingSecret = "whsec_test_secret"

type stubSettler struct {
	calls       []string
	settleError error
}

func (settler *stubSettler) Settle(_ context.Context, transactionID billing.TransactionID) (billing.Transaction, error) {
	settler.calls = append(settler.calls, transactionID.String())
	if settler.settleError != nil {
		return billing.Transaction{}, settler.settleError
	}
	return billing.Transaction{
		TransactionID:  transactionID.String(),
		UserID:         "user-1",
		PlanID:         "basic",
		AmountCents:    1000,
		CreditsGranted: 100,
		Status:         billing.TransactionStatusPaid,
	}, nil
}

func completionEvent(sessionMetadata map[string]string, paymentStatus string) map[string]any {
	return map[string]any{
		"id":          "evt_1",
		"type":        "checkout.session.completed",
		"api_version": stripe.APIVersion,
		"data": map[string]any{
			"object": map[string]any{
				"id":             "cs_test_1",
				"object":         "checkout.session",
				"payment_status": paymentStatus,
				"metadata":       sessionMetadata,
			},
		},
	}
}

func signedPayload(test *testing.T, event map[string]any, secret string) ([]byte, string) {
	test.Helper()
	payload, err := json.Marshal(event)
	if err != nil {
		test.Fatalf("marshal event: %v", err)
	}
	timestamp := time.Now()
	signature := webhook.ComputeSignature(timestamp, payload, secret)
	header := fmt.Sprintf("t=%d,v1=%s", timestamp.Unix(), hex.EncodeToString(signature))
	return payload, header
}

func paidSessionMetadata(transactionID string) map[string]string {
	return map[string]string{
		"transaction_id": transactionID,
		"app":            "quickgpt",
	}
}

func TestHandleEventSettlesVerifiedCompletion(test *testing.T) {
	test.Parallel()
	settler := &stubSettler{}
	handler := NewWebhookHandler(settler, signingSecret, nil)
	payload, header := signedPayload(test, completionEvent(paidSessionMetadata("txn-1"), "paid"), signingSecret)

	if err := handler.HandleEvent(context.Background(), payload, header); err != nil {
		test.Fatalf("handle event: %v", err)
	}
	if len(settler.calls) != 1 || settler.calls[0] != "txn-1" {
		test.Fatalf("expected one settle for txn-1, got %v", settler.calls)
	}
}

func TestHandleEventRejectsTamperedSignature(test *testing.T) {
	test.Parallel()
	settler := &stubSettler{}
	handler := NewWebhookHandler(settler, signingSecret, nil)
	payload, header := signedPayload(test, completionEvent(paidSessionMetadata("txn-1"), "paid"), "whsec_wrong_secret")

	err := handler.HandleEvent(context.Background(), payload, header)
	if !errors.Is(err, ErrSignatureInvalid) {
		test.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
	if len(settler.calls) != 0 {
		test.Fatalf("settle must not run for unverified payloads, got %v", settler.calls)
	}
}

func TestHandleEventRejectsModifiedPayload(test *testing.T) {
	test.Parallel()
	settler := &stubSettler{}
	handler := NewWebhookHandler(settler, signingSecret, nil)
	payload, header := signedPayload(test, completionEvent(paidSessionMetadata("txn-1"), "paid"), signingSecret)

	tampered := []byte(string(payload[:len(payload)-1]) + " ")
	err := handler.HandleEvent(context.Background(), tampered, header)
	if !errors.Is(err, ErrSignatureInvalid) {
		test.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
	if len(settler.calls) != 0 {
		test.Fatalf("settle must not run for tampered payloads, got %v", settler.calls)
	}
}

func TestHandleEventDuplicateDeliveriesAreAcknowledged(test *testing.T) {
	test.Parallel()
	settler := &stubSettler{settleError: billing.ErrTransactionAlreadyPaid}
	handler := NewWebhookHandler(settler, signingSecret, nil)
	payload, header := signedPayload(test, completionEvent(paidSessionMetadata("txn-1"), "paid"), signingSecret)

	for delivery := 0; delivery < 3; delivery++ {
		if err := handler.HandleEvent(context.Background(), payload, header); err != nil {
			test.Fatalf("delivery %d: %v", delivery, err)
		}
	}
	if len(settler.calls) != 3 {
		test.Fatalf("expected 3 settle attempts, got %d", len(settler.calls))
	}
}

func TestHandleEventUnknownTransactionIsAcknowledged(test *testing.T) {
	test.Parallel()
	settler := &stubSettler{settleError: billing.ErrTransactionNotFound}
	handler := NewWebhookHandler(settler, signingSecret, nil)
	payload, header := signedPayload(test, completionEvent(paidSessionMetadata("txn-ghost"), "paid"), signingSecret)

	if err := handler.HandleEvent(context.Background(), payload, header); err != nil {
		test.Fatalf("handle event: %v", err)
	}
}

func TestHandleEventStoreFailureIsRetryable(test *testing.T) {
	test.Parallel()
	storeFailure := errors.New("store down")
	settler := &stubSettler{settleError: storeFailure}
	handler := NewWebhookHandler(settler, signingSecret, nil)
	payload, header := signedPayload(test, completionEvent(paidSessionMetadata("txn-1"), "paid"), signingSecret)

	err := handler.HandleEvent(context.Background(), payload, header)
	if !errors.Is(err, storeFailure) {
		test.Fatalf("expected store failure surfaced, got %v", err)
	}
}

func TestHandleEventIgnoresNonCompletionEvents(test *testing.T) {
	test.Parallel()
	settler := &stubSettler{}
	handler := NewWebhookHandler(settler, signingSecret, nil)
	event := completionEvent(paidSessionMetadata("txn-1"), "paid")
	event["type"] = "payment_intent.created"
	payload, header := signedPayload(test, event, signingSecret)

	if err := handler.HandleEvent(context.Background(), payload, header); err != nil {
		test.Fatalf("handle event: %v", err)
	}
	if len(settler.calls) != 0 {
		test.Fatalf("expected no settle, got %v", settler.calls)
	}
}

func TestHandleEventIgnoresForeignAppSessions(test *testing.T) {
	test.Parallel()
	settler := &stubSettler{}
	handler := NewWebhookHandler(settler, signingSecret, nil)
	metadata := map[string]string{"transaction_id": "txn-1", "app": "someone-else"}
	payload, header := signedPayload(test, completionEvent(metadata, "paid"), signingSecret)

	if err := handler.HandleEvent(context.Background(), payload, header); err != nil {
		test.Fatalf("handle event: %v", err)
	}
	if len(settler.calls) != 0 {
		test.Fatalf("expected no settle, got %v", settler.calls)
	}
}

func TestHandleEventIgnoresUnpaidSessions(test *testing.T) {
	test.Parallel()
	settler := &stubSettler{}
	handler := NewWebhookHandler(settler, signingSecret, nil)
	payload, header := signedPayload(test, completionEvent(paidSessionMetadata("txn-1"), "unpaid"), signingSecret)

	if err := handler.HandleEvent(context.Background(), payload, header); err != nil {
		test.Fatalf("handle event: %v", err)
	}
	if len(settler.calls) != 0 {
		test.Fatalf("expected no settle, got %v", settler.calls)
	}
}

func TestHandleEventIgnoresMissingTransactionID(test *testing.T) {
	test.Parallel()
	settler := &stubSettler{}
	handler := NewWebhookHandler(settler, signingSecret, nil)
	metadata := map[string]string{"app": "quickgpt"}
	payload, header := signedPayload(test, completionEvent(metadata, "paid"), signingSecret)

	if err := handler.HandleEvent(context.Background(), payload, header); err != nil {
		test.Fatalf("handle event: %v", err)
	}
	if len(settler.calls) != 0 {
		test.Fatalf("expected no settle, got %v", settler.calls)
	}
}
