package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// CreditAmount is a strictly positive credit quantity.
type CreditAmount int64

// UserID identifies an account owner.
type UserID struct {
	value string
}

// TransactionID identifies a purchase transaction. It doubles as the
// idempotency key for payment reconciliation.
type TransactionID struct {
	value string
}

// PlanID identifies a purchase plan in the catalog.
type PlanID struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// TransactionStatus defines the purchase lifecycle. The only legal
// transition is pending to paid.
type TransactionStatus string

const (
	TransactionStatusPending TransactionStatus = "pending"
	TransactionStatusPaid    TransactionStatus = "paid"
)

// OperationKind enumerates the metered generation operations.
type OperationKind string

const (
	OperationText  OperationKind = "text"
	OperationImage OperationKind = "image"
)

// Transaction is a stored purchase attempt. Amount and credits are
// snapshotted from the plan catalog at creation time.
type Transaction struct {
	TransactionID  string
	UserID         string
	PlanID         string
	AmountCents    int64
	CreditsGranted int64
	Status         TransactionStatus
	MetadataJSON   string
	CreatedUnixUTC int64
}

// Balance view for an account.
type Balance struct {
	Credits int64
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewTransactionID validates and normalizes a transaction id.
func NewTransactionID(raw string) (TransactionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransactionID{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	return TransactionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TransactionID) String() string {
	return id.value
}

// NewPlanID validates and normalizes a plan id.
func NewPlanID(raw string) (PlanID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return PlanID{}, fmt.Errorf("%w: empty value", ErrInvalidPlanID)
	}
	return PlanID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id PlanID) String() string {
	return id.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// NewCreditAmount validates an amount and ensures it is strictly positive.
func NewCreditAmount(raw int64) (CreditAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCreditAmount)
	}
	return CreditAmount(raw), nil
}

// Int64 returns the raw credit quantity.
func (amount CreditAmount) Int64() int64 {
	return int64(amount)
}

// ParseTransactionStatus validates a stored status value.
func ParseTransactionStatus(raw string) (TransactionStatus, error) {
	switch TransactionStatus(raw) {
	case TransactionStatusPending, TransactionStatusPaid:
		return TransactionStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionStatus, raw)
}

// String returns the stored status value.
func (status TransactionStatus) String() string {
	return string(status)
}

// ParseOperationKind validates a client-supplied operation kind.
func ParseOperationKind(raw string) (OperationKind, error) {
	switch OperationKind(strings.TrimSpace(raw)) {
	case OperationText:
		return OperationText, nil
	case OperationImage:
		return OperationImage, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidOperationKind, raw)
}

// String returns the normalized kind.
func (kind OperationKind) String() string {
	return string(kind)
}

// Store is the persistence contract used by Service. Balance mutations and
// the pending-to-paid transition must be single conditional statements so
// concurrent callers cannot both observe the prior state.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateAccount(ctx context.Context, userID string, initialCredits int64) error
	GetBalance(ctx context.Context, userID string) (int64, error)
	CreditBalance(ctx context.Context, userID string, amount int64) error
	DebitBalance(ctx context.Context, userID string, amount int64) error
	CreateTransaction(ctx context.Context, transaction Transaction) error
	GetTransaction(ctx context.Context, transactionID string) (Transaction, error)
	MarkTransactionPaid(ctx context.Context, transactionID string) error
	ListTransactions(ctx context.Context, userID string, limit int) ([]Transaction, error)
}
