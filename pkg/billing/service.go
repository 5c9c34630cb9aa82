package billing

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Service contains the domain logic over a Store.
type Service struct {
	store       Store
	nowFn       func() int64
	logger      OperationLogger
	signupBonus int64
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, signupBonus: DefaultSignupBonusCredits}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.signupBonus < 0 {
		return nil, fmt.Errorf("%w: signup bonus must not be negative", ErrInvalidServiceConfig)
	}
	return service, nil
}

// Balance returns the current credit balance, creating the account (with its
// signup bonus) on first contact.
func (service *Service) Balance(ctx context.Context, userID UserID) (Balance, error) {
	if err := service.store.GetOrCreateAccount(ctx, userID.String(), service.signupBonus); err != nil {
		return Balance{}, err
	}
	credits, err := service.store.GetBalance(ctx, userID.String())
	if err != nil {
		return Balance{}, err
	}
	return Balance{Credits: credits}, nil
}

// Grant atomically increments the balance. Reconciliation is the only caller
// that grants on behalf of a payment; this path is also used for promotional
// credits.
func (service *Service) Grant(ctx context.Context, userID UserID, amount CreditAmount) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.GetOrCreateAccount(ctx, userID.String(), service.signupBonus); err != nil {
			return err
		}
		return transactionStore.CreditBalance(ctx, userID.String(), amount.Int64())
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationGrant,
		UserID:    userID,
		Credits:   amount.Int64(),
		Error:     operationError,
	})
	return operationError
}

// CreatePurchase snapshots the plan's price and credit grant onto a new
// pending transaction. A later catalog change cannot alter the payout.
func (service *Service) CreatePurchase(ctx context.Context, userID UserID, planID PlanID, metadata MetadataJSON) (Transaction, error) {
	plan, err := PlanByID(planID)
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationPurchase, UserID: userID, Error: err})
		return Transaction{}, err
	}
	transaction := Transaction{
		TransactionID:  uuid.NewString(),
		UserID:         userID.String(),
		PlanID:         plan.ID,
		AmountCents:    plan.PriceCents,
		CreditsGranted: plan.CreditsGranted,
		Status:         TransactionStatusPending,
		MetadataJSON:   metadata.String(),
		CreatedUnixUTC: service.nowFn(),
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.GetOrCreateAccount(ctx, userID.String(), service.signupBonus); err != nil {
			return err
		}
		return transactionStore.CreateTransaction(ctx, transaction)
	})
	transactionID, _ := NewTransactionID(transaction.TransactionID)
	service.logOperation(ctx, OperationLog{
		Operation:     operationPurchase,
		UserID:        userID,
		TransactionID: &transactionID,
		Credits:       transaction.CreditsGranted,
		Error:         operationError,
	})
	if operationError != nil {
		return Transaction{}, operationError
	}
	return transaction, nil
}

// Settle applies a verified payment completion exactly once. The conditional
// pending-to-paid update and the credit grant run in one store transaction,
// so a duplicate or concurrent delivery either wins the transition and
// credits, or observes ErrTransactionAlreadyPaid and changes nothing.
func (service *Service) Settle(ctx context.Context, transactionID TransactionID) (Transaction, error) {
	var settled Transaction
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		transaction, err := transactionStore.GetTransaction(ctx, transactionID.String())
		if err != nil {
			return err
		}
		if err := transactionStore.MarkTransactionPaid(ctx, transactionID.String()); err != nil {
			return err
		}
		if err := transactionStore.GetOrCreateAccount(ctx, transaction.UserID, service.signupBonus); err != nil {
			return err
		}
		if err := transactionStore.CreditBalance(ctx, transaction.UserID, transaction.CreditsGranted); err != nil {
			return err
		}
		transaction.Status = TransactionStatusPaid
		settled = transaction
		return nil
	})
	transactionRef := transactionID
	userID, _ := NewUserID(settled.UserID)
	service.logOperation(ctx, OperationLog{
		Operation:     operationSettle,
		UserID:        userID,
		TransactionID: &transactionRef,
		Credits:       settled.CreditsGranted,
		Error:         operationError,
	})
	if operationError != nil {
		return Transaction{}, operationError
	}
	return settled, nil
}

// ListTransactions returns the most recent purchase attempts for a user.
// Transactions are never deleted; the list is the audit trail.
func (service *Service) ListTransactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error) {
	if err := service.store.GetOrCreateAccount(ctx, userID.String(), service.signupBonus); err != nil {
		return nil, err
	}
	return service.store.ListTransactions(ctx, userID.String(), limit)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
