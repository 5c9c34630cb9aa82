package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/quickgpt/pkg/billing"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintTransactionPrimary = "purchase_transactions_pkey"
	defaultMetadataJSON          = "{}"
	pgUniqueViolationCode        = "23505"
	sqliteConstraintCode         = 19
	errorOperationStore          = "store"
	errorSubjectAccount          = "account"
	errorSubjectBalance          = "balance"
	errorSubjectTransaction      = "transaction"
	errorCodeCreate              = "create"
	errorCodeCredit              = "credit"
	errorCodeDebit               = "debit"
	errorCodeDuplicate           = "duplicate"
	errorCodeGet                 = "get"
	errorCodeInvalid             = "invalid"
	errorCodeList                = "list"
	errorCodeLookup              = "lookup"
	errorCodeMarkPaid            = "mark_paid"
)

// Store implements billing.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore billing.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// GetOrCreateAccount inserts the account with its starting balance on first
// contact; an existing row is left untouched, which keeps the signup bonus a
// one-time grant.
func (store *Store) GetOrCreateAccount(ctx context.Context, userID string, initialCredits int64) error {
	account := Account{UserID: userID, Credits: initialCredits}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(&account).Error
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return nil
}

func (store *Store) GetBalance(ctx context.Context, userID string) (int64, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Take(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, wrapStoreError(errorSubjectAccount, errorCodeGet, billing.ErrAccountNotFound)
		}
		return 0, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return account.Credits, nil
}

func (store *Store) CreditBalance(ctx context.Context, userID string, amount int64) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ?", userID).
		Update("credits", gorm.Expr("credits + ?", amount))
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeCredit, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeCredit, billing.ErrAccountNotFound)
	}
	return nil
}

// DebitBalance decrements the balance only when the guard holds; the check
// and the decrement are one statement, so concurrent debits for the same
// user cannot both pass on the same credits.
func (store *Store) DebitBalance(ctx context.Context, userID string, amount int64) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ? AND credits >= ?", userID, amount).
		Update("credits", gorm.Expr("credits - ?", amount))
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeDebit, result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := store.db.WithContext(ctx).Model(&Account{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
			return wrapStoreError(errorSubjectBalance, errorCodeDebit, err)
		}
		if count == 0 {
			return wrapStoreError(errorSubjectBalance, errorCodeDebit, billing.ErrAccountNotFound)
		}
		return wrapStoreError(errorSubjectBalance, errorCodeDebit, billing.ErrInsufficientCredits)
	}
	return nil
}

func (store *Store) CreateTransaction(ctx context.Context, transaction billing.Transaction) error {
	model := PurchaseTransaction{
		TransactionID:  transaction.TransactionID,
		UserID:         transaction.UserID,
		PlanID:         transaction.PlanID,
		AmountCents:    transaction.AmountCents,
		CreditsGranted: transaction.CreditsGranted,
		Status:         transaction.Status.String(),
		Metadata:       datatypesJSON(transaction.MetadataJSON),
		CreatedAt:      time.Unix(transaction.CreatedUnixUTC, 0).UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isTransactionConflict(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, billing.ErrTransactionExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetTransaction(ctx context.Context, transactionID string) (billing.Transaction, error) {
	var model PurchaseTransaction
	err := store.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return billing.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, billing.ErrTransactionNotFound)
		}
		return billing.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	transaction, err := mapTransaction(model)
	if err != nil {
		return billing.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

// MarkTransactionPaid performs the pending-to-paid transition as a single
// conditional update keyed on both id and prior status. Exactly one of any
// number of concurrent callers observes a row change.
func (store *Store) MarkTransactionPaid(ctx context.Context, transactionID string) error {
	result := store.db.WithContext(ctx).
		Model(&PurchaseTransaction{}).
		Where("transaction_id = ? AND status = ?", transactionID, billing.TransactionStatusPending.String()).
		Update("status", billing.TransactionStatusPaid.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeMarkPaid, result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := store.db.WithContext(ctx).Model(&PurchaseTransaction{}).Where("transaction_id = ?", transactionID).Count(&count).Error; err != nil {
			return wrapStoreError(errorSubjectTransaction, errorCodeMarkPaid, err)
		}
		if count == 0 {
			return wrapStoreError(errorSubjectTransaction, errorCodeMarkPaid, billing.ErrTransactionNotFound)
		}
		return wrapStoreError(errorSubjectTransaction, errorCodeMarkPaid, billing.ErrTransactionAlreadyPaid)
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, userID string, limit int) ([]billing.Transaction, error) {
	var rows []PurchaseTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}

	transactions := make([]billing.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return billing.WrapError(errorOperationStore, subject, code, err)
}

func mapTransaction(row PurchaseTransaction) (billing.Transaction, error) {
	status, err := billing.ParseTransactionStatus(row.Status)
	if err != nil {
		return billing.Transaction{}, err
	}
	metadata, err := billing.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return billing.Transaction{}, err
	}
	return billing.Transaction{
		TransactionID:  row.TransactionID,
		UserID:         row.UserID,
		PlanID:         row.PlanID,
		AmountCents:    row.AmountCents,
		CreditsGranted: row.CreditsGranted,
		Status:         status,
		MetadataJSON:   metadata.String(),
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isTransactionConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintTransactionPrimary
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
