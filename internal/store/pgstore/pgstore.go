package pgstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/quickgpt/pkg/billing"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintTransactionPrimary = "purchase_transactions_pkey"
	pgUniqueViolationCode        = "23505"
	errorOperationStore          = "store"
	errorSubjectAccount          = "account"
	errorSubjectBalance          = "balance"
	errorSubjectTransaction      = "transaction"
	errorCodeBegin               = "begin"
	errorCodeCommit              = "commit"
	errorCodeCreate              = "create"
	errorCodeCredit              = "credit"
	errorCodeDebit               = "debit"
	errorCodeDuplicate           = "duplicate"
	errorCodeGet                 = "get"
	errorCodeInvalid             = "invalid"
	errorCodeList                = "list"
	errorCodeLookup              = "lookup"
	errorCodeMarkPaid            = "mark_paid"

	sqlInsertAccount = `
		insert into accounts(account_id, user_id, credits) values(gen_random_uuid(), $1, $2)
		on conflict (user_id) do nothing
	`

	sqlSelectBalance = `
		select credits from accounts where user_id = $1
	`

	sqlAccountExists = `
		select exists(select 1 from accounts where user_id = $1)
	`

	sqlCreditBalance = `
		update accounts set credits = credits + $2, updated_at = now()
		where user_id = $1
	`

	sqlDebitBalance = `
		update accounts set credits = credits - $2, updated_at = now()
		where user_id = $1 and credits >= $2
	`

	sqlInsertTransaction = `
		insert into purchase_transactions(
			transaction_id, user_id, plan_id, amount_cents, credits_granted, status, metadata, created_at
		)
		values(
			$1, $2, $3, $4, $5, $6,
			coalesce(nullif($7,''),'{}')::jsonb,
			to_timestamp($8)
		)
	`

	sqlSelectTransaction = `
		select
			transaction_id::text,
			user_id,
			plan_id,
			amount_cents,
			credits_granted,
			status,
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from purchase_transactions
		where transaction_id = $1
	`

	sqlTransactionExists = `
		select exists(select 1 from purchase_transactions where transaction_id = $1)
	`

	sqlMarkTransactionPaid = `
		update purchase_transactions
		set status = $3, updated_at = now()
		where transaction_id = $1 and status = $2
	`

	sqlListTransactions = `
		select
			transaction_id::text,
			user_id,
			plan_id,
			amount_cents,
			credits_granted,
			status,
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from purchase_transactions
		where user_id = $1
		order by created_at desc
		limit $2
	`
)

// querier is satisfied by both pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store implements billing.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
}

// TxStore implements billing.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore billing.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetOrCreateAccount(ctx context.Context, userID string, initialCredits int64) error {
	return getOrCreateAccount(ctx, store.pool, userID, initialCredits)
}

func (store *Store) GetBalance(ctx context.Context, userID string) (int64, error) {
	return getBalance(ctx, store.pool, userID)
}

func (store *Store) CreditBalance(ctx context.Context, userID string, amount int64) error {
	return creditBalance(ctx, store.pool, userID, amount)
}

func (store *Store) DebitBalance(ctx context.Context, userID string, amount int64) error {
	return debitBalance(ctx, store.pool, userID, amount)
}

func (store *Store) CreateTransaction(ctx context.Context, transaction billing.Transaction) error {
	return createTransaction(ctx, store.pool, transaction)
}

func (store *Store) GetTransaction(ctx context.Context, transactionID string) (billing.Transaction, error) {
	return getTransaction(ctx, store.pool, transactionID)
}

func (store *Store) MarkTransactionPaid(ctx context.Context, transactionID string) error {
	return markTransactionPaid(ctx, store.pool, transactionID)
}

func (store *Store) ListTransactions(ctx context.Context, userID string, limit int) ([]billing.Transaction, error) {
	return listTransactions(ctx, store.pool, userID, limit)
}

// WithTx on an already-open transaction reuses it; nested store transactions
// collapse into the outer one.
func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore billing.Store) error) error {
	return fn(ctx, store)
}

func (store *TxStore) GetOrCreateAccount(ctx context.Context, userID string, initialCredits int64) error {
	return getOrCreateAccount(ctx, store.tx, userID, initialCredits)
}

func (store *TxStore) GetBalance(ctx context.Context, userID string) (int64, error) {
	return getBalance(ctx, store.tx, userID)
}

func (store *TxStore) CreditBalance(ctx context.Context, userID string, amount int64) error {
	return creditBalance(ctx, store.tx, userID, amount)
}

func (store *TxStore) DebitBalance(ctx context.Context, userID string, amount int64) error {
	return debitBalance(ctx, store.tx, userID, amount)
}

func (store *TxStore) CreateTransaction(ctx context.Context, transaction billing.Transaction) error {
	return createTransaction(ctx, store.tx, transaction)
}

func (store *TxStore) GetTransaction(ctx context.Context, transactionID string) (billing.Transaction, error) {
	return getTransaction(ctx, store.tx, transactionID)
}

func (store *TxStore) MarkTransactionPaid(ctx context.Context, transactionID string) error {
	return markTransactionPaid(ctx, store.tx, transactionID)
}

func (store *TxStore) ListTransactions(ctx context.Context, userID string, limit int) ([]billing.Transaction, error) {
	return listTransactions(ctx, store.tx, userID, limit)
}

func getOrCreateAccount(ctx context.Context, runner querier, userID string, initialCredits int64) error {
	if _, err := runner.Exec(ctx, sqlInsertAccount, userID, initialCredits); err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return nil
}

func getBalance(ctx context.Context, runner querier, userID string) (int64, error) {
	var credits int64
	err := runner.QueryRow(ctx, sqlSelectBalance, userID).Scan(&credits)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, wrapStoreError(errorSubjectAccount, errorCodeGet, billing.ErrAccountNotFound)
		}
		return 0, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return credits, nil
}

func creditBalance(ctx context.Context, runner querier, userID string, amount int64) error {
	tag, err := runner.Exec(ctx, sqlCreditBalance, userID, amount)
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeCredit, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeCredit, billing.ErrAccountNotFound)
	}
	return nil
}

func debitBalance(ctx context.Context, runner querier, userID string, amount int64) error {
	tag, err := runner.Exec(ctx, sqlDebitBalance, userID, amount)
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeDebit, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := runner.QueryRow(ctx, sqlAccountExists, userID).Scan(&exists); err != nil {
			return wrapStoreError(errorSubjectBalance, errorCodeDebit, err)
		}
		if !exists {
			return wrapStoreError(errorSubjectBalance, errorCodeDebit, billing.ErrAccountNotFound)
		}
		return wrapStoreError(errorSubjectBalance, errorCodeDebit, billing.ErrInsufficientCredits)
	}
	return nil
}

func createTransaction(ctx context.Context, runner querier, transaction billing.Transaction) error {
	_, err := runner.Exec(ctx, sqlInsertTransaction,
		transaction.TransactionID,
		transaction.UserID,
		transaction.PlanID,
		transaction.AmountCents,
		transaction.CreditsGranted,
		transaction.Status.String(),
		transaction.MetadataJSON,
		transaction.CreatedUnixUTC,
	)
	if isTransactionConflict(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, billing.ErrTransactionExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCreate, err)
	}
	return nil
}

func getTransaction(ctx context.Context, runner querier, transactionID string) (billing.Transaction, error) {
	row, err := scanTransaction(runner.QueryRow(ctx, sqlSelectTransaction, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return billing.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, billing.ErrTransactionNotFound)
		}
		return billing.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	return row, nil
}

func markTransactionPaid(ctx context.Context, runner querier, transactionID string) error {
	tag, err := runner.Exec(ctx, sqlMarkTransactionPaid,
		transactionID,
		billing.TransactionStatusPending.String(),
		billing.TransactionStatusPaid.String(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeMarkPaid, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := runner.QueryRow(ctx, sqlTransactionExists, transactionID).Scan(&exists); err != nil {
			return wrapStoreError(errorSubjectTransaction, errorCodeMarkPaid, err)
		}
		if !exists {
			return wrapStoreError(errorSubjectTransaction, errorCodeMarkPaid, billing.ErrTransactionNotFound)
		}
		return wrapStoreError(errorSubjectTransaction, errorCodeMarkPaid, billing.ErrTransactionAlreadyPaid)
	}
	return nil
}

func listTransactions(ctx context.Context, runner querier, userID string, limit int) ([]billing.Transaction, error) {
	rows, err := runner.Query(ctx, sqlListTransactions, userID, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()

	transactions := make([]billing.Transaction, 0)
	for rows.Next() {
		transaction, err := scanTransaction(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return transactions, nil
}

func scanTransaction(row pgx.Row) (billing.Transaction, error) {
	var (
		transactionIDValue string
		userIDValue        string
		planIDValue        string
		amountCents        int64
		creditsGranted     int64
		statusValue        string
		metadataValue      string
		createdUnixUTC     int64
	)
	err := row.Scan(
		&transactionIDValue,
		&userIDValue,
		&planIDValue,
		&amountCents,
		&creditsGranted,
		&statusValue,
		&metadataValue,
		&createdUnixUTC,
	)
	if err != nil {
		return billing.Transaction{}, err
	}
	status, err := billing.ParseTransactionStatus(statusValue)
	if err != nil {
		return billing.Transaction{}, err
	}
	return billing.Transaction{
		TransactionID:  transactionIDValue,
		UserID:         userIDValue,
		PlanID:         planIDValue,
		AmountCents:    amountCents,
		CreditsGranted: creditsGranted,
		Status:         status,
		MetadataJSON:   metadataValue,
		CreatedUnixUTC: createdUnixUTC,
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return billing.WrapError(errorOperationStore, subject, code, err)
}

func isTransactionConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintTransactionPrimary
	}
	return false
}
