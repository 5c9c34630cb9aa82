package billing

import (
	"context"
	"errors"
	"testing"
)

const (
	userIDValue          = "user-123"
	errorMismatchMessage = "expected error %v, got %v"
)

var errStoreFailure = errors.New("store failure")

type stubStore struct {
	accounts     map[string]int64
	transactions map[string]Transaction

	withTxError          error
	getBalanceError      error
	creditBalanceError   error
	debitBalanceError    error
	createTxError        error
	getTransactionError  error
	markPaidError        error
	listError            error
	getOrCreateError     error
	creditBalanceContext context.Context
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		accounts:     map[string]int64{},
		transactions: map[string]Transaction{},
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if store.withTxError != nil {
		return store.withTxError
	}
	return fn(ctx, store)
}

func (store *stubStore) GetOrCreateAccount(_ context.Context, userID string, initialCredits int64) error {
	if store.getOrCreateError != nil {
		return store.getOrCreateError
	}
	if _, exists := store.accounts[userID]; !exists {
		store.accounts[userID] = initialCredits
	}
	return nil
}

func (store *stubStore) GetBalance(_ context.Context, userID string) (int64, error) {
	if store.getBalanceError != nil {
		return 0, store.getBalanceError
	}
	credits, exists := store.accounts[userID]
	if !exists {
		return 0, ErrAccountNotFound
	}
	return credits, nil
}

func (store *stubStore) CreditBalance(ctx context.Context, userID string, amount int64) error {
	store.creditBalanceContext = ctx
	if store.creditBalanceError != nil {
		return store.creditBalanceError
	}
	if _, exists := store.accounts[userID]; !exists {
		return ErrAccountNotFound
	}
	store.accounts[userID] += amount
	return nil
}

func (store *stubStore) DebitBalance(_ context.Context, userID string, amount int64) error {
	if store.debitBalanceError != nil {
		return store.debitBalanceError
	}
	credits, exists := store.accounts[userID]
	if !exists {
		return ErrAccountNotFound
	}
	if credits < amount {
		return ErrInsufficientCredits
	}
	store.accounts[userID] = credits - amount
	return nil
}

func (store *stubStore) CreateTransaction(_ context.Context, transaction Transaction) error {
	if store.createTxError != nil {
		return store.createTxError
	}
	if _, exists := store.transactions[transaction.TransactionID]; exists {
		return ErrTransactionExists
	}
	store.transactions[transaction.TransactionID] = transaction
	return nil
}

func (store *stubStore) GetTransaction(_ context.Context, transactionID string) (Transaction, error) {
	if store.getTransactionError != nil {
		return Transaction{}, store.getTransactionError
	}
	transaction, exists := store.transactions[transactionID]
	if !exists {
		return Transaction{}, ErrTransactionNotFound
	}
	return transaction, nil
}

func (store *stubStore) MarkTransactionPaid(_ context.Context, transactionID string) error {
	if store.markPaidError != nil {
		return store.markPaidError
	}
	transaction, exists := store.transactions[transactionID]
	if !exists {
		return ErrTransactionNotFound
	}
	if transaction.Status == TransactionStatusPaid {
		return ErrTransactionAlreadyPaid
	}
	transaction.Status = TransactionStatusPaid
	store.transactions[transactionID] = transaction
	return nil
}

func (store *stubStore) ListTransactions(_ context.Context, userID string, limit int) ([]Transaction, error) {
	if store.listError != nil {
		return nil, store.listError
	}
	listed := make([]Transaction, 0, limit)
	for _, transaction := range store.transactions {
		if transaction.UserID == userID && len(listed) < limit {
			listed = append(listed, transaction)
		}
	}
	return listed, nil
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 1700000000 }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id %q: %v", raw, err)
	}
	return userID
}

func mustTransactionID(test *testing.T, raw string) TransactionID {
	test.Helper()
	transactionID, err := NewTransactionID(raw)
	if err != nil {
		test.Fatalf("transaction id %q: %v", raw, err)
	}
	return transactionID
}

func mustPlanID(test *testing.T, raw string) PlanID {
	test.Helper()
	planID, err := NewPlanID(raw)
	if err != nil {
		test.Fatalf("plan id %q: %v", raw, err)
	}
	return planID
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata %q: %v", raw, err)
	}
	return metadata
}

func seedPendingTransaction(test *testing.T, store *stubStore, transactionID string, userID string, credits int64) {
	test.Helper()
	store.transactions[transactionID] = Transaction{
		TransactionID:  transactionID,
		UserID:         userID,
		PlanID:         "basic",
		AmountCents:    1000,
		CreditsGranted: credits,
		Status:         TransactionStatusPending,
		MetadataJSON:   "{}",
		CreatedUnixUTC: 1700000000,
	}
}

func TestNewServiceRejectsNilDependencies(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	if _, err := NewService(nil, func() int64 { return 0 }); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf(errorMismatchMessage, ErrInvalidServiceConfig, err)
	}
	if _, err := NewService(store, nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf(errorMismatchMessage, ErrInvalidServiceConfig, err)
	}
	if _, err := NewService(store, func() int64 { return 0 }, WithSignupBonus(-1)); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf(errorMismatchMessage, ErrInvalidServiceConfig, err)
	}
}

func TestBalanceSeedsSignupBonusOnFirstContact(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, userIDValue)

	balance, err := service.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.Credits != DefaultSignupBonusCredits {
		test.Fatalf("expected signup bonus %d, got %d", DefaultSignupBonusCredits, balance.Credits)
	}

	// A second call must not re-seed the bonus.
	balance, err = service.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.Credits != DefaultSignupBonusCredits {
		test.Fatalf("expected unchanged balance %d, got %d", DefaultSignupBonusCredits, balance.Credits)
	}
}

func TestBalanceHonorsSignupBonusOverride(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, WithSignupBonus(0))
	userID := mustUserID(test, "bonusless-user")

	balance, err := service.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.Credits != 0 {
		test.Fatalf("expected zero balance, got %d", balance.Credits)
	}
}

func TestGrantIncrementsBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "grant-user")
	amount, err := NewCreditAmount(50)
	if err != nil {
		test.Fatalf("credit amount: %v", err)
	}

	if err := service.Grant(context.Background(), userID, amount); err != nil {
		test.Fatalf("grant: %v", err)
	}
	if got := store.accounts[userID.String()]; got != DefaultSignupBonusCredits+50 {
		test.Fatalf("expected %d credits, got %d", DefaultSignupBonusCredits+50, got)
	}
}

func TestCreatePurchaseSnapshotsPlanPricing(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "buyer")

	transaction, err := service.CreatePurchase(context.Background(), userID, mustPlanID(test, "pro"), mustMetadata(test, "{}"))
	if err != nil {
		test.Fatalf("create purchase: %v", err)
	}
	if transaction.TransactionID == "" {
		test.Fatal("expected generated transaction id")
	}
	if transaction.Status != TransactionStatusPending {
		test.Fatalf("expected pending status, got %s", transaction.Status)
	}
	if transaction.AmountCents != 2000 || transaction.CreditsGranted != 500 {
		test.Fatalf("unexpected plan snapshot: %d cents, %d credits", transaction.AmountCents, transaction.CreditsGranted)
	}
	stored, exists := store.transactions[transaction.TransactionID]
	if !exists {
		test.Fatal("expected transaction persisted")
	}
	if stored.UserID != userID.String() {
		test.Fatalf("expected owner %q, got %q", userID.String(), stored.UserID)
	}
}

func TestCreatePurchaseUnknownPlan(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "buyer")

	_, err := service.CreatePurchase(context.Background(), userID, mustPlanID(test, "enterprise"), mustMetadata(test, "{}"))
	if !errors.Is(err, ErrUnknownPlan) {
		test.Fatalf(errorMismatchMessage, ErrUnknownPlan, err)
	}
	if len(store.transactions) != 0 {
		test.Fatalf("expected no transaction persisted, got %d", len(store.transactions))
	}
}

func TestSettleGrantsCreditsOnce(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.accounts["buyer"] = 5
	seedPendingTransaction(test, store, "txn-1", "buyer", 100)
	service := mustNewService(test, store)

	settled, err := service.Settle(context.Background(), mustTransactionID(test, "txn-1"))
	if err != nil {
		test.Fatalf("settle: %v", err)
	}
	if settled.Status != TransactionStatusPaid {
		test.Fatalf("expected paid status, got %s", settled.Status)
	}
	if got := store.accounts["buyer"]; got != 105 {
		test.Fatalf("expected 105 credits after settle, got %d", got)
	}

	// Duplicate delivery hits the already-paid guard and grants nothing.
	_, err = service.Settle(context.Background(), mustTransactionID(test, "txn-1"))
	if !errors.Is(err, ErrTransactionAlreadyPaid) {
		test.Fatalf(errorMismatchMessage, ErrTransactionAlreadyPaid, err)
	}
	if got := store.accounts["buyer"]; got != 105 {
		test.Fatalf("expected unchanged balance 105, got %d", got)
	}
}

func TestSettleCreatesMissingAccount(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	seedPendingTransaction(test, store, "txn-orphan", "late-signup", 100)
	service := mustNewService(test, store)

	if _, err := service.Settle(context.Background(), mustTransactionID(test, "txn-orphan")); err != nil {
		test.Fatalf("settle: %v", err)
	}
	if got := store.accounts["late-signup"]; got != DefaultSignupBonusCredits+100 {
		test.Fatalf("expected %d credits, got %d", DefaultSignupBonusCredits+100, got)
	}
}

func TestSettleUnknownTransaction(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)

	_, err := service.Settle(context.Background(), mustTransactionID(test, "txn-missing"))
	if !errors.Is(err, ErrTransactionNotFound) {
		test.Fatalf(errorMismatchMessage, ErrTransactionNotFound, err)
	}
}

func TestSettleReturnsStoreErrors(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name      string
		configure func(store *stubStore)
		wantErr   error
	}{
		{
			name:      "transaction lookup error",
			configure: func(store *stubStore) { store.getTransactionError = errStoreFailure },
			wantErr:   errStoreFailure,
		},
		{
			name:      "mark paid error",
			configure: func(store *stubStore) { store.markPaidError = errStoreFailure },
			wantErr:   errStoreFailure,
		},
		{
			name:      "credit error",
			configure: func(store *stubStore) { store.creditBalanceError = errStoreFailure },
			wantErr:   errStoreFailure,
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(test)
			store.accounts["buyer"] = 0
			seedPendingTransaction(test, store, "txn-err", "buyer", 100)
			testCase.configure(store)
			service := mustNewService(test, store)

			_, err := service.Settle(context.Background(), mustTransactionID(test, "txn-err"))
			if !errors.Is(err, testCase.wantErr) {
				test.Fatalf(errorMismatchMessage, testCase.wantErr, err)
			}
		})
	}
}

func TestListTransactionsReturnsUserHistory(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	seedPendingTransaction(test, store, "txn-a", "history-user", 100)
	seedPendingTransaction(test, store, "txn-b", "history-user", 500)
	seedPendingTransaction(test, store, "txn-c", "someone-else", 100)
	service := mustNewService(test, store)
	userID := mustUserID(test, "history-user")

	transactions, err := service.ListTransactions(context.Background(), userID, 10)
	if err != nil {
		test.Fatalf("list transactions: %v", err)
	}
	if len(transactions) != 2 {
		test.Fatalf("expected 2 transactions, got %d", len(transactions))
	}
	for _, transaction := range transactions {
		if transaction.UserID != "history-user" {
			test.Fatalf("unexpected owner %q", transaction.UserID)
		}
	}
}

type recordingLogger struct {
	entries []OperationLog
}

func (logger *recordingLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.entries = append(logger.entries, entry)
}

func TestOperationLoggerReceivesSettleOutcome(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.accounts["buyer"] = 0
	seedPendingTransaction(test, store, "txn-logged", "buyer", 100)
	logger := &recordingLogger{}
	service := mustNewService(test, store, WithOperationLogger(logger))

	if _, err := service.Settle(context.Background(), mustTransactionID(test, "txn-logged")); err != nil {
		test.Fatalf("settle: %v", err)
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected 1 log entry, got %d", len(logger.entries))
	}
	entry := logger.entries[0]
	if entry.Operation != "settle" {
		test.Fatalf("unexpected operation %q", entry.Operation)
	}
	if entry.Status != "ok" {
		test.Fatalf("unexpected status %q", entry.Status)
	}
	if entry.Credits != 100 {
		test.Fatalf("unexpected credits %d", entry.Credits)
	}
}
