package billing

import "context"

// WithSpend gates a metered operation on available balance and charges it on
// success. The debit is a single conditional decrement performed before the
// operation runs; two concurrent requests cannot both observe a sufficient
// balance. If the operation fails the debit is compensated with a refund, so
// a failed generation never burns credits.
func (service *Service) WithSpend(ctx context.Context, userID UserID, kind OperationKind, operation func(ctx context.Context) error) error {
	cost, err := OperationCost(kind)
	if err != nil {
		return err
	}
	debitError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.GetOrCreateAccount(ctx, userID.String(), service.signupBonus); err != nil {
			return err
		}
		return transactionStore.DebitBalance(ctx, userID.String(), cost.Int64())
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationSpend,
		UserID:    userID,
		Credits:   cost.Int64(),
		Error:     debitError,
	})
	if debitError != nil {
		return debitError
	}

	operationError := operation(ctx)
	if operationError == nil {
		return nil
	}

	// The refund must land even when the caller has disconnected and ctx is
	// already canceled; the charge follows the server-observed outcome.
	refundCtx := context.WithoutCancel(ctx)
	refundError := service.store.CreditBalance(refundCtx, userID.String(), cost.Int64())
	service.logOperation(refundCtx, OperationLog{
		Operation: operationRefund,
		UserID:    userID,
		Credits:   cost.Int64(),
		Error:     refundError,
	})
	return operationError
}
