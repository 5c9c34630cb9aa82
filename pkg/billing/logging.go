package billing

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing billing operation.
type OperationLog struct {
	Operation     string
	UserID        UserID
	TransactionID *TransactionID
	Credits       int64
	Status        string
	Error         error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithSignupBonus overrides the credits seeded into a freshly created account.
func WithSignupBonus(credits int64) ServiceOption {
	return func(service *Service) {
		service.signupBonus = credits
	}
}
