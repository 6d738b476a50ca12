package metering

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation      string
	AccountID      AccountID
	SourceKey      SourceKey
	Amount         CreditAmount
	BalanceAfter   CreditAmount
	IdempotencyKey IdempotencyKey
	Replayed       bool
	Status         string
	Error          error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithLowBalanceWatcher wires a watcher observing post-debit balances.
func WithLowBalanceWatcher(watcher *LowBalanceWatcher) ServiceOption {
	return func(service *Service) {
		service.watcher = watcher
	}
}

// WithSignupBonus sets the credits granted at account provisioning.
func WithSignupBonus(bonus CreditAmount) ServiceOption {
	return func(service *Service) {
		service.signupBonus = bonus
	}
}

// WithTopupCatalog wires the priced credit packs redeemable via Topup.
func WithTopupCatalog(catalog *TopupCatalog) ServiceOption {
	return func(service *Service) {
		service.catalog = catalog
	}
}
