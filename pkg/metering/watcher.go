package metering

import "context"

// LowBalanceEvent describes one threshold crossing after a debit.
type LowBalanceEvent struct {
	AccountID AccountID
	Balance   CreditAmount
	Threshold CreditAmount
}

// LowBalanceNotifier delivers a low-balance event to an external
// collaborator (push, email, in-app banner).
type LowBalanceNotifier interface {
	NotifyLowBalance(ctx context.Context, event LowBalanceEvent) error
}

// WatcherOption configures a LowBalanceWatcher.
type WatcherOption func(*LowBalanceWatcher)

// WithWatcherErrorHandler receives notifier failures. They are never
// propagated to the charging caller.
func WithWatcherErrorHandler(handler func(event LowBalanceEvent, err error)) WatcherOption {
	return func(watcher *LowBalanceWatcher) {
		watcher.onError = handler
	}
}

// LowBalanceWatcher compares post-debit balances against fixed thresholds
// and emits crossing events. Dispatch is fire-and-forget relative to the
// debit: it runs after the ledger transaction commits, on its own goroutine,
// and holds no store locks.
type LowBalanceWatcher struct {
	notifier   LowBalanceNotifier
	thresholds []CreditAmount
	onError    func(event LowBalanceEvent, err error)
}

// NewLowBalanceWatcher wires a watcher. Thresholds are inclusive upper
// bounds: a balance crossing from above a threshold to at-or-below it fires.
func NewLowBalanceWatcher(notifier LowBalanceNotifier, thresholds []CreditAmount, options ...WatcherOption) (*LowBalanceWatcher, error) {
	if notifier == nil {
		return nil, WrapError("watcher", "notifier", "nil", ErrInvalidServiceConfig)
	}
	watcher := &LowBalanceWatcher{
		notifier:   notifier,
		thresholds: append([]CreditAmount(nil), thresholds...),
		onError:    func(LowBalanceEvent, error) {},
	}
	for _, option := range options {
		if option != nil {
			option(watcher)
		}
	}
	return watcher, nil
}

// Observe inspects one balance transition and dispatches at most one event
// per crossed threshold.
func (watcher *LowBalanceWatcher) Observe(accountID AccountID, before CreditAmount, after CreditAmount) {
	for _, threshold := range watcher.thresholds {
		if before > threshold && after <= threshold {
			event := LowBalanceEvent{AccountID: accountID, Balance: after, Threshold: threshold}
			go watcher.dispatch(event)
		}
	}
}

func (watcher *LowBalanceWatcher) dispatch(event LowBalanceEvent) {
	if err := watcher.notifier.NotifyLowBalance(context.Background(), event); err != nil {
		watcher.onError(event, err)
	}
}
