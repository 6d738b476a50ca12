// Package notify delivers low-balance events to external collaborators.
// Delivery failures are logged and never reach the charging caller.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/metering/pkg/metering"
	"go.uber.org/zap"
)

const defaultDeliveryTimeout = 5 * time.Second

// LogNotifier records low-balance events as structured log lines. It serves
// deployments without a push/email collaborator configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier wires a zap-backed notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// NotifyLowBalance implements metering.LowBalanceNotifier.
func (notifier *LogNotifier) NotifyLowBalance(_ context.Context, event metering.LowBalanceEvent) error {
	notifier.logger.Info("low balance",
		zap.String("account_id", event.AccountID.String()),
		zap.Int64("balance", event.Balance.Int64()),
		zap.Int64("threshold", event.Threshold.Int64()),
	)
	return nil
}

// HTTPNotifier posts low-balance events to an external notification
// collaborator endpoint.
type HTTPNotifier struct {
	endpoint string
	client   *http.Client
}

// NewHTTPNotifier wires a notifier posting to the given endpoint.
func NewHTTPNotifier(endpoint string, timeout time.Duration) *HTTPNotifier {
	if timeout <= 0 {
		timeout = defaultDeliveryTimeout
	}
	return &HTTPNotifier{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type lowBalancePayload struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
	Threshold int64  `json:"threshold"`
}

// NotifyLowBalance implements metering.LowBalanceNotifier.
func (notifier *HTTPNotifier) NotifyLowBalance(ctx context.Context, event metering.LowBalanceEvent) error {
	payload, err := json.Marshal(lowBalancePayload{
		AccountID: event.AccountID.String(),
		Balance:   event.Balance.Int64(),
		Threshold: event.Threshold.Int64(),
	})
	if err != nil {
		return fmt.Errorf("encode low balance event: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, notifier.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build low balance request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	response, err := notifier.client.Do(request)
	if err != nil {
		return fmt.Errorf("deliver low balance event: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("deliver low balance event: collaborator returned %d", response.StatusCode)
	}
	return nil
}
