// Package telemetry renders domain operation logs as structured zap output
// and prometheus counters.
package telemetry

import (
	"context"
	"errors"
	"strconv"

	"github.com/MarkoPoloResearchLab/metering/pkg/metering"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// ZapOperationLogger writes one structured log line per ledger operation.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger wires a zap-backed operation logger.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	return &ZapOperationLogger{logger: logger}
}

// LogOperation implements metering.OperationLogger.
func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry metering.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("account_id", entry.AccountID.String()),
		zap.String("source_key", entry.SourceKey.String()),
		zap.Int64("amount", entry.Amount.Int64()),
		zap.Int64("balance_after", entry.BalanceAfter.Int64()),
		zap.String("status", entry.Status),
		zap.Bool("replayed", entry.Replayed),
	}
	if !entry.IdempotencyKey.IsZero() {
		fields = append(fields, zap.String("idempotency_key", entry.IdempotencyKey.String()))
	}
	if entry.Error != nil {
		operationLogger.logger.Warn("ledger operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}

// Metrics counts ledger operations and low-balance events.
type Metrics struct {
	operations   *prometheus.CounterVec
	insufficient prometheus.Counter
	lowBalance   *prometheus.CounterVec
}

// NewMetrics registers the metering counters on the given registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	metrics := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "metering",
			Name:      "operations_total",
			Help:      "Ledger operations by operation and status.",
		}, []string{"operation", "status"}),
		insufficient: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "metering",
			Name:      "insufficient_credits_total",
			Help:      "Charges rejected for insufficient credits.",
		}),
		lowBalance: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "metering",
			Name:      "low_balance_events_total",
			Help:      "Low-balance threshold crossings by threshold.",
		}, []string{"threshold"}),
	}
	registerer.MustRegister(metrics.operations, metrics.insufficient, metrics.lowBalance)
	return metrics
}

// LogOperation implements metering.OperationLogger.
func (metrics *Metrics) LogOperation(_ context.Context, entry metering.OperationLog) {
	metrics.operations.WithLabelValues(entry.Operation, entry.Status).Inc()
	if entry.Error != nil && isInsufficient(entry.Error) {
		metrics.insufficient.Inc()
	}
}

// ObserveLowBalance counts one threshold crossing.
func (metrics *Metrics) ObserveLowBalance(event metering.LowBalanceEvent) {
	metrics.lowBalance.WithLabelValues(thresholdLabel(event.Threshold)).Inc()
}

func isInsufficient(err error) bool {
	return errors.Is(err, metering.ErrInsufficientCredits)
}

func thresholdLabel(threshold metering.CreditAmount) string {
	return strconv.FormatInt(threshold.Int64(), 10)
}

// MultiOperationLogger fans one operation log out to several sinks.
type MultiOperationLogger []metering.OperationLogger

// LogOperation implements metering.OperationLogger.
func (loggers MultiOperationLogger) LogOperation(ctx context.Context, entry metering.OperationLog) {
	for _, logger := range loggers {
		if logger != nil {
			logger.LogOperation(ctx, entry)
		}
	}
}
