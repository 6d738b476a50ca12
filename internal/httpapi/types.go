package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"strconv"

	"github.com/MarkoPoloResearchLab/metering/pkg/metering"
	"github.com/gin-gonic/gin"
)

type chargeRequest struct {
	AccountID  string `json:"account_id"`
	FeatureKey string `json:"feature_key"`
}

type grantRequest struct {
	AccountID      string `json:"account_id"`
	Amount         int64  `json:"amount"`
	SourceKey      string `json:"source_key"`
	IdempotencyKey string `json:"idempotency_key"`
	MetadataJSON   string `json:"metadata_json"`
}

type provisionRequest struct {
	AccountID string `json:"account_id"`
}

type reconcileRequest struct {
	NowUnixUTC int64 `json:"now_unix_utc"`
}

type paymentWebhookRequest struct {
	EventID    string `json:"event_id"`
	AccountID  string `json:"account_id"`
	ProductKey string `json:"product_key"`
}

type referralWebhookRequest struct {
	ReferralID string `json:"referral_id"`
}

type transactionPayload struct {
	TransactionID  string          `json:"transaction_id"`
	AccountID      string          `json:"account_id"`
	Kind           string          `json:"kind"`
	SourceKey      string          `json:"source_key"`
	DeltaCredits   int64           `json:"delta_credits"`
	BalanceAfter   int64           `json:"balance_after"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

type usageEntryPayload struct {
	Feature    string `json:"feature"`
	Credits    int64  `json:"credits"`
	Percentage int    `json:"percentage"`
}

type topupProductPayload struct {
	Key        string `json:"key"`
	Credits    int64  `json:"credits"`
	PriceCents int64  `json:"price_cents"`
}

func transactionPayloadFrom(transaction metering.Transaction) transactionPayload {
	return transactionPayload{
		TransactionID:  transaction.TransactionID,
		AccountID:      transaction.AccountID.String(),
		Kind:           string(transaction.Kind),
		SourceKey:      transaction.SourceKey.String(),
		DeltaCredits:   transaction.DeltaCredits,
		BalanceAfter:   transaction.BalanceAfter.Int64(),
		IdempotencyKey: transaction.IdempotencyKey.String(),
		Metadata:       json.RawMessage(transaction.MetadataJSON.String()),
		CreatedUnixUTC: transaction.CreatedUnixUTC,
	}
}

func transactionPayloads(transactions []metering.Transaction) []transactionPayload {
	payloads := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payloads = append(payloads, transactionPayloadFrom(transaction))
	}
	return payloads
}

func boundedIntQuery(ctx *gin.Context, name string, fallback int, max int) int {
	raw := ctx.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	if value > max {
		return max
	}
	return value
}

func isEmptyBody(err error) bool {
	return errors.Is(err, io.EOF)
}
