package metering

const (
	operationCharge    = "charge"
	operationGrant     = "grant"
	operationProvision = "provision"
	operationTopup     = "topup"
	operationReferral  = "referral"
	operationReconcile = "reconcile"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	sourceSubscription = "subscription"
	sourceTopup        = "topup"
	sourceReferral     = "referral"
	sourceSignup       = "signup"
	sourceRefund       = "refund"

	idempotencyKeyDelimiter = ":"

	periodLayout = "2006-01"

	secondsPerDay = 86400
)

// Well-known grant sources.
var (
	SourceSubscription = SourceKey{value: sourceSubscription}
	SourceTopup        = SourceKey{value: sourceTopup}
	SourceReferral     = SourceKey{value: sourceReferral}
	SourceSignup       = SourceKey{value: sourceSignup}
	SourceRefund       = SourceKey{value: sourceRefund}
)
