package metering

import (
	"context"
	"math"
	"time"
)

// UsageBreakdown aggregates debit transactions over the trailing window,
// grouped by feature. Zero usage short-circuits to an empty breakdown; there
// is no division by zero. The result is derived from the log and never a
// source of truth for balance.
func (service *Service) UsageBreakdown(ctx context.Context, accountID AccountID, windowDays int) (UsageBreakdown, error) {
	now := service.nowFn()
	from := now - int64(windowDays)*secondsPerDay
	totals, err := service.store.DebitTotalsBySource(ctx, accountID, from, now)
	if err != nil {
		return UsageBreakdown{}, err
	}
	var total CreditAmount
	for _, sourceTotal := range totals {
		total += sourceTotal.CreditsSpent
	}
	if total == 0 {
		return UsageBreakdown{}, nil
	}
	perSource := make([]SourceTotal, 0, len(totals))
	for _, sourceTotal := range totals {
		sourceTotal.PercentageInt = roundedPercentage(sourceTotal.CreditsSpent, total)
		perSource = append(perSource, sourceTotal)
	}
	return UsageBreakdown{TotalUsed: total, PerSource: perSource}, nil
}

// MonthlyUsage reports credits spent this calendar month and last, in UTC.
func (service *Service) MonthlyUsage(ctx context.Context, accountID AccountID) (MonthlyUsage, error) {
	now := time.Unix(service.nowFn(), 0).UTC()
	thisMonthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	lastMonthStart := thisMonthStart.AddDate(0, -1, 0)

	thisMonth, err := service.store.DebitTotal(ctx, accountID, thisMonthStart.Unix(), now.Unix())
	if err != nil {
		return MonthlyUsage{}, err
	}
	lastMonth, err := service.store.DebitTotal(ctx, accountID, lastMonthStart.Unix(), thisMonthStart.Unix())
	if err != nil {
		return MonthlyUsage{}, err
	}
	return MonthlyUsage{ThisMonth: thisMonth, LastMonth: lastMonth}, nil
}

// MostUsedFeature returns the feature with the highest credit spend in the
// trailing window. Zero usage returns a zero-valued total.
func (service *Service) MostUsedFeature(ctx context.Context, accountID AccountID, windowDays int) (SourceTotal, error) {
	breakdown, err := service.UsageBreakdown(ctx, accountID, windowDays)
	if err != nil {
		return SourceTotal{}, err
	}
	var top SourceTotal
	for _, sourceTotal := range breakdown.PerSource {
		if sourceTotal.CreditsSpent > top.CreditsSpent {
			top = sourceTotal
		}
	}
	return top, nil
}

func roundedPercentage(part CreditAmount, total CreditAmount) int {
	return int(math.Round(float64(part.Int64()) / float64(total.Int64()) * 100))
}
