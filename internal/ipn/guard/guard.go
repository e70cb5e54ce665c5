package guard

import (
	"github.com/shopspring/decimal"

	"github.com/sellforgehq/sellforge-backend/pkg/db/models"
	"github.com/sellforgehq/sellforge-backend/pkg/enums"
)

// DefaultLowValueThreshold is the amount below which a live transaction is
// flagged is_test=1. Deliberately currency-unaware: 5 JPY trips it the same
// as 5 USD. A heuristic, not verified sandbox detection.
var DefaultLowValueThreshold = decimal.NewFromInt(5)

// ClassifyTest decides the test flag for a transaction. A provider sandbox
// flag wins outright; otherwise the low-value threshold applies.
func ClassifyTest(sandbox bool, amount decimal.Decimal, threshold decimal.Decimal) enums.TestFlag {
	if sandbox {
		return enums.TestFlagSandbox
	}
	if threshold.IsZero() {
		threshold = DefaultLowValueThreshold
	}
	if !amount.IsNegative() && amount.LessThan(threshold) {
		return enums.TestFlagLowValue
	}
	return enums.TestFlagLive
}

// IsRebill classifies a payment against its order's transaction history.
// Zero prior transactions, or exactly one created the same UTC calendar day
// as the order, means the first purchase is still completing; anything else
// is a rebill. The same-day window absorbs provider event ordering jitter.
func IsRebill(order *models.ProductOrder, txns []models.Transaction) bool {
	if order == nil {
		return false
	}
	switch len(txns) {
	case 0:
		return false
	case 1:
		orderDay := order.CreatedAt.UTC()
		txnDay := txns[0].CreatedAt.UTC()
		sameDay := orderDay.Year() == txnDay.Year() && orderDay.YearDay() == txnDay.YearDay()
		return !sameDay
	default:
		return true
	}
}

// PlanChangeType compares the old and new pricing to classify a billing plan
// switch. A higher new price is an upgrade; equal or lower is a downgrade.
func PlanChangeType(oldPrice, newPrice decimal.Decimal) enums.TransactionType {
	if newPrice.GreaterThan(oldPrice) {
		return enums.TransactionTypeUpgrade
	}
	return enums.TransactionTypeDowngrade
}
