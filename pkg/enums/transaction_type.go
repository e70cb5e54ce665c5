package enums

import "fmt"

// TransactionType maps to the transaction_type enum in Postgres.
type TransactionType string

const (
	TransactionTypePurchase      TransactionType = "purchase"
	TransactionTypeRebill        TransactionType = "rebill"
	TransactionTypeUpgrade       TransactionType = "upgrade"
	TransactionTypeDowngrade     TransactionType = "downgrade"
	TransactionTypeRefund        TransactionType = "refund"
	TransactionTypePartialRefund TransactionType = "partial_refund"
	TransactionTypeChargeback    TransactionType = "chargeback"
	TransactionTypeCancellation  TransactionType = "cancellation"
)

var validTransactionTypes = []TransactionType{
	TransactionTypePurchase,
	TransactionTypeRebill,
	TransactionTypeUpgrade,
	TransactionTypeDowngrade,
	TransactionTypeRefund,
	TransactionTypePartialRefund,
	TransactionTypeChargeback,
	TransactionTypeCancellation,
}

// String implements fmt.Stringer.
func (t TransactionType) String() string {
	return string(t)
}

// IsValid reports whether the value is known.
func (t TransactionType) IsValid() bool {
	for _, candidate := range validTransactionTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// IsPurchaseClass reports whether the type should trigger product delivery.
func (t TransactionType) IsPurchaseClass() bool {
	switch t {
	case TransactionTypePurchase, TransactionTypeRebill, TransactionTypeUpgrade, TransactionTypeDowngrade:
		return true
	}
	return false
}

// IsRevocation reports whether the type revokes previously granted access.
func (t TransactionType) IsRevocation() bool {
	switch t {
	case TransactionTypeRefund, TransactionTypeChargeback, TransactionTypeCancellation:
		return true
	}
	return false
}

// ParseTransactionType converts raw input into a TransactionType.
func ParseTransactionType(value string) (TransactionType, error) {
	for _, candidate := range validTransactionTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid transaction type %q", value)
}
