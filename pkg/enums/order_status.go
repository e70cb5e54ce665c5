package enums

import "fmt"

// OrderStatus maps to the order_status enum in Postgres.
type OrderStatus string

const (
	OrderStatusCompleted     OrderStatus = "completed"
	OrderStatusRefunded      OrderStatus = "refunded"
	OrderStatusPartialRefund OrderStatus = "partial_refund"
	OrderStatusCancelled     OrderStatus = "cancelled"
	OrderStatusChargeback    OrderStatus = "chargeback"
)

var validOrderStatuses = []OrderStatus{
	OrderStatusCompleted,
	OrderStatusRefunded,
	OrderStatusPartialRefund,
	OrderStatusCancelled,
	OrderStatusChargeback,
}

// String implements fmt.Stringer.
func (s OrderStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is known.
func (s OrderStatus) IsValid() bool {
	for _, candidate := range validOrderStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseOrderStatus converts raw input into an OrderStatus.
func ParseOrderStatus(value string) (OrderStatus, error) {
	for _, candidate := range validOrderStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid order status %q", value)
}
