package enums

import "fmt"

// DeliveryMethod maps to the delivery_method enum in Postgres. It selects how
// a purchased pricing is fulfilled.
type DeliveryMethod string

const (
	DeliveryMethodMembership       DeliveryMethod = "membership"
	DeliveryMethodEmail            DeliveryMethod = "email"
	DeliveryMethodRedirect         DeliveryMethod = "redirect"
	DeliveryMethodDownload         DeliveryMethod = "download"
	DeliveryMethodPostNotification DeliveryMethod = "post_notification"
)

var validDeliveryMethods = []DeliveryMethod{
	DeliveryMethodMembership,
	DeliveryMethodEmail,
	DeliveryMethodRedirect,
	DeliveryMethodDownload,
	DeliveryMethodPostNotification,
}

// String implements fmt.Stringer.
func (m DeliveryMethod) String() string {
	return string(m)
}

// IsValid reports whether the value is known.
func (m DeliveryMethod) IsValid() bool {
	for _, candidate := range validDeliveryMethods {
		if candidate == m {
			return true
		}
	}
	return false
}

// ParseDeliveryMethod converts raw input into a DeliveryMethod.
func ParseDeliveryMethod(value string) (DeliveryMethod, error) {
	for _, candidate := range validDeliveryMethods {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid delivery method %q", value)
}
