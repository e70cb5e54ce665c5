package enums

import "fmt"

// NotificationType maps to the notification_type enum in Postgres.
type NotificationType string

const (
	NotificationTypeTestTransaction NotificationType = "test_transaction"
	NotificationTypeMissingPricing  NotificationType = "missing_pricing"
	NotificationTypeStockAlert      NotificationType = "stock_alert"
	NotificationTypeSale            NotificationType = "sale"
	NotificationTypeAbuseRefusal    NotificationType = "abuse_refusal"
	NotificationTypeMembersOnly     NotificationType = "members_only_refusal"
	NotificationTypeSetupFailed     NotificationType = "setup_failed"
)

var validNotificationTypes = []NotificationType{
	NotificationTypeTestTransaction,
	NotificationTypeMissingPricing,
	NotificationTypeStockAlert,
	NotificationTypeSale,
	NotificationTypeAbuseRefusal,
	NotificationTypeMembersOnly,
	NotificationTypeSetupFailed,
}

// IsValid checks whether the given type matches the canonical enum.
func (n NotificationType) IsValid() bool {
	for _, candidate := range validNotificationTypes {
		if candidate == n {
			return true
		}
	}
	return false
}

// ParseNotificationType converts raw strings into NotificationType.
func ParseNotificationType(value string) (NotificationType, error) {
	for _, candidate := range validNotificationTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid notification type %q", value)
}
