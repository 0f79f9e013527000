package models

import "time"

// NotificationStatus is the backend's processing state of a notification.
// The set is open-ended; clients must tolerate values they do not know.
type NotificationStatus string

const (
	NotificationQueued     NotificationStatus = "queued"
	NotificationProcessing NotificationStatus = "processing"
	NotificationSent       NotificationStatus = "sent"
	NotificationDelivered  NotificationStatus = "delivered"
	NotificationFailed     NotificationStatus = "failed"
	NotificationPartial    NotificationStatus = "partial"
)

// Known reports whether s is one of the statuses listed above.
func (s NotificationStatus) Known() bool {
	switch s {
	case NotificationQueued, NotificationProcessing, NotificationSent,
		NotificationDelivered, NotificationFailed, NotificationPartial:
		return true
	}
	return false
}

// Label returns a display label, falling back to "unknown" for values this
// client does not recognize.
func (s NotificationStatus) Label() string {
	switch s {
	case NotificationQueued:
		return "Queued"
	case NotificationProcessing:
		return "Processing"
	case NotificationSent:
		return "Sent"
	case NotificationDelivered:
		return "Delivered"
	case NotificationFailed:
		return "Failed"
	case NotificationPartial:
		return "Partially delivered"
	default:
		return "Unknown"
	}
}

// PushNotification is a notification sent to the user's devices.
type PushNotification struct {
	ID        string             `json:"id"`
	UserID    string             `json:"user_id"`
	Title     *string            `json:"title,omitempty"`
	Body      string             `json:"body"`
	Badge     *int               `json:"badge,omitempty"`
	Sound     string             `json:"sound"`
	Priority  string             `json:"priority"`
	Tags      []string           `json:"tags,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	Status    NotificationStatus `json:"status"`
}

// DisplayTitle returns the title, or the body when no title was set.
func (n *PushNotification) DisplayTitle() string {
	if n.Title != nil && *n.Title != "" {
		return *n.Title
	}
	return n.Body
}

// NotificationDelivery is the per-token delivery attempt record.
type NotificationDelivery struct {
	ID               string     `json:"id"`
	NotificationID   string     `json:"notification_id"`
	DeviceTokenID    string     `json:"device_token_id"`
	DeliveryStatus   string     `json:"delivery_status"`
	AttemptCount     int        `json:"attempt_count"`
	APNsResponseCode *int       `json:"apns_response_code,omitempty"`
	APNsErrorReason  *string    `json:"apns_error_reason,omitempty"`
	DeliveredAt      *time.Time `json:"delivered_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// NotificationDetail is a notification together with its delivery attempts.
type NotificationDetail struct {
	Notification PushNotification       `json:"notification"`
	Deliveries   []NotificationDelivery `json:"deliveries"`
}
