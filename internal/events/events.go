package events

import "context"

// Streams
const (
	StreamTransaction = "events:transaction"
	StreamAdmin       = "events:admin"
)

// Event types
const (
	EventTransactionCompleted = "transaction_completed"
	EventTransactionFailed    = "transaction_failed"
	EventKPLCTokenReceived    = "kplc_token_received"
	EventKPLCTokenTimeout     = "kplc_token_timeout"
	EventSMSNotification      = "sms_notification"
)

type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, stream string, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, stream string, handler func(Event)) error
}
