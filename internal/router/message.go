package router

import "time"

type RouteType string

const (
	RouteDirect    RouteType = "direct"
	RouteBroadcast RouteType = "broadcast"
)

// Broadcast is the destination name that addresses every agent.
const Broadcast = "*"

type MessageStatus string

const (
	MessagePending MessageStatus = "pending"
	MessageQueued  MessageStatus = "queued"
	MessageSent    MessageStatus = "sent"
	MessageFailed  MessageStatus = "failed"
)

// SendStatus is the outcome of one send attempt.
type SendStatus string

const (
	SendSent   SendStatus = "sent"
	SendQueued SendStatus = "queued"
	SendFailed SendStatus = "failed"
)

type ReceiptType string

const (
	ReceiptDelivery ReceiptType = "delivery"
	ReceiptFailure  ReceiptType = "failure"
	ReceiptUnknown  ReceiptType = "unknown"
)

// Message is one inter-agent communication. It is immutable once confirmed.
type Message struct {
	ID          string        `json:"id"`
	From        string        `json:"from"`
	To          string        `json:"to"`
	Content     string        `json:"content"`
	Priority    Priority      `json:"priority"`
	Route       string        `json:"route,omitempty"`
	RouteType   RouteType     `json:"route_type,omitempty"`
	Status      MessageStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	ConfirmedAt *time.Time    `json:"confirmed_at,omitempty"`
}

type SendResult struct {
	MessageID string
	Status    SendStatus
	Err       error
}

// Receipt acknowledges one send attempt.
type Receipt struct {
	MessageID  string      `json:"message_id"`
	Confirmed  bool        `json:"confirmed"`
	Type       ReceiptType `json:"receipt_type"`
	RetryCount int         `json:"retry_count"`
	CanRetry   bool        `json:"can_retry"`
}

// ReceiptFor maps a send outcome to its receipt. Anything other than sent,
// queued or failed is unconfirmed with type unknown.
func ReceiptFor(m Message, res SendResult) Receipt {
	switch res.Status {
	case SendSent, SendQueued:
		return Receipt{MessageID: m.ID, Confirmed: true, Type: ReceiptDelivery}
	case SendFailed:
		return Receipt{MessageID: m.ID, Confirmed: false, Type: ReceiptFailure, CanRetry: true, RetryCount: 0}
	default:
		return Receipt{MessageID: m.ID, Confirmed: false, Type: ReceiptUnknown}
	}
}
