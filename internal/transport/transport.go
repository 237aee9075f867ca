// Package transport abstracts the external mail transport the dispatcher
// hands messages to. Two implementations exist: an HTTP relay client and a
// direct SMTP smarthost submission.
package transport

import (
	"context"
)

// Message is a single outbound message
type Message struct {
	To          string
	Subject     string
	Text        string // plain-text part
	HTML        string // optional HTML part
	DisplayName string // sender display name
	CC          []string
	BCC         []string
}

// Transport sends messages and exposes the transport's remaining daily
// send allowance
type Transport interface {
	// Send delivers one message. It returns an error for this message only;
	// the caller decides whether to continue with other messages.
	Send(ctx context.Context, msg *Message) error

	// RemainingDailyQuota returns the number of messages that may still be
	// sent today. The value is authoritative and queried live.
	RemainingDailyQuota(ctx context.Context) (int, error)
}

// DeliveryError represents a delivery error with type information
type DeliveryError struct {
	Temporary bool
	Message   string
}

func (e *DeliveryError) Error() string {
	return e.Message
}
