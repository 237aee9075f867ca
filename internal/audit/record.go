package audit

import "time"

// Kind identifies one of the audit logs.
type Kind string

const (
	KindSend  Kind = "send"
	KindError Kind = "error"
	KindOpen  Kind = "open"
)

// Valid reports whether k names a known audit log.
func (k Kind) Valid() bool {
	switch k {
	case KindSend, KindError, KindOpen:
		return true
	}
	return false
}

// SendRecord is one row of the send log. Type distinguishes batch sends
// from test sends; Status is "sent" or "error".
type SendRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	Type        string    `json:"type"`
	Recipient   string    `json:"recipient"`
	Subject     string    `json:"subject"`
	Status      string    `json:"status"`
	TrackingID  string    `json:"trackingId"`
	ErrorDetail string    `json:"errorDetail,omitempty"`
}

// ErrorRecord is one row of the error log.
type ErrorRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
	Message   string    `json:"message"`
	Detail    string    `json:"detail"`
}

// OpenRecord is one row of the open log. Email, Subject and SentAt are
// empty when the open signal did not match any send row.
type OpenRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	TrackingID string    `json:"trackingId"`
	Email      string    `json:"email"`
	Subject    string    `json:"subject"`
	SentAt     string    `json:"sentAt"`
}
