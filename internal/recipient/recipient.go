// Package recipient defines the per-batch recipient model and its validation.
package recipient

import (
	"github.com/google/uuid"
)

// Status represents the send status of a recipient within a batch
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusError   Status = "error"
)

// Source names where a recipient came from
const (
	SourceManual = "manual"
	SourceSheet  = "sheet"
	SourceTest   = "test"
)

// Recipient is a single batch recipient. Recipients are created per batch and
// discarded after dispatch; only their audit records persist.
type Recipient struct {
	ID           string            `json:"id"`
	FirstName    string            `json:"first_name"`
	LastName     string            `json:"last_name"`
	Email        string            `json:"email"`
	Tags         map[string]string `json:"tags,omitempty"`
	TrackingID   string            `json:"tracking_id"`
	Status       Status            `json:"status"`
	Source       string            `json:"source"`
	SourceDetail string            `json:"source_detail,omitempty"`
}

// New creates a recipient with freshly generated identifiers. The tracking id
// is generated independently of the id: it is the only identifier ever
// embedded in a delivered message and must not be derivable from the internal
// one.
func New(firstName, lastName, email string) Recipient {
	return Recipient{
		ID:         uuid.New().String(),
		FirstName:  firstName,
		LastName:   lastName,
		Email:      email,
		TrackingID: uuid.New().String(),
		Status:     StatusPending,
		Source:     SourceManual,
	}
}

// SubstitutionValues returns the template values derived from the recipient:
// firstName, lastName, email plus all tags
func (r *Recipient) SubstitutionValues() map[string]string {
	values := make(map[string]string, len(r.Tags)+3)
	for k, v := range r.Tags {
		values[k] = v
	}
	values["firstName"] = r.FirstName
	values["lastName"] = r.LastName
	values["email"] = r.Email
	return values
}
