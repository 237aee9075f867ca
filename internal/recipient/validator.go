package recipient

import (
	"fmt"
	"regexp"
	"strings"
)

// emailPattern matches an ASCII local-part @ domain-with-TLD address with no
// embedded whitespace
var emailPattern = regexp.MustCompile(`^[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}$`)

// maxReportedAddresses bounds the number of addresses named in a batch-level
// validation message; invalid recipients beyond the cap still block the batch
const maxReportedAddresses = 5

// Validation is the result of validating a single recipient
type Validation struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// ValidEmail reports whether the address matches the accepted grammar
func ValidEmail(email string) bool {
	return emailPattern.MatchString(email)
}

// Validate checks a recipient against all rules. Every rule is evaluated so
// all violations are reported, in rule order.
func Validate(r Recipient) Validation {
	var errs []string

	if strings.TrimSpace(r.FirstName) == "" {
		errs = append(errs, "first name is required")
	}

	email := strings.TrimSpace(r.Email)
	switch {
	case email == "":
		errs = append(errs, "email is required")
	case !ValidEmail(email):
		errs = append(errs, fmt.Sprintf("invalid email address: %s", r.Email))
	}

	return Validation{Valid: len(errs) == 0, Errors: errs}
}

// SweepEmails checks every address in the batch and returns an error naming
// the invalid ones. The message is capped at five addresses for display; the
// returned error covers all invalid recipients regardless.
func SweepEmails(recipients []Recipient) error {
	var invalid []string
	extra := 0

	for _, r := range recipients {
		if ValidEmail(strings.TrimSpace(r.Email)) {
			continue
		}
		if len(invalid) < maxReportedAddresses {
			invalid = append(invalid, r.Email)
		} else {
			extra++
		}
	}

	if len(invalid) == 0 {
		return nil
	}

	msg := fmt.Sprintf("invalid email addresses: %s", strings.Join(invalid, ", "))
	if extra > 0 {
		msg += fmt.Sprintf(" and %d more", extra)
	}
	return fmt.Errorf("%s", msg)
}
