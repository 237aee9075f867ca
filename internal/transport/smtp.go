package transport

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
)

// SMTP is a transport that submits messages to an authenticated smarthost.
// The smarthost has no queryable counter, so the remaining daily quota is
// computed from a locally persisted day counter against the configured cap.
type SMTP struct {
	addr      string
	username  string
	password  string
	from      string
	hostname  string
	counter   *DayCounter
	maxPerDay func(ctx context.Context) (int, error)
	logger    *slog.Logger

	// sendMail is the submission function, replaceable in tests
	sendMail func(addr string, a sasl.Client, from string, to []string, data []byte) error
}

// SMTPOptions configures the smarthost transport
type SMTPOptions struct {
	Addr     string
	Username string
	Password string
	From     string
	Hostname string // used in Message-ID generation
}

// NewSMTP creates a smarthost transport. maxPerDay supplies the configured
// daily cap (read live so a settings change takes effect immediately).
func NewSMTP(opts SMTPOptions, counter *DayCounter, maxPerDay func(ctx context.Context) (int, error), logger *slog.Logger) *SMTP {
	hostname := opts.Hostname
	if hostname == "" {
		hostname = "localhost"
	}
	return &SMTP{
		addr:      opts.Addr,
		username:  opts.Username,
		password:  opts.Password,
		from:      opts.From,
		hostname:  hostname,
		counter:   counter,
		maxPerDay: maxPerDay,
		logger:    logger,
		sendMail: func(addr string, a sasl.Client, from string, to []string, data []byte) error {
			return smtp.SendMail(addr, a, from, to, bytes.NewReader(data))
		},
	}
}

// Send submits one message to the smarthost
func (t *SMTP) Send(ctx context.Context, msg *Message) error {
	rcpts := append([]string{msg.To}, msg.CC...)
	rcpts = append(rcpts, msg.BCC...)

	data := t.buildMessage(msg)

	var auth sasl.Client
	if t.username != "" {
		auth = sasl.NewPlainClient("", t.username, t.password)
	}

	if err := t.sendMail(t.addr, auth, t.from, rcpts, data); err != nil {
		return classifyError(err)
	}

	if err := t.counter.Increment(); err != nil {
		t.logger.Error("failed to persist send counter", "error", err)
	}
	return nil
}

// RemainingDailyQuota returns the configured cap minus today's sent count
func (t *SMTP) RemainingDailyQuota(ctx context.Context) (int, error) {
	max, err := t.maxPerDay(ctx)
	if err != nil {
		return 0, fmt.Errorf("daily cap unavailable: %w", err)
	}

	remaining := max - t.counter.Today()
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// buildMessage constructs RFC 5322 message data
func (t *SMTP) buildMessage(msg *Message) []byte {
	var buf bytes.Buffer

	buf.WriteString(fmt.Sprintf("From: %s\r\n", formatFrom(t.from, msg.DisplayName)))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", msg.To))
	if len(msg.CC) > 0 {
		buf.WriteString(fmt.Sprintf("Cc: %s\r\n", strings.Join(msg.CC, ", ")))
	}
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", msg.Subject))
	buf.WriteString(fmt.Sprintf("Date: %s\r\n", time.Now().Format(time.RFC1123Z)))
	buf.WriteString(fmt.Sprintf("Message-ID: <%s@%s>\r\n", uuid.New().String(), t.hostname))

	if msg.HTML != "" {
		boundary := uuid.New().String()
		buf.WriteString("MIME-Version: 1.0\r\n")
		buf.WriteString(fmt.Sprintf("Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary))
		buf.WriteString("\r\n")

		if msg.Text != "" {
			buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
			buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
			buf.WriteString("\r\n")
			buf.WriteString(msg.Text)
			buf.WriteString("\r\n")
		}

		buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
		buf.WriteString("Content-Type: text/html; charset=utf-8\r\n")
		buf.WriteString("\r\n")
		buf.WriteString(msg.HTML)
		buf.WriteString("\r\n")

		buf.WriteString(fmt.Sprintf("--%s--\r\n", boundary))
	} else {
		buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
		buf.WriteString("\r\n")
		buf.WriteString(msg.Text)
	}

	return buf.Bytes()
}

// classifyError converts a submission error into a DeliveryError, marking
// 4xx SMTP replies as temporary
func classifyError(err error) error {
	if smtpErr, ok := err.(*smtp.SMTPError); ok {
		return &DeliveryError{
			Temporary: smtpErr.Code >= 400 && smtpErr.Code < 500,
			Message:   smtpErr.Error(),
		}
	}
	return &DeliveryError{Temporary: true, Message: err.Error()}
}
