// Package dispatch sends batches of templated messages through a transport:
// validation, rendering, throttling, audit and per-recipient fault isolation
// all live here.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/krezk/herald/internal/audit"
	"github.com/krezk/herald/internal/metrics"
	"github.com/krezk/herald/internal/quota"
	"github.com/krezk/herald/internal/recipient"
	"github.com/krezk/herald/internal/render"
	"github.com/krezk/herald/internal/settings"
	"github.com/krezk/herald/internal/transport"
)

// Send types recorded in the audit trail.
const (
	TypeBatch = "batch"
	TypeTest  = "test"
)

// maxReportedErrors bounds the per-recipient error list in a batch result.
const maxReportedErrors = 5

// StatusWriter receives per-recipient send outcomes for recipients that
// came from a sheet. Implementations are best effort.
type StatusWriter interface {
	UpdateStatus(sheet, email string, status recipient.Status) bool
}

// BatchRequest describes one batch to dispatch. Subject and Body may
// contain {{token}} placeholders.
type BatchRequest struct {
	Subject      string
	Body         string
	Recipients   []recipient.Recipient
	CC           []string
	BCC          []string
	AddTracking  bool
	DelaySeconds *int // nil means use the configured default
}

// TestOptions carries the optional knobs of a test send.
type TestOptions struct {
	CC          []string
	BCC         []string
	AddTracking bool
}

// SendError names one recipient whose delivery failed.
type SendError struct {
	Email   string `json:"email"`
	Message string `json:"message"`
}

// BatchResult summarizes a dispatched batch. Errors lists at most five
// failures; ErrorCount covers all of them.
type BatchResult struct {
	Total        int         `json:"total"`
	SuccessCount int         `json:"successCount"`
	ErrorCount   int         `json:"errorCount"`
	Errors       []SendError `json:"errors,omitempty"`
}

// Dispatcher runs batches through the transport one recipient at a time.
type Dispatcher struct {
	transport transport.Transport
	renderer  *render.Renderer
	settings  *settings.Store
	quota     *quota.Tracker
	audit     *audit.Log
	sheets    StatusWriter
	logger    *slog.Logger

	sleep func(time.Duration)
	now   func() time.Time
}

// New creates a dispatcher. sheets may be nil when no sheet writeback is
// wanted.
func New(t transport.Transport, r *render.Renderer, s *settings.Store, q *quota.Tracker, a *audit.Log, sheets StatusWriter, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		transport: t,
		renderer:  r,
		settings:  s,
		quota:     q,
		audit:     a,
		sheets:    sheets,
		logger:    logger.With("component", "dispatch"),
		sleep:     time.Sleep,
		now:       time.Now,
	}
}

// SendBatch dispatches one batch. It returns an error only when the batch
// as a whole is rejected before any send; individual delivery failures are
// reported in the result and never abort the remaining recipients.
func (d *Dispatcher) SendBatch(ctx context.Context, req *BatchRequest) (*BatchResult, error) {
	if strings.TrimSpace(req.Subject) == "" {
		return nil, errors.New("subject is required")
	}
	if strings.TrimSpace(req.Body) == "" {
		return nil, errors.New("body is required")
	}
	if len(req.Recipients) == 0 {
		return nil, errors.New("at least one recipient is required")
	}

	snap := d.quota.Snapshot(ctx)
	if len(req.Recipients) > snap.Remaining {
		return nil, fmt.Errorf("batch of %d exceeds remaining daily quota of %d", len(req.Recipients), snap.Remaining)
	}

	if err := recipient.SweepEmails(req.Recipients); err != nil {
		return nil, err
	}

	st, err := d.settings.Get()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	delay := d.delayFor(req, st)
	d.logger.Info("dispatching batch",
		"recipients", len(req.Recipients),
		"delay", delay,
		"tracking", req.AddTracking)

	result := &BatchResult{Total: len(req.Recipients)}
	for i := range req.Recipients {
		r := &req.Recipients[i]

		if err := d.send(ctx, TypeBatch, r, req, st); err != nil {
			result.ErrorCount++
			if len(result.Errors) < maxReportedErrors {
				result.Errors = append(result.Errors, SendError{Email: r.Email, Message: err.Error()})
			}
		} else {
			result.SuccessCount++
		}

		if i < len(req.Recipients)-1 {
			d.sleep(delay)
		}
	}

	metrics.ObserveBatch(result.Total, result.SuccessCount, result.ErrorCount)
	d.logger.Info("batch finished",
		"total", result.Total,
		"sent", result.SuccessCount,
		"failed", result.ErrorCount)
	return result, nil
}

// SendTest dispatches a single message through the normal pipeline to a
// synthetic recipient. Nothing beyond the address is validated.
func (d *Dispatcher) SendTest(ctx context.Context, email, subject, body string, opts TestOptions) error {
	if !recipient.ValidEmail(strings.TrimSpace(email)) {
		return fmt.Errorf("invalid email address: %s", email)
	}
	if strings.TrimSpace(subject) == "" {
		return errors.New("subject is required")
	}
	if strings.TrimSpace(body) == "" {
		return errors.New("body is required")
	}

	st, err := d.settings.Get()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	r := recipient.New("Test", "", email)
	r.Source = recipient.SourceTest

	req := &BatchRequest{
		Subject:     subject,
		Body:        body,
		CC:          opts.CC,
		BCC:         opts.BCC,
		AddTracking: opts.AddTracking,
	}
	return d.send(ctx, TypeTest, &r, req, st)
}

// send renders and delivers one message, then records the outcome. The
// returned error covers this recipient only.
func (d *Dispatcher) send(ctx context.Context, sendType string, r *recipient.Recipient, req *BatchRequest, st *settings.Settings) error {
	values := r.SubstitutionValues()
	subject := d.renderer.Render(req.Subject, values)
	body := d.renderer.Render(req.Body, values)

	msg := &transport.Message{
		To:          r.Email,
		Subject:     subject,
		Text:        body,
		DisplayName: st.SenderName,
		CC:          req.CC,
		BCC:         req.BCC,
	}
	if req.AddTracking && st.TrackingEndpoint != "" {
		msg.HTML = trackingHTML(body, st.TrackingEndpoint, r.TrackingID)
	}

	sendErr := d.transport.Send(ctx, msg)
	now := d.now()

	if sendErr != nil {
		r.Status = recipient.StatusError
		metrics.IncMessageFailed(sendType, errorType(sendErr))
		d.logger.Warn("delivery failed", "to", r.Email, "error", sendErr)

		d.appendError(audit.ErrorRecord{
			Timestamp: now,
			Operation: sendType + "_send",
			Message:   fmt.Sprintf("delivery to %s failed", r.Email),
			Detail:    sendErr.Error(),
		})
		d.appendSend(audit.SendRecord{
			Timestamp:   now,
			Type:        sendType,
			Recipient:   r.Email,
			Subject:     subject,
			Status:      string(recipient.StatusError),
			TrackingID:  r.TrackingID,
			ErrorDetail: sendErr.Error(),
		})
	} else {
		r.Status = recipient.StatusSent
		metrics.IncMessageSent(sendType)

		d.appendSend(audit.SendRecord{
			Timestamp:  now,
			Type:       sendType,
			Recipient:  r.Email,
			Subject:    subject,
			Status:     string(recipient.StatusSent),
			TrackingID: r.TrackingID,
		})
	}

	d.writeback(r)
	return sendErr
}

// writeback pushes the recipient's status to its source sheet, if any.
func (d *Dispatcher) writeback(r *recipient.Recipient) {
	if d.sheets == nil || r.Source != recipient.SourceSheet || r.SourceDetail == "" {
		return
	}
	if !d.sheets.UpdateStatus(r.SourceDetail, r.Email, r.Status) {
		d.logger.Warn("sheet status writeback skipped",
			"sheet", r.SourceDetail,
			"email", r.Email)
	}
}

// appendSend writes to the send log; a failed write must not fail the send.
func (d *Dispatcher) appendSend(rec audit.SendRecord) {
	if err := d.audit.AppendSend(rec); err != nil {
		d.logger.Error("failed to record send", "to", rec.Recipient, "error", err)
	}
}

func (d *Dispatcher) appendError(rec audit.ErrorRecord) {
	if err := d.audit.AppendError(rec); err != nil {
		d.logger.Error("failed to record error", "operation", rec.Operation, "error", err)
	}
}

// delayFor resolves the inter-send pause: request override first, then the
// configured default.
func (d *Dispatcher) delayFor(req *BatchRequest, st *settings.Settings) time.Duration {
	seconds := st.EmailDelaySeconds
	if req.DelaySeconds != nil && *req.DelaySeconds >= 0 {
		seconds = *req.DelaySeconds
	}
	if seconds < 0 {
		seconds = 0
	}
	return time.Duration(seconds) * time.Second
}

// trackingHTML builds the HTML part: the rendered body with a 1x1 pixel
// pointing at the open endpoint, keyed by the recipient's tracking id.
func trackingHTML(body, endpoint, trackingID string) string {
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	pixel := fmt.Sprintf(`<img src="%s%sid=%s" width="1" height="1" alt="">`,
		endpoint, sep, url.QueryEscape(trackingID))

	escaped := strings.ReplaceAll(html.EscapeString(body), "\n", "<br>\n")
	return "<html><body>" + escaped + pixel + "</body></html>"
}

// errorType classifies a delivery error for metrics.
func errorType(err error) string {
	var de *transport.DeliveryError
	if errors.As(err, &de) && de.Temporary {
		return "temporary"
	}
	return "permanent"
}
