package audit

import (
	"log/slog"
	"time"
)

// Correlator joins incoming open signals against the send log and
// records the result in the open log.
type Correlator struct {
	log    *Log
	now    func() time.Time
	logger *slog.Logger
}

// NewCorrelator creates a correlator over the given audit trail.
func NewCorrelator(log *Log, logger *slog.Logger) *Correlator {
	return &Correlator{
		log:    log,
		now:    time.Now,
		logger: logger.With("component", "correlator"),
	}
}

// RecordOpen records an open signal for the given tracking id. The
// first result reports whether the signal was recorded, the second
// whether it matched a prior send. Unmatched signals are still
// recorded, with the send-derived fields left empty, so recorded is
// true for every non-empty id. An empty id is ignored entirely.
func (c *Correlator) RecordOpen(trackingID string) (recorded, matched bool) {
	if trackingID == "" {
		return false, false
	}

	rec := OpenRecord{
		Timestamp:  c.now(),
		TrackingID: trackingID,
	}

	send, err := c.log.FindSendByTrackingID(trackingID)
	if err != nil {
		c.logger.Error("send log lookup failed", "tracking_id", trackingID, "error", err)
	}

	matched = send != nil
	if matched {
		rec.Email = send.Recipient
		rec.Subject = send.Subject
		rec.SentAt = send.Timestamp.Format(time.RFC3339)
	} else {
		c.logger.Warn("open signal did not match any send", "tracking_id", trackingID)
	}

	if err := c.log.AppendOpen(rec); err != nil {
		c.logger.Error("failed to record open", "tracking_id", trackingID, "error", err)
	}
	return true, matched
}
