package audit

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var headers = map[Kind][]string{
	KindSend:  {"Timestamp", "Type", "Recipient", "Subject", "Status", "TrackingID"},
	KindError: {"Timestamp", "Operation", "Message", "Detail"},
	KindOpen:  {"Timestamp", "TrackingID", "Email", "Subject", "OriginalSendTimestamp"},
}

// Log is an append-only audit trail kept as one tabular file per kind.
// Rows are only ever appended; Prune is the single operation that
// removes them.
type Log struct {
	dir    string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewLog opens the audit trail rooted at dir, creating it if needed.
func NewLog(dir string, logger *slog.Logger) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	return &Log{
		dir:    dir,
		logger: logger.With("component", "audit"),
	}, nil
}

func (l *Log) path(kind Kind) string {
	return filepath.Join(l.dir, string(kind)+".csv")
}

// AppendSend records one delivery attempt.
func (l *Log) AppendSend(rec SendRecord) error {
	return l.append(KindSend, []string{
		rec.Timestamp.Format(time.RFC3339),
		rec.Type,
		rec.Recipient,
		rec.Subject,
		rec.Status,
		rec.TrackingID,
	})
}

// AppendError records one operational failure.
func (l *Log) AppendError(rec ErrorRecord) error {
	return l.append(KindError, []string{
		rec.Timestamp.Format(time.RFC3339),
		rec.Operation,
		rec.Message,
		rec.Detail,
	})
}

// AppendOpen records one open signal.
func (l *Log) AppendOpen(rec OpenRecord) error {
	return l.append(KindOpen, []string{
		rec.Timestamp.Format(time.RFC3339),
		rec.TrackingID,
		rec.Email,
		rec.Subject,
		rec.SentAt,
	})
}

func (l *Log) append(kind Kind, row []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path(kind), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s log: %w", kind, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s log: %w", kind, err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(headers[kind]); err != nil {
			return fmt.Errorf("write %s header: %w", kind, err)
		}
	}
	if err := w.Write(row); err != nil {
		return fmt.Errorf("write %s row: %w", kind, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush %s log: %w", kind, err)
	}
	return nil
}

// rows returns the data rows of a log, oldest first, without the header.
func (l *Log) rows(kind Kind) ([][]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path(kind))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s log: %w", kind, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s log: %w", kind, err)
	}
	if len(records) <= 1 {
		return nil, nil
	}
	return records[1:], nil
}

// Sends returns up to limit send rows, most recent first. A limit of 0
// returns all rows.
func (l *Log) Sends(limit int) ([]SendRecord, error) {
	rows, err := l.rows(KindSend)
	if err != nil {
		return nil, err
	}

	out := make([]SendRecord, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		if len(row) < 6 {
			continue
		}
		out = append(out, SendRecord{
			Timestamp:  parseTime(row[0]),
			Type:       row[1],
			Recipient:  row[2],
			Subject:    row[3],
			Status:     row[4],
			TrackingID: row[5],
		})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Errors returns up to limit error rows, most recent first.
func (l *Log) Errors(limit int) ([]ErrorRecord, error) {
	rows, err := l.rows(KindError)
	if err != nil {
		return nil, err
	}

	out := make([]ErrorRecord, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		if len(row) < 4 {
			continue
		}
		out = append(out, ErrorRecord{
			Timestamp: parseTime(row[0]),
			Operation: row[1],
			Message:   row[2],
			Detail:    row[3],
		})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Opens returns up to limit open rows, most recent first.
func (l *Log) Opens(limit int) ([]OpenRecord, error) {
	rows, err := l.rows(KindOpen)
	if err != nil {
		return nil, err
	}

	out := make([]OpenRecord, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		if len(row) < 5 {
			continue
		}
		out = append(out, OpenRecord{
			Timestamp:  parseTime(row[0]),
			TrackingID: row[1],
			Email:      row[2],
			Subject:    row[3],
			SentAt:     row[4],
		})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// FindSendByTrackingID returns the newest send row carrying the given
// tracking id.
func (l *Log) FindSendByTrackingID(id string) (*SendRecord, error) {
	if id == "" {
		return nil, nil
	}

	rows, err := l.rows(KindSend)
	if err != nil {
		return nil, err
	}

	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		if len(row) < 6 || row[5] != id {
			continue
		}
		return &SendRecord{
			Timestamp:  parseTime(row[0]),
			Type:       row[1],
			Recipient:  row[2],
			Subject:    row[3],
			Status:     row[4],
			TrackingID: row[5],
		}, nil
	}
	return nil, nil
}

// Prune removes rows older than maxAgeDays from one log and returns
// the number removed. The header row always survives.
func (l *Log) Prune(kind Kind, maxAgeDays int) (int, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("unknown audit log: %s", kind)
	}
	if maxAgeDays <= 0 {
		return 0, fmt.Errorf("max age must be positive, got %d", maxAgeDays)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	path := l.path(kind)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open %s log: %w", kind, err)
	}

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	f.Close()
	if err != nil {
		return 0, fmt.Errorf("read %s log: %w", kind, err)
	}
	if len(records) <= 1 {
		return 0, nil
	}

	cutoff := time.Now().AddDate(0, 0, -maxAgeDays)
	kept := records[:1:1]
	removed := 0
	for _, row := range records[1:] {
		// Rows whose age cannot be established are kept.
		if len(row) > 0 {
			if ts := parseTime(row[0]); !ts.IsZero() && ts.Before(cutoff) {
				removed++
				continue
			}
		}
		kept = append(kept, row)
	}
	if removed == 0 {
		return 0, nil
	}

	tmp, err := os.CreateTemp(l.dir, string(kind)+"-*.csv")
	if err != nil {
		return 0, fmt.Errorf("create temp log: %w", err)
	}
	w := csv.NewWriter(tmp)
	if err := w.WriteAll(kept); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("write pruned %s log: %w", kind, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("close temp log: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("replace %s log: %w", kind, err)
	}

	l.logger.Info("pruned audit log", "kind", kind, "removed", removed, "max_age_days", maxAgeDays)
	return removed, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
