// Package source loads batch recipients from sheet files kept in a
// directory. Each sheet is a tabular file whose header row names the
// columns; id, firstName, lastName, email and status are recognized,
// any other column becomes a substitution tag.
package source

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/krezk/herald/internal/recipient"
)

const sheetExt = ".csv"

// Store reads and updates recipient sheets under a single directory.
type Store struct {
	dir    string
	logger *slog.Logger
}

// NewStore opens the sheet directory, creating it if needed.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sheet directory: %w", err)
	}
	return &Store{
		dir:    dir,
		logger: logger.With("component", "source"),
	}, nil
}

// ListSheets returns the names of all sheets, sorted.
func (s *Store) ListSheets() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read sheet directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), sheetExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), sheetExt))
	}
	sort.Strings(names)
	return names, nil
}

// path resolves a sheet name to a file path, rejecting names that
// would escape the sheet directory.
func (s *Store) path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.Contains(name, "..") {
		return "", fmt.Errorf("invalid sheet name: %q", name)
	}
	return filepath.Join(s.dir, name+sheetExt), nil
}

// LoadRecipients reads one sheet and builds a recipient per data row.
// Rows are not validated here; callers run them through the batch
// validation sweep like any other recipients.
func (s *Store) LoadRecipients(name string) ([]recipient.Recipient, error) {
	path, err := s.path(name)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("sheet not found: %s", name)
		}
		return nil, fmt.Errorf("open sheet: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", name, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("sheet %s has no header row", name)
	}

	header := rows[0]
	recipients := make([]recipient.Recipient, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if len(row) == 0 {
			continue
		}
		rec := recipient.New("", "", "")
		rec.Source = recipient.SourceSheet
		rec.SourceDetail = name

		for i, cell := range row {
			if i >= len(header) {
				break
			}
			switch normalizeColumn(header[i]) {
			case "id":
				if cell != "" {
					rec.ID = cell
				}
			case "firstname":
				rec.FirstName = cell
			case "lastname":
				rec.LastName = cell
			case "email":
				rec.Email = cell
			case "status":
				switch recipient.Status(strings.TrimSpace(strings.ToLower(cell))) {
				case recipient.StatusSent:
					rec.Status = recipient.StatusSent
				case recipient.StatusError:
					rec.Status = recipient.StatusError
				}
			default:
				if rec.Tags == nil {
					rec.Tags = make(map[string]string)
				}
				rec.Tags[strings.TrimSpace(header[i])] = cell
			}
		}
		recipients = append(recipients, rec)
	}
	return recipients, nil
}

// UpdateStatus writes a recipient's send status back into its sheet.
// The write is best effort: a sheet without a status column, a missing
// row or an IO failure all report false without failing the batch.
func (s *Store) UpdateStatus(name, email string, status recipient.Status) bool {
	path, err := s.path(name)
	if err != nil {
		s.logger.Warn("status writeback skipped", "sheet", name, "error", err)
		return false
	}

	f, err := os.Open(path)
	if err != nil {
		s.logger.Warn("status writeback failed", "sheet", name, "error", err)
		return false
	}
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	f.Close()
	if err != nil || len(rows) == 0 {
		s.logger.Warn("status writeback failed", "sheet", name, "error", err)
		return false
	}

	emailCol, statusCol := -1, -1
	for i, h := range rows[0] {
		switch normalizeColumn(h) {
		case "email":
			emailCol = i
		case "status":
			statusCol = i
		}
	}
	if emailCol < 0 || statusCol < 0 {
		return false
	}

	updated := false
	for _, row := range rows[1:] {
		if emailCol < len(row) && statusCol < len(row) && strings.EqualFold(row[emailCol], email) {
			row[statusCol] = string(status)
			updated = true
		}
	}
	if !updated {
		return false
	}

	tmp, err := os.CreateTemp(s.dir, name+"-*"+sheetExt)
	if err != nil {
		s.logger.Warn("status writeback failed", "sheet", name, "error", err)
		return false
	}
	w := csv.NewWriter(tmp)
	if err := w.WriteAll(rows); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		s.logger.Warn("status writeback failed", "sheet", name, "error", err)
		return false
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		s.logger.Warn("status writeback failed", "sheet", name, "error", err)
		return false
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		s.logger.Warn("status writeback failed", "sheet", name, "error", err)
		return false
	}
	return true
}

func normalizeColumn(h string) string {
	h = strings.TrimSpace(strings.ToLower(h))
	return strings.NewReplacer("_", "", " ", "", "-", "").Replace(h)
}
