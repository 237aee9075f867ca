package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/krezk/herald/internal/audit"
	"github.com/krezk/herald/internal/dispatch"
	"github.com/krezk/herald/internal/metrics"
	"github.com/krezk/herald/internal/recipient"
	"github.com/krezk/herald/internal/settings"
)

// BatchRecipient is one inline recipient in a batch request
type BatchRecipient struct {
	FirstName string            `json:"firstName"`
	LastName  string            `json:"lastName,omitempty"`
	Email     string            `json:"email"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// BatchRequest is the request body for POST /batch. Recipients come either
// inline or from a named sheet; subject and body either inline or from a
// named template.
type BatchRequest struct {
	Subject      string           `json:"subject,omitempty"`
	Body         string           `json:"body,omitempty"`
	Template     string           `json:"template,omitempty"`
	Recipients   []BatchRecipient `json:"recipients,omitempty"`
	Sheet        string           `json:"sheet,omitempty"`
	CC           []string         `json:"cc,omitempty"`
	BCC          []string         `json:"bcc,omitempty"`
	AddTracking  bool             `json:"addTracking"`
	DelaySeconds *int             `json:"delaySeconds,omitempty"`
}

// TestRequest is the request body for POST /test
type TestRequest struct {
	Email       string   `json:"email"`
	Subject     string   `json:"subject,omitempty"`
	Body        string   `json:"body,omitempty"`
	Template    string   `json:"template,omitempty"`
	CC          []string `json:"cc,omitempty"`
	BCC         []string `json:"bcc,omitempty"`
	AddTracking *bool    `json:"addTracking,omitempty"` // nil means on
}

// PruneRequest is the request body for POST /audit/{kind}/prune
type PruneRequest struct {
	MaxAgeDays int `json:"maxAgeDays"`
}

// PruneResponse is the response for POST /audit/{kind}/prune
type PruneResponse struct {
	Removed int `json:"removed"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleBatch handles POST /api/v1/batch
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	subject, body, ok := s.resolveContent(w, req.Template, req.Subject, req.Body)
	if !ok {
		return
	}

	recipients, ok := s.resolveRecipients(w, &req)
	if !ok {
		return
	}

	result, err := s.dispatcher.SendBatch(r.Context(), &dispatch.BatchRequest{
		Subject:      subject,
		Body:         body,
		Recipients:   recipients,
		CC:           req.CC,
		BCC:          req.BCC,
		AddTracking:  req.AddTracking,
		DelaySeconds: req.DelaySeconds,
	})
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.sendJSON(w, http.StatusOK, result)
}

// resolveContent merges inline subject/body with a named template. Inline
// values win field by field.
func (s *Server) resolveContent(w http.ResponseWriter, templateName, subject, body string) (string, string, bool) {
	if templateName == "" {
		return subject, body, true
	}

	tmpl, err := s.settings.Template(templateName)
	if err != nil {
		s.logger.Error("failed to load template", "name", templateName, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to load template")
		return "", "", false
	}
	if tmpl == nil {
		s.sendError(w, http.StatusNotFound, "Template not found: "+templateName)
		return "", "", false
	}

	if subject == "" {
		subject = tmpl.Subject
	}
	if body == "" {
		body = tmpl.Body
	}
	return subject, body, true
}

// resolveRecipients builds the recipient list from the request: inline
// entries, a sheet, or both.
func (s *Server) resolveRecipients(w http.ResponseWriter, req *BatchRequest) ([]recipient.Recipient, bool) {
	var out []recipient.Recipient

	for _, br := range req.Recipients {
		rec := recipient.New(br.FirstName, br.LastName, br.Email)
		rec.Tags = br.Tags
		out = append(out, rec)
	}

	if req.Sheet != "" {
		fromSheet, err := s.sheets.LoadRecipients(req.Sheet)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, err.Error())
			return nil, false
		}
		// Rows already marked sent stay untouched on a re-run
		for _, rec := range fromSheet {
			if rec.Status == recipient.StatusPending {
				out = append(out, rec)
			}
		}
	}

	return out, true
}

// handleTest handles POST /api/v1/test
func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	var req TestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	subject, body, ok := s.resolveContent(w, req.Template, req.Subject, req.Body)
	if !ok {
		return
	}

	opts := dispatch.TestOptions{CC: req.CC, BCC: req.BCC, AddTracking: true}
	if req.AddTracking != nil {
		opts.AddTracking = *req.AddTracking
	}
	if err := s.dispatcher.SendTest(r.Context(), req.Email, subject, body, opts); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

// handleQuota handles GET /api/v1/quota
func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	snap := s.quota.Snapshot(r.Context())
	metrics.SetQuotaRemaining(snap.Remaining)
	s.sendJSON(w, http.StatusOK, snap)
}

// handleAuditList handles GET /api/v1/audit/{kind}
func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	kind := audit.Kind(chi.URLParam(r, "kind"))
	if !kind.Valid() {
		s.sendError(w, http.StatusNotFound, "Unknown audit log: "+string(kind))
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.sendError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	var (
		rows any
		err  error
	)
	switch kind {
	case audit.KindSend:
		rows, err = s.audit.Sends(limit)
	case audit.KindError:
		rows, err = s.audit.Errors(limit)
	case audit.KindOpen:
		rows, err = s.audit.Opens(limit)
	}
	if err != nil {
		s.logger.Error("failed to read audit log", "kind", kind, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to read audit log")
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]any{"kind": kind, "rows": rows})
}

// handleAuditPrune handles POST /api/v1/audit/{kind}/prune
func (s *Server) handleAuditPrune(w http.ResponseWriter, r *http.Request) {
	kind := audit.Kind(chi.URLParam(r, "kind"))
	if !kind.Valid() {
		s.sendError(w, http.StatusNotFound, "Unknown audit log: "+string(kind))
		return
	}

	var req PruneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.MaxAgeDays <= 0 {
		s.sendError(w, http.StatusBadRequest, "maxAgeDays must be positive")
		return
	}

	removed, err := s.audit.Prune(kind, req.MaxAgeDays)
	if err != nil {
		s.logger.Error("failed to prune audit log", "kind", kind, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to prune audit log")
		return
	}
	metrics.AddAuditRowsPruned(string(kind), removed)

	s.sendJSON(w, http.StatusOK, PruneResponse{Removed: removed})
}

// handleGetSettings handles GET /api/v1/settings
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	st, err := s.settings.Get()
	if err != nil {
		s.logger.Error("failed to read settings", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to read settings")
		return
	}
	s.sendJSON(w, http.StatusOK, st)
}

// handlePatchSettings handles PATCH /api/v1/settings
func (s *Server) handlePatchSettings(w http.ResponseWriter, r *http.Request) {
	var patch settings.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if patch.MaxEmailsPerDay != nil && *patch.MaxEmailsPerDay < 0 {
		s.sendError(w, http.StatusBadRequest, "max_emails_per_day must not be negative")
		return
	}
	if patch.EmailDelaySeconds != nil && *patch.EmailDelaySeconds < 0 {
		s.sendError(w, http.StatusBadRequest, "email_delay_seconds must not be negative")
		return
	}

	merged, err := s.settings.Update(patch)
	if err != nil {
		s.logger.Error("failed to update settings", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to update settings")
		return
	}
	s.sendJSON(w, http.StatusOK, merged)
}

// handleListTemplates handles GET /api/v1/templates
func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	tmpls, err := s.settings.Templates()
	if err != nil {
		s.logger.Error("failed to list templates", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list templates")
		return
	}
	s.sendJSON(w, http.StatusOK, tmpls)
}

// handleGetTemplate handles GET /api/v1/templates/{name}
func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	tmpl, err := s.settings.Template(name)
	if err != nil {
		s.logger.Error("failed to load template", "name", name, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to load template")
		return
	}
	if tmpl == nil {
		s.sendError(w, http.StatusNotFound, "Template not found")
		return
	}
	s.sendJSON(w, http.StatusOK, tmpl)
}

// handlePutTemplate handles PUT /api/v1/templates/{name}
func (s *Server) handlePutTemplate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var tmpl settings.MessageTemplate
	if err := json.NewDecoder(r.Body).Decode(&tmpl); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	tmpl.Name = name
	if strings.TrimSpace(tmpl.Subject) == "" && strings.TrimSpace(tmpl.Body) == "" {
		s.sendError(w, http.StatusBadRequest, "subject or body is required")
		return
	}

	if err := s.settings.PutTemplate(tmpl); err != nil {
		s.logger.Error("failed to store template", "name", name, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to store template")
		return
	}
	s.sendJSON(w, http.StatusOK, tmpl)
}

// handleDeleteTemplate handles DELETE /api/v1/templates/{name}
func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.settings.DeleteTemplate(name); err != nil {
		s.logger.Error("failed to delete template", "name", name, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to delete template")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListSheets handles GET /api/v1/sheets
func (s *Server) handleListSheets(w http.ResponseWriter, r *http.Request) {
	names, err := s.sheets.ListSheets()
	if err != nil {
		s.logger.Error("failed to list sheets", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list sheets")
		return
	}
	s.sendJSON(w, http.StatusOK, names)
}

// handleSheetRecipients handles GET /api/v1/sheets/{name}/recipients
func (s *Server) handleSheetRecipients(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	recipients, err := s.sheets.LoadRecipients(name)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.sendJSON(w, http.StatusOK, recipients)
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: "0.1.0",
		Uptime:  time.Since(s.startTime).String(),
	})
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
