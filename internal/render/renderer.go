// Package render substitutes {{token}} placeholders in message text.
package render

import (
	"strings"
	"time"

	"github.com/krezk/herald/internal/settings"
)

// SettingsSource provides the runtime settings backing the ambient tokens
type SettingsSource interface {
	Get() (*settings.Settings, error)
}

// Renderer replaces {{token}} occurrences with per-recipient values and a
// closed set of ambient tokens (date, time, sender and company name)
type Renderer struct {
	settings SettingsSource
	now      func() time.Time
}

// New creates a new renderer
func New(src SettingsSource) *Renderer {
	return &Renderer{
		settings: src,
		now:      time.Now,
	}
}

// Render replaces every {{key}} occurrence in text. Per-recipient values take
// precedence over ambient tokens; unknown keys become the empty string. The
// scan is a single pass over the input, so a value containing "{{" is copied
// verbatim and never re-expanded. Ambient tokens are resolved from the
// settings provider on every call.
func (r *Renderer) Render(text string, values map[string]string) string {
	if !strings.Contains(text, "{{") {
		return text
	}

	ambient := r.ambientValues()

	var b strings.Builder
	b.Grow(len(text))

	for {
		open := strings.Index(text, "{{")
		if open < 0 {
			b.WriteString(text)
			break
		}

		close := strings.Index(text[open+2:], "}}")
		if close < 0 {
			// Unterminated token, copy the rest as-is
			b.WriteString(text)
			break
		}

		b.WriteString(text[:open])

		key := strings.TrimSpace(text[open+2 : open+2+close])
		if v, ok := values[key]; ok {
			b.WriteString(v)
		} else if v, ok := ambient[key]; ok {
			b.WriteString(v)
		}
		// Unknown key: substitute empty string

		text = text[open+2+close+2:]
	}

	return b.String()
}

func (r *Renderer) ambientValues() map[string]string {
	now := r.now()
	ambient := map[string]string{
		"date": now.Format("January 2, 2006"),
		"time": now.Format("3:04 PM"),
	}

	if r.settings != nil {
		if s, err := r.settings.Get(); err == nil {
			ambient["senderName"] = s.SenderName
			ambient["companyName"] = s.CompanyName
		}
	}

	return ambient
}
