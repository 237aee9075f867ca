package render

import (
	"testing"
	"time"

	"github.com/krezk/herald/internal/settings"
)

type fakeSettings struct {
	s   settings.Settings
	err error
}

func (f *fakeSettings) Get() (*settings.Settings, error) {
	if f.err != nil {
		return nil, f.err
	}
	s := f.s
	return &s, nil
}

func newTestRenderer(s settings.Settings) *Renderer {
	r := New(&fakeSettings{s: s})
	r.now = func() time.Time {
		return time.Date(2025, time.March, 14, 15, 4, 0, 0, time.UTC)
	}
	return r
}

func TestRender(t *testing.T) {
	r := newTestRenderer(settings.Settings{SenderName: "Ops Team", CompanyName: "Acme"})

	values := map[string]string{
		"firstName": "Ada",
		"lastName":  "Lovelace",
		"email":     "ada@example.com",
	}

	tests := []struct {
		name string
		text string
		want string
	}{
		{"plain text untouched", "no tokens here", "no tokens here"},
		{"single token", "Hi {{firstName}}!", "Hi Ada!"},
		{"multiple tokens", "{{firstName}} {{lastName}} <{{email}}>", "Ada Lovelace <ada@example.com>"},
		{"unknown token becomes empty", "Hello {{nickname}}!", "Hello !"},
		{"ambient sender name", "Regards, {{senderName}}", "Regards, Ops Team"},
		{"ambient company name", "From {{companyName}}", "From Acme"},
		{"ambient date", "Sent {{date}}", "Sent March 14, 2025"},
		{"ambient time", "At {{time}}", "At 3:04 PM"},
		{"whitespace inside token", "Hi {{ firstName }}!", "Hi Ada!"},
		{"unterminated token copied verbatim", "broken {{firstName", "broken {{firstName"},
		{"empty token", "x{{}}y", "xy"},
		{"adjacent tokens", "{{firstName}}{{lastName}}", "AdaLovelace"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Render(tt.text, values); got != tt.want {
				t.Errorf("Render(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestRenderValuePrecedence(t *testing.T) {
	r := newTestRenderer(settings.Settings{SenderName: "Ops Team"})

	got := r.Render("{{senderName}}", map[string]string{"senderName": "Override"})
	if got != "Override" {
		t.Errorf("Render() = %q, want per-recipient value to win", got)
	}
}

func TestRenderNoDoubleSubstitution(t *testing.T) {
	r := newTestRenderer(settings.Settings{})

	// A value containing a token must be copied verbatim, not expanded again
	got := r.Render("{{a}} {{b}}", map[string]string{"a": "{{b}}", "b": "boom"})
	if got != "{{b}} boom" {
		t.Errorf("Render() = %q, want {{b}} boom", got)
	}
}

func TestRenderSettingsFailure(t *testing.T) {
	r := New(&fakeSettings{err: errFailed})

	// Ambient settings tokens degrade to empty, recipient values still work
	got := r.Render("{{firstName}}{{senderName}}", map[string]string{"firstName": "Ada"})
	if got != "Ada" {
		t.Errorf("Render() = %q, want Ada", got)
	}
}

func TestRenderDeterministic(t *testing.T) {
	r := newTestRenderer(settings.Settings{SenderName: "Ops"})
	values := map[string]string{"firstName": "Ada"}

	first := r.Render("{{firstName}} from {{senderName}} on {{date}}", values)
	second := r.Render("{{firstName}} from {{senderName}} on {{date}}", values)
	if first != second {
		t.Errorf("Render() not deterministic: %q != %q", first, second)
	}
}

var errFailed = &settingsError{}

type settingsError struct{}

func (*settingsError) Error() string { return "settings unavailable" }
