package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/krezk/herald/internal/audit"
	"github.com/krezk/herald/internal/quota"
	"github.com/krezk/herald/internal/recipient"
	"github.com/krezk/herald/internal/render"
	"github.com/krezk/herald/internal/settings"
	"github.com/krezk/herald/internal/transport"
)

type fakeTransport struct {
	sent      []*transport.Message
	remaining int
	failFor   map[string]error
}

func (f *fakeTransport) Send(ctx context.Context, msg *transport.Message) error {
	if err, ok := f.failFor[msg.To]; ok {
		return err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) RemainingDailyQuota(ctx context.Context) (int, error) {
	return f.remaining, nil
}

type fakeStatusWriter struct {
	calls []string
}

func (f *fakeStatusWriter) UpdateStatus(sheet, email string, status recipient.Status) bool {
	f.calls = append(f.calls, fmt.Sprintf("%s/%s/%s", sheet, email, status))
	return true
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	dispatcher *Dispatcher
	transport  *fakeTransport
	settings   *settings.Store
	audit      *audit.Log
	sheets     *fakeStatusWriter
	slept      []time.Duration
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "herald.db"), 0o600, nil)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := settings.NewStore(db)
	if err != nil {
		t.Fatalf("settings store: %v", err)
	}
	log, err := audit.NewLog(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("audit log: %v", err)
	}

	ft := &fakeTransport{remaining: 100, failFor: map[string]error{}}
	tracker := quota.New(ft, func(ctx context.Context) (int, error) {
		st, err := store.Get()
		if err != nil {
			return 0, err
		}
		return st.MaxEmailsPerDay, nil
	}, nil, testLogger())

	sheets := &fakeStatusWriter{}
	env := &testEnv{
		transport: ft,
		settings:  store,
		audit:     log,
		sheets:    sheets,
	}

	d := New(ft, render.New(store), store, tracker, log, sheets, testLogger())
	d.sleep = func(dur time.Duration) { env.slept = append(env.slept, dur) }
	d.now = func() time.Time { return time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC) }
	env.dispatcher = d
	return env
}

func recipients(emails ...string) []recipient.Recipient {
	out := make([]recipient.Recipient, 0, len(emails))
	for i, e := range emails {
		out = append(out, recipient.New(fmt.Sprintf("User%d", i), "", e))
	}
	return out
}

func TestSendBatch(t *testing.T) {
	env := newTestEnv(t)

	req := &BatchRequest{
		Subject:    "Hello {{firstName}}",
		Body:       "Hi {{firstName}}, welcome.",
		Recipients: recipients("a@example.com", "b@example.com", "c@example.com"),
	}
	res, err := env.dispatcher.SendBatch(context.Background(), req)
	if err != nil {
		t.Fatalf("SendBatch() error = %v", err)
	}

	if res.Total != 3 || res.SuccessCount != 3 || res.ErrorCount != 0 {
		t.Errorf("result = %+v", res)
	}
	if len(env.transport.sent) != 3 {
		t.Fatalf("sent %d messages, want 3", len(env.transport.sent))
	}
	if env.transport.sent[0].Subject != "Hello User0" {
		t.Errorf("Subject = %q", env.transport.sent[0].Subject)
	}
	if env.transport.sent[0].DisplayName != "Herald" {
		t.Errorf("DisplayName = %q", env.transport.sent[0].DisplayName)
	}

	// throttle pauses only between sends
	if len(env.slept) != 2 {
		t.Errorf("slept %d times, want 2", len(env.slept))
	}
	for _, dur := range env.slept {
		if dur != time.Second {
			t.Errorf("slept %v, want 1s default", dur)
		}
	}

	sends, err := env.audit.Sends(0)
	if err != nil {
		t.Fatalf("Sends() error = %v", err)
	}
	if len(sends) != 3 {
		t.Fatalf("got %d send rows, want 3", len(sends))
	}
	seen := map[string]bool{}
	for _, rec := range sends {
		if rec.Status != "sent" || rec.Type != "batch" {
			t.Errorf("row = %+v", rec)
		}
		if rec.TrackingID == "" || seen[rec.TrackingID] {
			t.Errorf("tracking id not unique: %q", rec.TrackingID)
		}
		seen[rec.TrackingID] = true
	}
}

func TestSendBatchDelayOverride(t *testing.T) {
	env := newTestEnv(t)

	zero := 0
	req := &BatchRequest{
		Subject:      "s",
		Body:         "b",
		Recipients:   recipients("a@example.com", "b@example.com"),
		DelaySeconds: &zero,
	}
	if _, err := env.dispatcher.SendBatch(context.Background(), req); err != nil {
		t.Fatalf("SendBatch() error = %v", err)
	}
	if len(env.slept) != 1 || env.slept[0] != 0 {
		t.Errorf("slept = %v, want one zero pause", env.slept)
	}
}

func TestSendBatchFaultIsolation(t *testing.T) {
	env := newTestEnv(t)
	env.transport.failFor["b@example.com"] = &transport.DeliveryError{Temporary: true, Message: "450 try later"}

	req := &BatchRequest{
		Subject:    "s",
		Body:       "b",
		Recipients: recipients("a@example.com", "b@example.com", "c@example.com"),
	}
	res, err := env.dispatcher.SendBatch(context.Background(), req)
	if err != nil {
		t.Fatalf("SendBatch() error = %v", err)
	}

	if res.SuccessCount != 2 || res.ErrorCount != 1 {
		t.Errorf("result = %+v", res)
	}
	if len(res.Errors) != 1 || res.Errors[0].Email != "b@example.com" {
		t.Errorf("Errors = %+v", res.Errors)
	}
	if len(env.transport.sent) != 2 {
		t.Errorf("sent %d, want 2; failure must not abort the batch", len(env.transport.sent))
	}

	errRows, err := env.audit.Errors(0)
	if err != nil {
		t.Fatalf("Errors() error = %v", err)
	}
	if len(errRows) != 1 || errRows[0].Detail != "450 try later" {
		t.Errorf("error rows = %+v", errRows)
	}

	sends, _ := env.audit.Sends(0)
	statuses := map[string]string{}
	for _, rec := range sends {
		statuses[rec.Recipient] = rec.Status
	}
	if statuses["b@example.com"] != "error" {
		t.Errorf("failed recipient logged as %q", statuses["b@example.com"])
	}
}

func TestSendBatchErrorListCapped(t *testing.T) {
	env := newTestEnv(t)

	var emails []string
	for i := 0; i < 8; i++ {
		e := fmt.Sprintf("u%d@example.com", i)
		emails = append(emails, e)
		env.transport.failFor[e] = &transport.DeliveryError{Message: "rejected"}
	}

	zero := 0
	req := &BatchRequest{Subject: "s", Body: "b", Recipients: recipients(emails...), DelaySeconds: &zero}
	res, err := env.dispatcher.SendBatch(context.Background(), req)
	if err != nil {
		t.Fatalf("SendBatch() error = %v", err)
	}
	if res.ErrorCount != 8 {
		t.Errorf("ErrorCount = %d, want 8", res.ErrorCount)
	}
	if len(res.Errors) != 5 {
		t.Errorf("Errors len = %d, want 5", len(res.Errors))
	}
}

func TestSendBatchValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		req  *BatchRequest
	}{
		{"empty subject", &BatchRequest{Body: "b", Recipients: recipients("a@example.com")}},
		{"empty body", &BatchRequest{Subject: "s", Recipients: recipients("a@example.com")}},
		{"no recipients", &BatchRequest{Subject: "s", Body: "b"}},
		{"invalid email", &BatchRequest{Subject: "s", Body: "b", Recipients: recipients("not-an-address")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.dispatcher.SendBatch(context.Background(), tt.req); err == nil {
				t.Error("expected error")
			}
		})
	}
	if len(env.transport.sent) != 0 {
		t.Errorf("rejected batches must not send, got %d", len(env.transport.sent))
	}
}

func TestSendBatchInvalidEmailBlocksWholeBatch(t *testing.T) {
	env := newTestEnv(t)

	req := &BatchRequest{
		Subject:    "s",
		Body:       "b",
		Recipients: recipients("good@example.com", "bad-address", "also-good@example.com"),
	}
	if _, err := env.dispatcher.SendBatch(context.Background(), req); err == nil {
		t.Fatal("expected error")
	}
	if len(env.transport.sent) != 0 {
		t.Errorf("no recipient may be contacted, got %d sends", len(env.transport.sent))
	}
}

func TestSendBatchQuotaExceeded(t *testing.T) {
	env := newTestEnv(t)
	env.transport.remaining = 2

	req := &BatchRequest{
		Subject:    "s",
		Body:       "b",
		Recipients: recipients("a@example.com", "b@example.com", "c@example.com"),
	}
	_, err := env.dispatcher.SendBatch(context.Background(), req)
	if err == nil {
		t.Fatal("expected quota error")
	}
	if !strings.Contains(err.Error(), "quota") {
		t.Errorf("error = %v", err)
	}
	if len(env.transport.sent) != 0 {
		t.Errorf("over-quota batch must not send, got %d", len(env.transport.sent))
	}
}

func TestSendBatchTrackingPixel(t *testing.T) {
	env := newTestEnv(t)
	endpoint := "https://herald.example.com/track"
	if _, err := env.settings.Update(settings.Patch{TrackingEndpoint: &endpoint}); err != nil {
		t.Fatal(err)
	}

	recs := recipients("a@example.com")
	req := &BatchRequest{Subject: "s", Body: "Hi there", Recipients: recs, AddTracking: true}
	if _, err := env.dispatcher.SendBatch(context.Background(), req); err != nil {
		t.Fatalf("SendBatch() error = %v", err)
	}

	msg := env.transport.sent[0]
	if msg.HTML == "" {
		t.Fatal("expected HTML part with tracking pixel")
	}
	if !strings.Contains(msg.HTML, endpoint+"?id=") {
		t.Errorf("HTML = %q", msg.HTML)
	}
	if !strings.Contains(msg.HTML, recs[0].TrackingID) {
		t.Error("pixel must carry the recipient's tracking id")
	}
	if msg.Text != "Hi there" {
		t.Errorf("Text = %q", msg.Text)
	}
}

func TestSendBatchNoTrackingWithoutEndpoint(t *testing.T) {
	env := newTestEnv(t)

	req := &BatchRequest{Subject: "s", Body: "b", Recipients: recipients("a@example.com"), AddTracking: true}
	if _, err := env.dispatcher.SendBatch(context.Background(), req); err != nil {
		t.Fatalf("SendBatch() error = %v", err)
	}
	if env.transport.sent[0].HTML != "" {
		t.Error("no endpoint configured, HTML part must be empty")
	}
}

func TestSendBatchSheetWriteback(t *testing.T) {
	env := newTestEnv(t)
	env.transport.failFor["b@example.com"] = &transport.DeliveryError{Message: "rejected"}

	recs := recipients("a@example.com", "b@example.com")
	for i := range recs {
		recs[i].Source = recipient.SourceSheet
		recs[i].SourceDetail = "spring"
	}
	zero := 0
	req := &BatchRequest{Subject: "s", Body: "b", Recipients: recs, DelaySeconds: &zero}
	if _, err := env.dispatcher.SendBatch(context.Background(), req); err != nil {
		t.Fatalf("SendBatch() error = %v", err)
	}

	if len(env.sheets.calls) != 2 {
		t.Fatalf("writeback calls = %v", env.sheets.calls)
	}
	if env.sheets.calls[0] != "spring/a@example.com/sent" {
		t.Errorf("call[0] = %q", env.sheets.calls[0])
	}
	if env.sheets.calls[1] != "spring/b@example.com/error" {
		t.Errorf("call[1] = %q", env.sheets.calls[1])
	}
}

func TestSendTest(t *testing.T) {
	env := newTestEnv(t)

	if err := env.dispatcher.SendTest(context.Background(), "qa@example.com", "Check {{firstName}}", "Hello {{firstName}}", TestOptions{}); err != nil {
		t.Fatalf("SendTest() error = %v", err)
	}
	if len(env.transport.sent) != 1 {
		t.Fatalf("sent %d, want 1", len(env.transport.sent))
	}
	if env.transport.sent[0].Subject != "Check Test" {
		t.Errorf("Subject = %q", env.transport.sent[0].Subject)
	}

	sends, _ := env.audit.Sends(0)
	if len(sends) != 1 || sends[0].Type != "test" {
		t.Errorf("send rows = %+v", sends)
	}
}

func TestSendTestInvalidEmail(t *testing.T) {
	env := newTestEnv(t)
	if err := env.dispatcher.SendTest(context.Background(), "nope", "s", "b", TestOptions{}); err == nil {
		t.Error("expected error for invalid address")
	}
}

func TestSendTestOptions(t *testing.T) {
	env := newTestEnv(t)
	endpoint := "https://h.example.com/track"
	if _, err := env.settings.Update(settings.Patch{TrackingEndpoint: &endpoint}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	opts := TestOptions{
		CC:          []string{"copy@example.com"},
		BCC:         []string{"blind@example.com"},
		AddTracking: true,
	}
	if err := env.dispatcher.SendTest(context.Background(), "qa@example.com", "s", "b", opts); err != nil {
		t.Fatalf("SendTest() error = %v", err)
	}

	msg := env.transport.sent[0]
	if len(msg.CC) != 1 || msg.CC[0] != "copy@example.com" {
		t.Errorf("CC = %v", msg.CC)
	}
	if len(msg.BCC) != 1 || msg.BCC[0] != "blind@example.com" {
		t.Errorf("BCC = %v", msg.BCC)
	}
	if !strings.Contains(msg.HTML, "https://h.example.com/track?id=") {
		t.Errorf("HTML lacks pixel: %q", msg.HTML)
	}

	// Tracking stays off unless asked for
	env.transport.sent = nil
	if err := env.dispatcher.SendTest(context.Background(), "qa@example.com", "s", "b", TestOptions{}); err != nil {
		t.Fatalf("SendTest() error = %v", err)
	}
	if env.transport.sent[0].HTML != "" {
		t.Errorf("HTML = %q, want empty without tracking", env.transport.sent[0].HTML)
	}
}
