package transport

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	bolt "go.etcd.io/bbolt"
)

func openTestDB(t *testing.T) *bolt.DB {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"), 0600, &bolt.Options{
		Timeout: time.Second,
	})
	if err != nil {
		t.Fatalf("bolt.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestSMTP(t *testing.T, maxPerDay int) (*SMTP, *[][]byte) {
	t.Helper()

	counter, err := NewDayCounter(openTestDB(t))
	if err != nil {
		t.Fatalf("NewDayCounter() error = %v", err)
	}

	tr := NewSMTP(
		SMTPOptions{Addr: "mail.example.com:587", Username: "u", Password: "p", From: "herald@example.com"},
		counter,
		func(ctx context.Context) (int, error) { return maxPerDay, nil },
		discardLogger(),
	)

	var sent [][]byte
	tr.sendMail = func(addr string, a sasl.Client, from string, to []string, data []byte) error {
		sent = append(sent, data)
		return nil
	}
	return tr, &sent
}

func TestSMTPSendBuildsMessage(t *testing.T) {
	tr, sent := newTestSMTP(t, 100)

	msg := &Message{
		To:          "ada@example.com",
		Subject:     "Hello",
		Text:        "plain body",
		HTML:        "<p>html body</p>",
		DisplayName: "Ops Team",
		CC:          []string{"cc@example.com"},
	}
	if err := tr.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if len(*sent) != 1 {
		t.Fatalf("sendMail called %d times, want 1", len(*sent))
	}
	data := string((*sent)[0])

	for _, want := range []string{
		"From: Ops Team <herald@example.com>",
		"To: ada@example.com",
		"Cc: cc@example.com",
		"Subject: Hello",
		"multipart/alternative",
		"plain body",
		"<p>html body</p>",
	} {
		if !strings.Contains(data, want) {
			t.Errorf("message missing %q", want)
		}
	}
}

func TestSMTPSendIncrementsCounter(t *testing.T) {
	tr, _ := newTestSMTP(t, 10)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := tr.Send(ctx, &Message{To: "a@example.com", Subject: "s", Text: "b"}); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}

	remaining, err := tr.RemainingDailyQuota(ctx)
	if err != nil {
		t.Fatalf("RemainingDailyQuota() error = %v", err)
	}
	if remaining != 7 {
		t.Errorf("RemainingDailyQuota() = %d, want 7", remaining)
	}
}

func TestSMTPSendFailureDoesNotCount(t *testing.T) {
	tr, _ := newTestSMTP(t, 10)
	tr.sendMail = func(addr string, a sasl.Client, from string, to []string, data []byte) error {
		return errors.New("connection refused")
	}

	err := tr.Send(context.Background(), &Message{To: "a@example.com", Subject: "s", Text: "b"})
	if err == nil {
		t.Fatal("Send() expected error")
	}
	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("Send() error type = %T, want *DeliveryError", err)
	}

	remaining, _ := tr.RemainingDailyQuota(context.Background())
	if remaining != 10 {
		t.Errorf("RemainingDailyQuota() = %d, want 10 after failed send", remaining)
	}
}

func TestSMTPRemainingNeverNegative(t *testing.T) {
	tr, _ := newTestSMTP(t, 2)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tr.Send(ctx, &Message{To: "a@example.com", Subject: "s", Text: "b"})
	}

	remaining, err := tr.RemainingDailyQuota(ctx)
	if err != nil {
		t.Fatalf("RemainingDailyQuota() error = %v", err)
	}
	if remaining != 0 {
		t.Errorf("RemainingDailyQuota() = %d, want 0", remaining)
	}
}

func TestDayCounterResetsAfterDay(t *testing.T) {
	counter, err := NewDayCounter(openTestDB(t))
	if err != nil {
		t.Fatalf("NewDayCounter() error = %v", err)
	}

	base := time.Date(2025, time.March, 14, 9, 0, 0, 0, time.UTC)
	counter.now = func() time.Time { return base }

	counter.Increment()
	counter.Increment()
	if got := counter.Today(); got != 2 {
		t.Fatalf("Today() = %d, want 2", got)
	}

	counter.now = func() time.Time { return base.Add(25 * time.Hour) }
	if got := counter.Today(); got != 0 {
		t.Errorf("Today() = %d after day rollover, want 0", got)
	}
}

func TestDayCounterPersists(t *testing.T) {
	db := openTestDB(t)

	counter, err := NewDayCounter(db)
	if err != nil {
		t.Fatalf("NewDayCounter() error = %v", err)
	}
	counter.Increment()
	counter.Increment()

	reopened, err := NewDayCounter(db)
	if err != nil {
		t.Fatalf("NewDayCounter() error = %v", err)
	}
	if got := reopened.Today(); got != 2 {
		t.Errorf("Today() = %d after reopen, want 2", got)
	}
}
