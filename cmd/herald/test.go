package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"

	"github.com/krezk/herald/internal/audit"
	"github.com/krezk/herald/internal/dispatch"
	"github.com/krezk/herald/internal/quota"
	"github.com/krezk/herald/internal/render"
	"github.com/krezk/herald/internal/settings"
	"github.com/krezk/herald/internal/transport"
)

var (
	testSendTo       string
	testSendSubject  string
	testSendBody     string
	testSendTracking bool
)

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Testing and debugging commands",
}

var testSendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a test email through the configured transport",
	RunE:  runTestSend,
}

func init() {
	testSendCmd.Flags().StringVar(&testSendTo, "to", "", "Recipient email address (required)")
	testSendCmd.Flags().StringVar(&testSendSubject, "subject", "Test message from Herald", "Email subject")
	testSendCmd.Flags().StringVar(&testSendBody, "body", "Hello {{firstName}}, this is a test message from {{companyName}}.", "Email body")
	testSendCmd.Flags().BoolVar(&testSendTracking, "tracking", true, "Embed a tracking pixel")
	testSendCmd.MarkFlagRequired("to")

	testCmd.AddCommand(testSendCmd)
	rootCmd.AddCommand(testCmd)
}

func runTestSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	db, err := bolt.Open(cfg.Storage.Path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer db.Close()

	store, err := settings.NewStore(db)
	if err != nil {
		return fmt.Errorf("failed to create settings store: %w", err)
	}
	auditLog, err := audit.NewLog(cfg.Audit.Dir, logger)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}

	maxPerDay := func(ctx context.Context) (int, error) {
		st, err := store.Get()
		if err != nil {
			return 0, err
		}
		return st.MaxEmailsPerDay, nil
	}

	var mailer transport.Transport
	switch cfg.Transport.Mode {
	case "relay":
		mailer = transport.NewRelay(transport.RelayOptions{
			BaseURL: cfg.Transport.Relay.BaseURL,
			APIKey:  cfg.Transport.Relay.APIKey,
			From:    cfg.Transport.Relay.From,
			Timeout: cfg.Transport.Relay.Timeout,
		}, logger)
	case "smtp":
		counter, err := transport.NewDayCounter(db)
		if err != nil {
			return fmt.Errorf("failed to create send counter: %w", err)
		}
		mailer = transport.NewSMTP(transport.SMTPOptions{
			Addr:     cfg.Transport.SMTP.Addr,
			Username: cfg.Transport.SMTP.Username,
			Password: cfg.Transport.SMTP.Password,
			From:     cfg.Transport.SMTP.From,
			Hostname: cfg.Server.Hostname,
		}, counter, maxPerDay, logger)
	default:
		return fmt.Errorf("invalid transport mode: %s", cfg.Transport.Mode)
	}

	tracker := quota.New(mailer, maxPerDay, nil, logger)
	dispatcher := dispatch.New(mailer, render.New(store), store, tracker, auditLog, nil, logger)

	fmt.Printf("Sending test email...\n")
	fmt.Printf("  To: %s\n", testSendTo)
	fmt.Printf("  Subject: %s\n", testSendSubject)
	fmt.Printf("  Transport: %s\n", cfg.Transport.Mode)
	fmt.Println()

	opts := dispatch.TestOptions{AddTracking: testSendTracking}
	if err := dispatcher.SendTest(context.Background(), testSendTo, testSendSubject, testSendBody, opts); err != nil {
		return fmt.Errorf("test send failed: %w", err)
	}

	fmt.Println("Test email sent")
	return nil
}
