package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/krezk/herald/internal/audit"
)

var (
	auditListLimit    int
	auditPruneMaxDays int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect and maintain the audit logs",
}

var auditListCmd = &cobra.Command{
	Use:   "list <send|error|open>",
	Short: "List audit rows, most recent first",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditList,
}

var auditPruneCmd = &cobra.Command{
	Use:   "prune <send|error|open>",
	Short: "Remove audit rows older than a number of days",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditPrune,
}

func init() {
	auditListCmd.Flags().IntVar(&auditListLimit, "limit", 50, "Maximum rows to show (0 for all)")
	auditPruneCmd.Flags().IntVar(&auditPruneMaxDays, "max-age-days", 0, "Remove rows older than this many days (required)")
	auditPruneCmd.MarkFlagRequired("max-age-days")

	auditCmd.AddCommand(auditListCmd, auditPruneCmd)
	rootCmd.AddCommand(auditCmd)
}

func openAuditLog() (*audit.Log, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return audit.NewLog(cfg.Audit.Dir, logger)
}

func runAuditList(cmd *cobra.Command, args []string) error {
	kind := audit.Kind(args[0])
	if !kind.Valid() {
		return fmt.Errorf("unknown audit log: %s", args[0])
	}

	log, err := openAuditLog()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()

	switch kind {
	case audit.KindSend:
		rows, err := log.Sends(auditListLimit)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "TIMESTAMP\tTYPE\tRECIPIENT\tSUBJECT\tSTATUS\tTRACKING ID")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				r.Timestamp.Format(time.RFC3339), r.Type, r.Recipient, r.Subject, r.Status, r.TrackingID)
		}
	case audit.KindError:
		rows, err := log.Errors(auditListLimit)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "TIMESTAMP\tOPERATION\tMESSAGE\tDETAIL")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				r.Timestamp.Format(time.RFC3339), r.Operation, r.Message, r.Detail)
		}
	case audit.KindOpen:
		rows, err := log.Opens(auditListLimit)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "TIMESTAMP\tTRACKING ID\tEMAIL\tSUBJECT\tSENT AT")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				r.Timestamp.Format(time.RFC3339), r.TrackingID, r.Email, r.Subject, r.SentAt)
		}
	}

	return nil
}

func runAuditPrune(cmd *cobra.Command, args []string) error {
	kind := audit.Kind(args[0])
	if !kind.Valid() {
		return fmt.Errorf("unknown audit log: %s", args[0])
	}
	if auditPruneMaxDays <= 0 {
		return fmt.Errorf("--max-age-days must be positive")
	}

	log, err := openAuditLog()
	if err != nil {
		return err
	}

	removed, err := log.Prune(kind, auditPruneMaxDays)
	if err != nil {
		return err
	}

	fmt.Printf("Removed %d rows from the %s log\n", removed, kind)
	return nil
}
