// cmd/tools/escrow-audit/main.go
//
// Audits the escrow ledger: verifies that every held minor unit is
// accounted for across held/failed/released/refunded, lists failed
// records that are waiting on settlement retries, and optionally emails
// the findings to the operator.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"shiftmatch/internal/common/aws"
	"shiftmatch/internal/common/config"
	"shiftmatch/internal/common/database"
	"shiftmatch/internal/common/logger"
	"shiftmatch/internal/escrow"
	"shiftmatch/internal/models"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (defaults to configs/config.yaml)")
	failedLimit := flag.Int("failed-limit", 50, "Max failed records to list")
	email := flag.Bool("email", false, "Email the report to the configured operator address")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewStructured(cfg.Logging.Level, cfg.Logging.Format)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	pg, err := database.NewPostgres(cfg.Database.Postgres)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres connection failed: %v\n", err)
		os.Exit(1)
	}
	defer pg.Close()
	if err := pg.Ping(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "postgres ping failed: %v\n", err)
		os.Exit(1)
	}

	store := escrow.NewPostgresStore(pg.DB, log)

	totals, err := store.TotalsByStatus(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "totals query failed: %v\n", err)
		os.Exit(1)
	}

	failed, err := store.ListFailed(ctx, *failedLimit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed-records query failed: %v\n", err)
		os.Exit(1)
	}

	report := buildReport(cfg.Escrow.Currency, totals, failed)
	fmt.Print(report)

	if len(failed) > 0 && *email && cfg.Notifications.SES.Enabled {
		ses, err := aws.NewSESClient(ctx, cfg.Notifications.AWS.Region)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ses client init failed: %v\n", err)
			os.Exit(1)
		}
		subject := fmt.Sprintf("[escrow-audit] %d failed settlement(s) need attention", len(failed))
		if err := ses.SendAlert(ctx, cfg.Notifications.SES.FromEmail, cfg.Notifications.SES.OperatorEmail, subject, report); err != nil {
			fmt.Fprintf(os.Stderr, "operator alert failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Report emailed to %s\n", cfg.Notifications.SES.OperatorEmail)
	}

	if len(failed) > 0 {
		os.Exit(2)
	}
}

func buildReport(currency string, totals map[models.EscrowStatus]int64, failed []*models.EscrowRecord) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Escrow audit at %s\n\n", time.Now().UTC().Format(time.RFC3339))

	var grand int64
	for _, status := range []models.EscrowStatus{models.EscrowHeld, models.EscrowFailed, models.EscrowReleased, models.EscrowRefunded} {
		fmt.Fprintf(&b, "  %-10s %12d %s\n", status, totals[status], currency)
		grand += totals[status]
	}
	fmt.Fprintf(&b, "  %-10s %12d %s\n\n", "total", grand, currency)

	if len(failed) == 0 {
		b.WriteString("No failed settlements.\n")
		return b.String()
	}

	fmt.Fprintf(&b, "Failed settlements awaiting retry (%d):\n", len(failed))
	for _, rec := range failed {
		intent := "refund"
		if rec.EligibleAt != nil {
			intent = "release"
		}
		fmt.Fprintf(&b, "  assignment=%s amount=%d intent=%s heldAt=%s reason=%q\n",
			rec.AssignmentID, rec.AmountMinor, intent, rec.HeldAt.Format(time.RFC3339), rec.FailureReason)
	}
	return b.String()
}
