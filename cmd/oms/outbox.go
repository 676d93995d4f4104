package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ontoforge/oms/internal/outbox"
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and administer the event outbox",
}

var outboxStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count outbox records by delivery status",
	Args:  cobra.NoArgs,
	RunE:  runOutboxStats,
}

var outboxDeadLettersLimit int

var outboxDeadLettersCmd = &cobra.Command{
	Use:   "dead-letters",
	Short: "List dead-lettered events",
	Long: `List events whose delivery exhausted its retry budget, newest
first. Dead letters stay until an operator requeues them with
'oms outbox retry'.`,
	Args: cobra.NoArgs,
	RunE: runOutboxDeadLetters,
}

var outboxRetryCmd = &cobra.Command{
	Use:   "retry <event-id>",
	Short: "Requeue a dead-lettered event",
	Long: `Reset a dead letter to PENDING with a fresh retry budget. The
dispatcher picks it up on its next pass. Audited as
outbox.requeued.`,
	Args: cobra.ExactArgs(1),
	RunE: runOutboxRetry,
}

var outboxCleanupOlderThan time.Duration

var outboxCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete old completed records",
	Long: `Delete completed outbox records processed longer than --older-than
ago, together with their idempotency index rows. Dead letters are
never auto-deleted.`,
	Args: cobra.NoArgs,
	RunE: runOutboxCleanup,
}

func init() {
	outboxDeadLettersCmd.Flags().IntVar(&outboxDeadLettersLimit, "limit", 20, "Maximum records to list (0 = all)")
	outboxCleanupCmd.Flags().DurationVar(&outboxCleanupOlderThan, "older-than", 24*time.Hour, "Minimum age of completed records to delete")
	outboxCmd.AddCommand(outboxStatsCmd)
	outboxCmd.AddCommand(outboxDeadLettersCmd)
	outboxCmd.AddCommand(outboxRetryCmd)
	outboxCmd.AddCommand(outboxCleanupCmd)
	rootCmd.AddCommand(outboxCmd)
}

func runOutboxStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	s, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	stats, err := s.outbox.Statistics(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		outputJSON(stats)
		return nil
	}
	for _, st := range outbox.Statuses() {
		n := stats.ByStatus[st]
		line := fmt.Sprintf("%-12s %d", st, n)
		if st == outbox.StatusDeadLetter && n > 0 {
			line = color.RedString(line)
		}
		fmt.Println(line)
	}
	fmt.Printf("%-12s %d\n", "total", stats.Total)
	return nil
}

func runOutboxDeadLetters(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	s, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	recs, err := s.outbox.DeadLetters(ctx, outboxDeadLettersLimit)
	if err != nil {
		return err
	}
	if jsonOutput {
		outputJSON(recs)
		return nil
	}
	if len(recs) == 0 {
		fmt.Println("No dead letters.")
		return nil
	}
	cyan := color.New(color.FgCyan).SprintFunc()
	for _, r := range recs {
		fmt.Printf("%s  %-32s created=%s retries=%d/%d\n",
			cyan(r.EventID), r.EventType, fmtTime(r.CreatedAt), r.RetryCount, r.MaxRetries)
		if r.ErrorMessage != "" {
			fmt.Printf("    %s\n", r.ErrorMessage)
		}
	}
	fmt.Printf("\n%d dead letter(s)\n", len(recs))
	return nil
}

func runOutboxRetry(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	s, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.outbox.RetryDeadLetter(ctx, args[0], resolveActor()); err != nil {
		return err
	}
	if jsonOutput {
		outputJSON(map[string]any{"requeued": args[0]})
		return nil
	}
	green := color.New(color.FgGreen).SprintFunc()
	fmt.Printf("%s requeued %s\n", green("✓"), args[0])
	return nil
}

func runOutboxCleanup(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	s, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	n, err := s.outbox.CleanupCompleted(ctx, outboxCleanupOlderThan)
	if err != nil {
		return err
	}
	if jsonOutput {
		outputJSON(map[string]any{"deleted": n})
		return nil
	}
	fmt.Printf("Deleted %d completed record(s)\n", n)
	return nil
}
