package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ontoforge/oms/internal/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query and maintain the audit trail",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify audit event integrity",
	Long: `Recompute the hash of every non-archived audit event and report
mismatches. Exits non-zero when corruption is found.`,
	Args: cobra.NoArgs,
	RunE: runAuditVerify,
}

var auditQueryFlags struct {
	from            string
	to              string
	actors          []string
	actions         []string
	branches        []string
	targetKinds     []string
	targetIDs       []string
	success         bool
	failed          bool
	requestID       string
	correlationID   string
	includeArchived bool
	limit           int
	offset          int
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit events",
	Long: `Query audit events, newest first. Filters combine with AND;
repeatable filters (--actor, --action, ...) combine with OR.

Times are RFC3339 or a plain date (2006-01-02).

Examples:
  oms audit query --limit 20
  oms audit query --action lock.force_released --branch main
  oms audit query --actor alice --from 2026-08-01 --failed`,
	Args: cobra.NoArgs,
	RunE: runAuditQuery,
}

var auditCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Archive events past retention",
	Long: `Archive audit events whose retention has lapsed. Archived events
drop out of queries unless --include-archived is given; nothing is
deleted.`,
	Args: cobra.NoArgs,
	RunE: runAuditCleanup,
}

var auditStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the audit trail",
	Args:  cobra.NoArgs,
	RunE:  runAuditStats,
}

func init() {
	f := auditQueryCmd.Flags()
	f.StringVar(&auditQueryFlags.from, "from", "", "Events at or after this time")
	f.StringVar(&auditQueryFlags.to, "to", "", "Events at or before this time")
	f.StringSliceVar(&auditQueryFlags.actors, "actor", nil, "Filter by actor id (repeatable)")
	f.StringSliceVar(&auditQueryFlags.actions, "action", nil, "Filter by action (repeatable)")
	f.StringSliceVar(&auditQueryFlags.branches, "branch", nil, "Filter by branch (repeatable)")
	f.StringSliceVar(&auditQueryFlags.targetKinds, "target-kind", nil, "Filter by target kind (repeatable)")
	f.StringSliceVar(&auditQueryFlags.targetIDs, "target-id", nil, "Filter by target id (repeatable)")
	f.BoolVar(&auditQueryFlags.success, "success", false, "Only successful operations")
	f.BoolVar(&auditQueryFlags.failed, "failed", false, "Only failed operations")
	f.StringVar(&auditQueryFlags.requestID, "request", "", "Filter by request id")
	f.StringVar(&auditQueryFlags.correlationID, "correlation", "", "Filter by correlation id")
	f.BoolVar(&auditQueryFlags.includeArchived, "include-archived", false, "Include archived events")
	f.IntVar(&auditQueryFlags.limit, "limit", 50, "Maximum events to return (0 = all)")
	f.IntVar(&auditQueryFlags.offset, "offset", 0, "Events to skip")

	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditQueryCmd)
	auditCmd.AddCommand(auditCleanupCmd)
	auditCmd.AddCommand(auditStatsCmd)
	rootCmd.AddCommand(auditCmd)
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	s, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	report, err := s.audit.VerifyIntegrity(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		outputJSON(report)
		return report.Err()
	}
	if report.Verified {
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s %d event(s) verified, no corruption\n", green("✓"), report.Checked)
		return nil
	}
	red := color.New(color.FgRed).SprintFunc()
	fmt.Printf("%s %d of %d event(s) corrupted:\n", red("✗"), len(report.Corrupted), report.Checked)
	for _, id := range report.Corrupted {
		fmt.Printf("  %s\n", id)
	}
	return report.Err()
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	filter, err := buildAuditFilter()
	if err != nil {
		return err
	}

	ctx := context.Background()
	s, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	page, err := s.audit.Query(ctx, filter)
	if err != nil {
		return err
	}
	if jsonOutput {
		outputJSON(page)
		return nil
	}
	if len(page.Events) == 0 {
		fmt.Println("No matching events.")
		return nil
	}
	for _, e := range page.Events {
		printAuditEvent(e)
	}
	fmt.Printf("\n%d of %d event(s)\n", len(page.Events), page.TotalCount)
	return nil
}

func buildAuditFilter() (audit.Filter, error) {
	q := auditQueryFlags
	f := audit.Filter{
		Actors:          q.actors,
		Actions:         q.actions,
		Branches:        q.branches,
		TargetKinds:     q.targetKinds,
		TargetIDs:       q.targetIDs,
		RequestID:       q.requestID,
		CorrelationID:   q.correlationID,
		IncludeArchived: q.includeArchived,
		Limit:           q.limit,
		Offset:          q.offset,
	}
	if q.success && q.failed {
		return f, fmt.Errorf("--success and --failed are mutually exclusive")
	}
	if q.success || q.failed {
		v := q.success
		f.Success = &v
	}
	var err error
	if f.From, err = parseTimeFlag(q.from); err != nil {
		return f, fmt.Errorf("--from: %w", err)
	}
	if f.To, err = parseTimeFlag(q.to); err != nil {
		return f, fmt.Errorf("--to: %w", err)
	}
	return f, nil
}

func parseTimeFlag(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("not RFC3339 or YYYY-MM-DD: %q", s)
	}
	return t, nil
}

func printAuditEvent(e *audit.Event) {
	mark := color.GreenString("✓")
	if !e.Success {
		mark = color.RedString("✗")
	}
	target := e.TargetKind
	if e.TargetID != "" {
		target += ":" + e.TargetID
	}
	fmt.Printf("%s %s  %-28s %-20s %s", mark, fmtTime(e.Time), e.Action, e.ActorID, target)
	if e.Branch != "" {
		fmt.Printf(" [%s]", e.Branch)
	}
	if e.Archived {
		fmt.Print(" (archived)")
	}
	fmt.Println()
	if e.ErrorMessage != "" {
		fmt.Printf("    %s %s\n", e.ErrorCode, e.ErrorMessage)
	}
}

func runAuditCleanup(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	s, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	n, err := s.audit.Cleanup(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		outputJSON(map[string]any{"archived": n})
		return nil
	}
	fmt.Printf("Archived %d event(s) past retention\n", n)
	return nil
}

func runAuditStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	s, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	stats, err := s.audit.Stats(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		outputJSON(stats)
		return nil
	}
	fmt.Printf("Events:   %d (%d archived)\n", stats.Total, stats.Archived)
	if !stats.Oldest.IsZero() {
		fmt.Printf("Span:     %s .. %s\n", fmtTime(stats.Oldest), fmtTime(stats.Newest))
	}
	classes := make([]string, 0, len(stats.ByClass))
	for c := range stats.ByClass {
		classes = append(classes, c)
	}
	sort.Strings(classes)
	for _, c := range classes {
		fmt.Printf("  %-16s %d\n", c, stats.ByClass[c])
	}
	return nil
}
