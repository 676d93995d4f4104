package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "Inspect and administer branch locks",
}

var locksListBranch string

var locksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live locks",
	Long: `List live lock leases, everywhere or on one branch.

Expired leases the sweepers have not reclaimed yet are excluded.

Examples:
  oms locks list
  oms locks list --branch feature-x`,
	Args: cobra.NoArgs,
	RunE: runLocksList,
}

var locksForceReason string

var locksForceUnlockCmd = &cobra.Command{
	Use:   "force-unlock <branch>",
	Short: "Release every lock on a branch",
	Long: `Release all locks on a branch regardless of holder. Each release is
audited as FORCED with the given reason.

Examples:
  oms locks force-unlock feature-x --reason "holder crashed"`,
	Args: cobra.ExactArgs(1),
	RunE: runLocksForceUnlock,
}

func init() {
	locksListCmd.Flags().StringVar(&locksListBranch, "branch", "", "Limit to one branch")
	locksForceUnlockCmd.Flags().StringVar(&locksForceReason, "reason", "", "Reason recorded in the audit trail")
	locksCmd.AddCommand(locksListCmd)
	locksCmd.AddCommand(locksForceUnlockCmd)
	rootCmd.AddCommand(locksCmd)
}

func runLocksList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	s, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	locks := s.locks.ActiveLocks(ctx, locksListBranch)
	if jsonOutput {
		outputJSON(locks)
		return nil
	}
	if len(locks) == 0 {
		fmt.Println("No live locks.")
		return nil
	}

	cyan := color.New(color.FgCyan).SprintFunc()
	for _, l := range locks {
		scope := string(l.Scope)
		if l.ResourceType != "" {
			scope += ":" + l.ResourceType
			if l.ResourceID != "" {
				scope += "/" + l.ResourceID
			}
		}
		hb := "-"
		if l.HeartbeatInterval > 0 {
			last := l.LastHeartbeat
			if last.IsZero() {
				last = l.AcquiredAt
			}
			hb = fmtAge(last)
		}
		fmt.Printf("%s  %-12s %-32s %-20s holder=%s expires=%s heartbeat=%s\n",
			cyan(l.ID), l.Kind, scope, l.Branch, l.HolderID, fmtIn(l.ExpiresAt), hb)
	}

	stats := s.locks.Stats(ctx)
	fmt.Printf("\n%d live, %d expired awaiting sweep\n", stats.Total-stats.Expired, stats.Expired)
	return nil
}

func runLocksForceUnlock(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	s, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	branch := args[0]
	n, err := s.locks.ForceUnlock(ctx, branch, resolveActor(), locksForceReason)
	if err != nil {
		return err
	}
	if jsonOutput {
		outputJSON(map[string]any{"branch": branch, "released": n})
		return nil
	}
	if n == 0 {
		fmt.Printf("No locks held on %s.\n", branch)
		return nil
	}
	green := color.New(color.FgGreen).SprintFunc()
	fmt.Printf("%s released %d lock(s) on %s\n", green("✓"), n, branch)
	return nil
}
