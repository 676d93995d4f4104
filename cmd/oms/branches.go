package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ontoforge/oms/internal/docstore"
	"github.com/ontoforge/oms/internal/lock"
	"github.com/ontoforge/oms/internal/merge"
)

var branchesCmd = &cobra.Command{
	Use:   "branches",
	Short: "Manage schema branches",
}

var branchesCreateParent string

var branchesCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a branch",
	Long: `Create a branch from a parent's head commit. The new branch starts
ACTIVE and inherits the parent's schema tree.

Examples:
  oms branches create feature-x
  oms branches create hotfix --parent production`,
	Args: cobra.ExactArgs(1),
	RunE: runBranchesCreate,
}

var branchesDeleteForce bool

var branchesDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a branch",
	Long: `Delete a branch. Branches with live locks are never deletable;
protected branches (main, production, system prefixes) additionally
need --force.

Examples:
  oms branches delete feature-x
  oms branches delete production-old --force`,
	Args: cobra.ExactArgs(1),
	RunE: runBranchesDelete,
}

var branchesStateReason string

var branchesStateCmd = &cobra.Command{
	Use:   "state <branch> [<to>]",
	Short: "Show or change a branch's state",
	Long: `Without <to>, show the branch's current state and provenance. With
<to>, transition the branch. Only transitions in the lifecycle table
are allowed; ERROR must be reset to ACTIVE by an admin.

States: ACTIVE, LOCKED_FOR_WRITE, READY, MERGING, ERROR, ARCHIVED

Examples:
  oms branches state feature-x
  oms branches state feature-x ACTIVE --reason "reset after crash"`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runBranchesState,
}

var (
	branchesMergeStrategy string
	branchesMergeDryRun   bool
)

var branchesMergeCmd = &cobra.Command{
	Use:   "merge <source> <target>",
	Short: "Merge one branch into another",
	Long: `Three-way merge of source into target against their common ancestor.
Conflicts up to the configured severity threshold are auto-resolved;
anything above it blocks the merge and is listed for manual
resolution. --dry-run computes the result without persisting.

Strategies: AUTO (default), MERGE, SQUASH, REBASE, FAST_FORWARD,
OURS, THEIRS, MANUAL.

Examples:
  oms branches merge feature-x main
  oms branches merge feature-x main --dry-run
  oms branches merge hotfix production --strategy FAST_FORWARD`,
	Args: cobra.ExactArgs(2),
	RunE: runBranchesMerge,
}

func init() {
	branchesCreateCmd.Flags().StringVar(&branchesCreateParent, "parent", docstore.DefaultBranch, "Parent branch")
	branchesDeleteCmd.Flags().BoolVar(&branchesDeleteForce, "force", false, "Delete even when protected")
	branchesStateCmd.Flags().StringVar(&branchesStateReason, "reason", "", "Reason recorded in the journal")
	branchesMergeCmd.Flags().StringVar(&branchesMergeStrategy, "strategy", "", "Merge strategy (default from config)")
	branchesMergeCmd.Flags().BoolVar(&branchesMergeDryRun, "dry-run", false, "Compute the merge without persisting")
	branchesCmd.AddCommand(branchesCreateCmd)
	branchesCmd.AddCommand(branchesDeleteCmd)
	branchesCmd.AddCommand(branchesStateCmd)
	branchesCmd.AddCommand(branchesMergeCmd)
	rootCmd.AddCommand(branchesCmd)
}

func runBranchesCreate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	s, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	info, err := s.branchService(false).CreateBranch(ctx, args[0], branchesCreateParent, resolveActor())
	if err != nil {
		return err
	}
	if jsonOutput {
		outputJSON(info)
		return nil
	}
	green := color.New(color.FgGreen).SprintFunc()
	fmt.Printf("%s created %s from %s (head %s)\n", green("✓"), info.Name, info.Parent, shortID(info.Head))
	return nil
}

func runBranchesDelete(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	s, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.branchService(false).DeleteBranch(ctx, args[0], resolveActor(), branchesDeleteForce); err != nil {
		return err
	}
	if jsonOutput {
		outputJSON(map[string]any{"deleted": args[0]})
		return nil
	}
	fmt.Printf("Deleted branch %s\n", args[0])
	return nil
}

func runBranchesState(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	s, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	branch := args[0]
	if len(args) == 1 {
		rec := s.locks.BranchState(ctx, branch)
		if jsonOutput {
			outputJSON(rec)
			return nil
		}
		fmt.Printf("%s: %s\n", branch, stateColor(rec.State))
		if !rec.ChangedAt.IsZero() {
			fmt.Printf("  since %s by %s\n", fmtTime(rec.ChangedAt), rec.ChangedBy)
		}
		if rec.Reason != "" {
			fmt.Printf("  reason: %s\n", rec.Reason)
		}
		return nil
	}

	to := lock.State(strings.ToUpper(args[1]))
	if err := s.locks.SetBranchState(ctx, branch, to, resolveActor(), branchesStateReason); err != nil {
		return err
	}
	if jsonOutput {
		outputJSON(map[string]any{"branch": branch, "state": to})
		return nil
	}
	fmt.Printf("%s is now %s\n", branch, stateColor(to))
	return nil
}

func runBranchesMerge(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	s, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	var strategy merge.Strategy
	if branchesMergeStrategy != "" {
		strategy = merge.ParseStrategy(branchesMergeStrategy)
	}
	res, err := s.branchService(branchesMergeDryRun).MergeBranches(ctx, args[0], args[1], strategy, resolveActor())
	if err != nil {
		return err
	}
	if jsonOutput {
		outputJSON(res)
		if res.Status != merge.StatusSuccess && res.Status != merge.StatusFastForward && res.Status != merge.StatusDryRunSuccess {
			return fmt.Errorf("merge %s", res.Status)
		}
		return nil
	}

	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	switch res.Status {
	case merge.StatusSuccess, merge.StatusFastForward:
		fmt.Printf("%s merged %s into %s (%s, commit %s)\n",
			green("✓"), args[0], args[1], res.Status, shortID(res.MergeCommit))
	case merge.StatusDryRunSuccess:
		fmt.Printf("%s dry run clean: %s would merge into %s\n", green("✓"), args[0], args[1])
	default:
		fmt.Printf("%s merge %s\n", red("✗"), res.Status)
	}
	st := res.Statistics
	fmt.Printf("  +%d ~%d -%d, %d conflict(s), %d auto-resolved\n",
		st.Added, st.Modified, st.Removed, st.ConflictsFound, res.AutoResolved)
	for _, w := range res.Warnings {
		fmt.Printf("  %s %s\n", yellow("warning:"), w)
	}

	unresolved := 0
	for _, c := range res.Conflicts {
		if c.AutoResolvable {
			continue
		}
		unresolved++
		fmt.Printf("  %s [%s/%s] %s\n", red(c.ID), c.Type, c.Severity, c.Path)
		if c.SuggestedResolution != "" {
			fmt.Printf("      %s\n", c.SuggestedResolution)
		}
	}
	if res.Status != merge.StatusSuccess && res.Status != merge.StatusFastForward && res.Status != merge.StatusDryRunSuccess {
		return fmt.Errorf("merge %s: %d conflict(s) need manual resolution", res.Status, unresolved)
	}
	return nil
}

func stateColor(st lock.State) string {
	switch st {
	case lock.StateActive, lock.StateReady:
		return color.GreenString(string(st))
	case lock.StateError:
		return color.RedString(string(st))
	case lock.StateArchived:
		return string(st)
	default:
		return color.YellowString(string(st))
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
