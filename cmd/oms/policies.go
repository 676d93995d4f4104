package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var policiesCmd = &cobra.Command{
	Use:   "policies",
	Short: "Snapshot and verify policy files",
}

var policiesSnapshotCmd = &cobra.Command{
	Use:   "snapshot <dir>",
	Short: "Record baseline fingerprints of a policy directory",
	Long: `Fingerprint every policy file under dir and store the snapshots as
the tamper-detection baseline. Existing snapshots for changed files
are replaced; each replacement is audited.

Examples:
  oms policies snapshot /etc/oms/policies`,
	Args: cobra.ExactArgs(1),
	RunE: runPoliciesSnapshot,
}

var policiesVerifyCmd = &cobra.Command{
	Use:   "verify <dir>",
	Short: "Verify a policy directory against its baseline",
	Long: `Compare every policy file under dir with its stored snapshot and
report modifications, deletions, and unknown additions. Exits
non-zero when tampering is found.

Examples:
  oms policies verify /etc/oms/policies`,
	Args: cobra.ExactArgs(1),
	RunE: runPoliciesVerify,
}

func init() {
	policiesCmd.AddCommand(policiesSnapshotCmd)
	policiesCmd.AddCommand(policiesVerifyCmd)
	rootCmd.AddCommand(policiesCmd)
}

func runPoliciesSnapshot(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	s, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	n, err := s.detector().Snapshot(ctx, args[0], resolveActor())
	if err != nil {
		return err
	}
	if jsonOutput {
		outputJSON(map[string]any{"dir": args[0], "snapshots": n})
		return nil
	}
	green := color.New(color.FgGreen).SprintFunc()
	fmt.Printf("%s recorded %d policy snapshot(s) from %s\n", green("✓"), n, args[0])
	return nil
}

func runPoliciesVerify(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	s, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	findings, err := s.detector().Verify(ctx, args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		outputJSON(findings)
		if len(findings) > 0 {
			return fmt.Errorf("policy tampering: %d finding(s)", len(findings))
		}
		return nil
	}
	if len(findings) == 0 {
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s policies match their baseline\n", green("✓"))
		return nil
	}
	red := color.New(color.FgRed).SprintFunc()
	for _, f := range findings {
		fmt.Printf("%s %-18s %s\n", red("✗"), f.Subtype, f.Path)
		if f.Detail != "" {
			fmt.Printf("    %s\n", f.Detail)
		}
	}
	return fmt.Errorf("policy tampering: %d finding(s)", len(findings))
}
