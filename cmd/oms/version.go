package main

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var (
	// Version is the release version, overridden by ldflags.
	Version = "0.3.0"
	// Build can be set via ldflags at compile time.
	Build = "dev"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		commit := resolveCommit()
		if jsonOutput {
			out := map[string]string{"version": Version, "build": Build}
			if commit != "" {
				out["commit"] = commit
			}
			outputJSON(out)
			return
		}
		if commit != "" {
			fmt.Printf("oms version %s (%s: %s)\n", Version, Build, commit)
			return
		}
		fmt.Printf("oms version %s (%s)\n", Version, Build)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func resolveCommit() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			if len(s.Value) > 12 {
				return s.Value[:12]
			}
			return s.Value
		}
	}
	return ""
}
