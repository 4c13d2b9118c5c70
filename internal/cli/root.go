// Package cli implements the shm command-line interface using Cobra.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "shm",
	Short: "shm: escrow settlement and dispute arbitration engine",
	Long: `shm holds client funds in escrow against milestones, releases them on
approval and routes disputed funds through staked, scheduled arbitrators.

Data lives in $SHM_HOME (default ~/.shm).`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
