// Package cmd implements the ptl4ctl CLI commands.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	logLevel string
)

var rootCmd = &cobra.Command{
	Use:          "ptl4ctl",
	Short:        "Operator CLI for the Portals4 engine",
	Long:         `ptl4ctl boots network interfaces in-process and runs canned exchanges against them, for smoke-testing a build without a real fabric.`,
	Version:      Version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Logger level: debug, info, warn, error")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func printf(format string, args ...any) {
	fmt.Printf(format, args...)
}
