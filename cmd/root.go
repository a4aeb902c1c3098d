// Package cmd implements the openclaw CLI using cobra.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

var projectRoot string

// rootCmd is the base command.
var rootCmd = &cobra.Command{
	Use:   "openclaw",
	Short: "openclaw — multi-agent workstation coordination core",
	Long:  "openclaw coordinates a tree of LLM-driven agents: message routing,\nturn scheduling, ingress services and a control surface, all on one host.",
}

// Execute runs the root command and exits on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = version
	rootCmd.PersistentFlags().StringVarP(&projectRoot, "root", "r", ".", "Project root directory")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(statusCmd)
}
