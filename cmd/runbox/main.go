// Runbox runs untrusted code snippets and repository pipelines in
// throwaway sandboxes.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"

	"github.com/jkaninda/runbox/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "runbox",
	Short: "Runbox, sandboxed execution of code snippets and repositories.",
	Long: `Runbox validates submitted code against a security policy, runs it in an
isolated sandbox with CPU, memory, disk and network limits, and reports the
captured output. Repositories are cloned, inspected for their runtime and
taken through install, build and test steps.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file")
	rootCmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	rootCmd.AddCommand(serveCmd, execCmd, analyzeCmd, historyCmd, sweepCmd, mcpCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
