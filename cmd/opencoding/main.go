package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	noColor bool
	asUser  string
)

var rootCmd = &cobra.Command{
	Use:           "opencoding",
	Short:         "Annotate conversation traces against a failure-mode rubric",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&asUser, "user", "", "evaluator id sent as X-User-ID (default: server's auth.default_user)")

	rootCmd.AddCommand(startCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(importCmd, rubricCmd, tracesCmd, annotateCmd, annotationsCmd)
	rootCmd.AddCommand(statsCmd, exportCmd, configCmd, mcpCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

