package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "aiman",
		Short: "aiman - project execution engine for AI tools",
		Long: `aiman applies user-defined AI tools (command templates) to lists of
files. Projects run asynchronously under a concurrency ceiling, with
per-file results persisted so progress survives restarts.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
