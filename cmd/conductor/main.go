// Package main provides the CLI entry point for Conductor, a
// coding-assistant agent orchestrator: it drives an iterative conversation
// with a tool-using language model, dispatches tool calls to local
// executors and background plugin daemons, and feeds results back until
// the model produces a terminal text reply.
//
// # Basic Usage
//
// Run one conversation turn:
//
//	conductor chat --config conductor.yaml "summarize internal/loop.go"
//
// Interactive session:
//
//	conductor chat --config conductor.yaml
//
// # Environment Variables
//
//   - CONDUCTOR_CONFIG: Path to configuration file (default: conductor.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key
//   - OPENAI_API_KEY: OpenAI API key
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "conductor",
		Short:         "Conductor coding-assistant agent orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to configuration file")

	rootCmd.AddCommand(buildChatCmd(&configPath))
	rootCmd.AddCommand(buildVersionCmd())
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("conductor %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

func defaultConfigPath() string {
	if path := os.Getenv("CONDUCTOR_CONFIG"); path != "" {
		return path
	}
	return "conductor.yaml"
}
