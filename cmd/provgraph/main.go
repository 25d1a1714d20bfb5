// Package main provides the provgraph binary entry point.
// Provgraph ingests web sources into a provenance-tracked knowledge
// graph and answers questions over it with byte-grounded citations.
package main

import (
	"fmt"
	"os"
	"runtime"

	// Register LLM providers via init()
	_ "github.com/c360studio/provgraph/llm/providers"

	"github.com/spf13/cobra"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "provgraph"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Provenance-tracked knowledge ingestion and retrieval",
		Long: `Provgraph ingests URLs through an extract-transform-load pipeline,
stores every artifact with full provenance, and answers questions with
citations grounded to exact byte ranges in the source documents.

It provides:
- Durable priority job queue with retry and cancellation
- Entity and relation extraction over chunked source text
- Retrieval-augmented answers with byte-grounded citations

serve runs the API and worker pool; ingest and query talk to a running
server; gc sweeps orphaned entities and expired jobs directly.`,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(serveCmd(&configPath, &logLevel))
	cmd.AddCommand(ingestCmd())
	cmd.AddCommand(queryCmd())
	cmd.AddCommand(gcCmd(&configPath, &logLevel))

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}
