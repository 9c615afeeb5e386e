package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/go-council/internal/config"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	config.LoadDotEnv(config.HomeDir())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "council",
		Short: "Multi-agent analysis council",
		Long: `council decomposes an analysis request across a roster of specialist agents,
routes their work through a priority message queue, supervises retries and
escalations, and merges the results into one report. Findings are kept in a
searchable knowledge base.

Environment:
  COUNCIL_HOME            Data directory (default: ~/.council)
  GEMINI_API_KEY          Google provider key
  ANTHROPIC_API_KEY       Anthropic provider key
  OPENAI_API_KEY          OpenAI and OpenAI-compatible provider key`,
		SilenceUsage: true,
	}
	root.AddCommand(
		newRunCmd(),
		newServeCmd(),
		newKnowledgeCmd(),
		newScheduleCmd(),
		newQueueCmd(),
		newDoctorCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "council %s\n", Version)
		},
	}
}

// interactive reports whether stdout is a terminal. Logs stay off the
// terminal in that case so command output is readable.
func interactive() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
