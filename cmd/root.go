package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

// Execute runs the CLI with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	root := newRootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "combo-gateway",
		Short: "Multi-vendor LLM gateway with account fallback",
		Long: "combo-gateway accepts OpenAI, Claude, Gemini and Cloud Code requests, " +
			"translates them for the upstream account picked from a combo and falls back " +
			"across accounts on quota, auth and transient failures.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newTranslateCmd())
	return root
}
