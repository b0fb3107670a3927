// Package main provides the rolecall CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/richinex/rolecall/cli"
)

var (
	// Global flags
	configPath string
	verbose    bool
)

func main() {
	// Load .env file if present (ignore "file not found" errors)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load .env file: %v\n", err)
		}
	}

	rootCmd := &cobra.Command{
		Use:   "rolecall",
		Short: "Role-based AI completion dispatch with retry and fallback",
		Long: `A CLI for sending completion requests through a role sequence.

Each role (main, research, fallback) maps to a backend and model. Transient
failures are retried with exponential backoff; a failing role falls over to
the next one in the sequence.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML roles file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show verbose output")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(rolesCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	opts := cli.DefaultOptions()

	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Send a prompt through the role sequence",
		Long: `Send a prompt through the role sequence starting at --role.

Kinds:
- text:         plain completion
- object:       JSON document (use --schema to constrain it)
- streamText:   streamed completion printed as it arrives
- streamObject: streamed JSON; with --path/--expect items are printed as parsed`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := cli.NewLogger(verbose)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			opts.ConfigPath = configPath
			opts.Verbose = verbose
			return cli.Run(ctx, args[0], logger, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Role, "role", "r", opts.Role, "Initial role (main, research, fallback)")
	cmd.Flags().StringVarP(&opts.Kind, "kind", "k", opts.Kind, "Request kind (text, object, streamText, streamObject)")
	cmd.Flags().StringVar(&opts.System, "system", "", "System prompt")
	cmd.Flags().StringVar(&opts.SchemaPath, "schema", "", "Path to a JSON schema for object kinds")
	cmd.Flags().StringVar(&opts.ItemPath, "path", "", "Dot path to the item array in object results")
	cmd.Flags().IntVar(&opts.Expect, "expect", 0, "Expected number of items")
	cmd.Flags().StringVar(&opts.LedgerPath, "ledger", "", "SQLite file recording every attempt")
	cmd.Flags().DurationVar(&opts.Timeout, "stream-timeout", 2*time.Minute, "Bound on stream consumption")

	return cmd
}

func rolesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "roles [role]",
		Short: "Show the role sequence and what each role resolves to",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			requested := "main"
			if len(args) == 1 {
				requested = args[0]
			}

			logger := zap.NewNop()
			if verbose {
				l, err := cli.NewLogger(true)
				if err != nil {
					return err
				}
				logger = l
			}
			return cli.Roles(cmd.OutOrStdout(), requested, configPath, logger)
		},
	}
}
