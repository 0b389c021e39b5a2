package main

import (
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/reelhouse/catalog-cli/internal/resilience"
)

var dlqFilter resilience.DLQFilter

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay dead-lettered records",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letter entries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initCatalog(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		entries, err := env.Store.ListDLQ(ctx, dlqFilter)
		if err != nil {
			return eris.Wrap(err, "list dlq")
		}
		if entries == nil {
			entries = []resilience.DLQEntry{}
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	},
}

var dlqReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-ingest due dead letter entries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initCatalog(ctx, "ingest")
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := env.Runner.Replay(ctx, dlqFilter)
		if err != nil {
			return eris.Wrap(err, "replay dlq")
		}

		remaining, err := env.Store.CountDLQ(ctx)
		if err != nil {
			return eris.Wrap(err, "count dlq")
		}
		zap.L().Info("dlq replay complete",
			zap.Int("processed", result.Processed),
			zap.Int("errors", result.Errors),
			zap.Int("remaining", remaining),
		)

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

func init() {
	for _, c := range []*cobra.Command{dlqListCmd, dlqReplayCmd} {
		c.Flags().StringVar(&dlqFilter.ErrorType, "error-type", "", "only transient or permanent entries")
		c.Flags().StringVar(&dlqFilter.Provider, "provider", "", "only entries from one provider")
		c.Flags().IntVar(&dlqFilter.Limit, "limit", 100, "maximum entries")
		dlqCmd.AddCommand(c)
	}
	rootCmd.AddCommand(dlqCmd)
}
