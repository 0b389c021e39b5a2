package main

import (
	"encoding/json"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/reelhouse/catalog-cli/internal/feed"
	"github.com/reelhouse/catalog-cli/internal/model"
)

var (
	ingestFile     string
	ingestFormat   string
	ingestProvider string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest a provider export into the catalog",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if ingestProvider != "" && !model.KnownProvider(ingestProvider) {
			return eris.Errorf("unknown provider %q (want %s or %s)", ingestProvider, model.ProviderTMDB, model.ProviderMAL)
		}

		opts := feed.Options{Provider: ingestProvider}
		if ingestFormat != "" {
			f, err := feed.ParseFormat(ingestFormat)
			if err != nil {
				return err
			}
			opts.Format = f
		}

		records, err := feed.ReadFile(ctx, ingestFile, opts)
		if err != nil {
			return eris.Wrap(err, "read feed")
		}

		env, err := initCatalog(ctx, "ingest")
		if err != nil {
			return err
		}
		defer env.Close()

		zap.L().Info("ingest starting",
			zap.String("file", ingestFile),
			zap.Int("records", len(records)),
		)

		result, runErr := env.Runner.Run(ctx, records)

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return eris.Wrap(err, "write result")
		}
		return runErr
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestFile, "file", "", "path to the provider export (required)")
	ingestCmd.Flags().StringVar(&ingestFormat, "format", "", "export format: json, jsonl, csv or xlsx (default from extension)")
	ingestCmd.Flags().StringVar(&ingestProvider, "provider", "", "provider tag for records that carry none (tmdb or mal)")
	_ = ingestCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(ingestCmd)
}
