package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/reelhouse/catalog-cli/internal/model"
	"github.com/reelhouse/catalog-cli/internal/store"
)

var (
	rescoreType     string
	rescorePageSize int
)

var rescoreCmd = &cobra.Command{
	Use:   "rescore",
	Short: "Recompute the unified score of every record",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		filter := store.ListFilter{Limit: rescorePageSize}
		if rescoreType != "" {
			filter.Type = model.ParseContentType(rescoreType)
			if filter.Type == "" {
				return eris.Errorf("unknown content type %q", rescoreType)
			}
		}

		env, err := initCatalog(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		var scanned, changed, failed int
		for {
			page, err := env.Store.List(ctx, filter)
			if err != nil {
				return eris.Wrap(err, "list records")
			}
			for i := range page {
				scanned++
				ok, err := env.Engine.Rescore(ctx, page[i].ID)
				if err != nil {
					failed++
					zap.L().Error("rescore failed", zap.String("record_id", page[i].ID), zap.Error(err))
					continue
				}
				if ok {
					changed++
				}
			}
			if len(page) == 0 || len(page) < filter.Limit || ctx.Err() != nil {
				break
			}
			filter.AfterID = page[len(page)-1].ID
		}

		zap.L().Info("rescore complete",
			zap.Int("scanned", scanned),
			zap.Int("changed", changed),
			zap.Int("failed", failed),
		)
		fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d changed=%d failed=%d\n", scanned, changed, failed)
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "rescore cancelled")
		}
		return nil
	},
}

func init() {
	rescoreCmd.Flags().StringVar(&rescoreType, "type", "", "only rescore one content type (movie or series)")
	rescoreCmd.Flags().IntVar(&rescorePageSize, "page-size", 200, "records fetched per page")
	rootCmd.AddCommand(rescoreCmd)
}
