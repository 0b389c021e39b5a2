package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/reelhouse/catalog-cli/internal/score"
)

var (
	unifyA    score.Source
	unifyB    score.Source
	unifyUser score.UserAggregate
)

// unifyResult is the output of the unify command and endpoint.
type unifyResult struct {
	UnifiedScore *float64 `json:"unified_score"`
}

var unifyCmd = &cobra.Command{
	Use:   "unify",
	Short: "Compute a unified score from provider and user ratings",
	Long:  "Sources are included only when their flags are set; omitted sources count as missing.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		flags := cmd.Flags()

		var a, b *score.Source
		var user *score.UserAggregate
		if flags.Changed("a-score") || flags.Changed("a-votes") {
			a = &unifyA
		}
		if flags.Changed("b-score") || flags.Changed("b-votes") {
			b = &unifyB
		}
		if flags.Changed("user-average") || flags.Changed("user-count") {
			user = &unifyUser
		}

		return json.NewEncoder(cmd.OutOrStdout()).Encode(unifyResult{UnifiedScore: score.Unify(a, b, user)})
	},
}

func init() {
	unifyCmd.Flags().Float64Var(&unifyA.Score, "a-score", 0, "provider A (tmdb) average")
	unifyCmd.Flags().IntVar(&unifyA.Votes, "a-votes", 0, "provider A (tmdb) vote count")
	unifyCmd.Flags().Float64Var(&unifyB.Score, "b-score", 0, "provider B (mal) average")
	unifyCmd.Flags().IntVar(&unifyB.Votes, "b-votes", 0, "provider B (mal) vote count")
	unifyCmd.Flags().Float64Var(&unifyUser.Average, "user-average", 0, "in-app user rating average")
	unifyCmd.Flags().IntVar(&unifyUser.Count, "user-count", 0, "in-app user rating count")
	rootCmd.AddCommand(unifyCmd)
}
