// Package score computes the unified quality score of a content record from
// the two provider ratings and the in-app user aggregate.
package score

import (
	"math"

	"github.com/reelhouse/catalog-cli/internal/model"
)

// Source is one provider rating: the raw average and how many votes back it.
type Source struct {
	Score float64 `json:"score"`
	Votes int     `json:"votes"`
}

// UserAggregate is the in-app user rating average and sample count.
type UserAggregate struct {
	Average float64 `json:"average"`
	Count   int     `json:"count"`
}

// Inclusion thresholds. Provider votes must strictly exceed the threshold;
// the user aggregate needs at least MinUserRatings samples.
const (
	MinVotesA      = 10
	MinVotesB      = 100
	MinUserRatings = 5

	// UserWeightFactor discounts the user aggregate against provider sources.
	UserWeightFactor = 0.8
)

// Unify returns the vote-weighted mean of every source that passes its
// quality gate, or nil when none does. Each source weighs log10(votes);
// the user aggregate weighs 0.8*log10(count). When several sources are
// present the provider gates tighten (A: >10 votes, B: >100 votes); a sole
// provider only needs one vote.
func Unify(a, b *Source, user *UserAggregate) *float64 {
	aOK, bOK, uOK := usable(a), usable(b), usableUser(user)

	present := 0
	for _, ok := range []bool{aOK, bOK, uOK} {
		if ok {
			present++
		}
	}
	multi := present >= 2

	var scores, weights []float64
	if aOK && a.Votes > voteGate(MinVotesA, multi) {
		scores = append(scores, a.Score)
		weights = append(weights, voteWeight(a.Votes))
	}
	if bOK && b.Votes > voteGate(MinVotesB, multi) {
		scores = append(scores, b.Score)
		weights = append(weights, voteWeight(b.Votes))
	}
	if uOK && user.Count >= MinUserRatings {
		scores = append(scores, user.Average)
		weights = append(weights, voteWeight(user.Count)*UserWeightFactor)
	}

	if len(scores) == 0 {
		return nil
	}

	var sum, total float64
	for i, s := range scores {
		sum += s * weights[i]
		total += weights[i]
	}

	var result float64
	if total > 0 {
		result = sum / total
	} else {
		// Every included source has a single vote: fall back to the plain mean.
		var plain float64
		for _, s := range scores {
			plain += s
		}
		result = plain / float64(len(scores))
	}

	if !finite(result) {
		return nil
	}
	return &result
}

// ForRecord computes the unified score from the provider and user fields of r.
func ForRecord(r *model.Record) *float64 {
	return Unify(
		providerSource(r.Provider(model.ProviderTMDB)),
		providerSource(r.Provider(model.ProviderMAL)),
		&UserAggregate{Average: r.UserRating.Average, Count: r.UserRating.Count},
	)
}

func providerSource(pd *model.ProviderData) *Source {
	if pd == nil || pd.Score == nil || pd.Votes == nil {
		return nil
	}
	return &Source{Score: *pd.Score, Votes: *pd.Votes}
}

func voteGate(multiSourceMin int, multi bool) int {
	if multi {
		return multiSourceMin
	}
	return 0
}

func voteWeight(votes int) float64 {
	return math.Log10(math.Max(float64(votes), 1))
}

func usable(s *Source) bool {
	return s != nil && finite(s.Score) && s.Score > 0
}

func usableUser(u *UserAggregate) bool {
	return u != nil && u.Count > 0 && finite(u.Average) && u.Average > 0
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
