// Package factcheck decides whether an incoming provider record and a stored
// candidate describe the same work.
package factcheck

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/reelhouse/catalog-cli/internal/model"
)

// Thresholds are the maximum tolerated differences between two records of
// the same work.
type Thresholds struct {
	MovieYears     int `yaml:"movie_years" mapstructure:"movie_years"`
	SeriesYears    int `yaml:"series_years" mapstructure:"series_years"`
	Episodes       int `yaml:"episodes" mapstructure:"episodes"`
	RuntimeMinutes int `yaml:"runtime_minutes" mapstructure:"runtime_minutes"`
}

// Profile names.
const (
	ProfileLenient = "lenient"
	ProfileStrict  = "strict"
)

// Lenient favors merging across providers whose metadata overlap is
// partial, at the cost of more false merges.
func Lenient() Thresholds {
	return Thresholds{MovieYears: 2, SeriesYears: 3, Episodes: 10, RuntimeMinutes: 45}
}

// Strict is the tighter tolerance set.
func Strict() Thresholds {
	return Thresholds{MovieYears: 1, SeriesYears: 2, Episodes: 5, RuntimeMinutes: 30}
}

// ForProfile returns the thresholds of a named profile. Unknown names fall
// back to Lenient.
func ForProfile(name string) Thresholds {
	if strings.EqualFold(name, ProfileStrict) {
		return Strict()
	}
	return Lenient()
}

// Verdict is the outcome of a fact check. Reason names the criterion that
// rejected the pair, or summarizes the checks that passed.
type Verdict struct {
	Same   bool
	Reason string
}

// Checker runs the same-content heuristics.
type Checker struct {
	th Thresholds
}

// New creates a Checker. Zero thresholds are replaced by the lenient ones.
func New(th Thresholds) *Checker {
	def := Lenient()
	if th.MovieYears <= 0 {
		th.MovieYears = def.MovieYears
	}
	if th.SeriesYears <= 0 {
		th.SeriesYears = def.SeriesYears
	}
	if th.Episodes <= 0 {
		th.Episodes = def.Episodes
	}
	if th.RuntimeMinutes <= 0 {
		th.RuntimeMinutes = def.RuntimeMinutes
	}
	return &Checker{th: th}
}

// Thresholds returns the active thresholds.
func (c *Checker) Thresholds() Thresholds {
	return c.th
}

// IsSameContent reports whether incoming and candidate denote the same work.
// Content type must match. Every other rule is skipped when either side
// lacks the data it needs, so missing fields never reject a pair.
func (c *Checker) IsSameContent(incoming, candidate *model.Record) Verdict {
	v := c.check(incoming, candidate)
	if !v.Same {
		zap.L().Debug("factcheck: rejected candidate",
			zap.String("title", incoming.Title),
			zap.String("candidate_id", candidate.ID),
			zap.String("candidate_title", candidate.Title),
			zap.String("reason", v.Reason),
		)
	}
	return v
}

func (c *Checker) check(a, b *model.Record) Verdict {
	if a.Type != b.Type {
		return reject("type mismatch: %s vs %s", a.Type, b.Type)
	}

	var passed []string

	if ya, yb := a.Year(), b.Year(); ya > 0 && yb > 0 {
		limit := c.th.MovieYears
		if a.Type == model.ContentTypeSeries {
			limit = c.th.SeriesYears
		}
		if d := absDiff(ya, yb); d > limit {
			return reject("release year differs by %d (max %d)", d, limit)
		}
		passed = append(passed, "year")
	}

	if len(a.Genres) > 0 && len(b.Genres) > 0 {
		if !shareGenre(a.Genres, b.Genres) {
			return reject("no common genre")
		}
		passed = append(passed, "genre")
	}

	switch a.Type {
	case model.ContentTypeSeries:
		if a.Episodes > 0 && b.Episodes > 0 {
			if d := absDiff(a.Episodes, b.Episodes); d > c.th.Episodes {
				return reject("episode count differs by %d (max %d)", d, c.th.Episodes)
			}
			passed = append(passed, "episodes")
		}
	case model.ContentTypeMovie:
		if a.Runtime > 0 && b.Runtime > 0 {
			if d := absDiff(a.Runtime, b.Runtime); d > c.th.RuntimeMinutes {
				return reject("runtime differs by %d min (max %d)", d, c.th.RuntimeMinutes)
			}
			passed = append(passed, "runtime")
		}
	}

	reason := "type"
	if len(passed) > 0 {
		reason += "," + strings.Join(passed, ",")
	}
	return Verdict{Same: true, Reason: reason}
}

// shareGenre reports whether any genre of a is the same entry as one of b:
// equal non-zero ids or equal names ignoring case.
func shareGenre(a, b []model.Genre) bool {
	for _, x := range a {
		for _, y := range b {
			if model.SameGenre(x, y) {
				return true
			}
		}
	}
	return false
}

func reject(format string, args ...any) Verdict {
	return Verdict{Reason: fmt.Sprintf(format, args...)}
}

func absDiff(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}
