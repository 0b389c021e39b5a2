// Package match finds stored records that may describe the same work as an
// incoming provider record.
package match

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/hbollon/go-edlib"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/reelhouse/catalog-cli/internal/factcheck"
	"github.com/reelhouse/catalog-cli/internal/model"
	"github.com/reelhouse/catalog-cli/internal/store"
	"github.com/reelhouse/catalog-cli/internal/title"
)

// Searcher is the store query the matcher needs.
type Searcher interface {
	FindByTitle(ctx context.Context, q store.TitleQuery) ([]model.Record, error)
}

// Candidate is a stored record accepted by the fact checker.
type Candidate struct {
	Record     model.Record
	Reason     string
	Similarity float64
}

// Options tunes the matcher.
type Options struct {
	// MaxCandidates caps the accepted candidates returned. Default: 10.
	MaxCandidates int `yaml:"max_candidates" mapstructure:"max_candidates"`
}

// Matcher runs title-variation searches and fact checks the hits.
type Matcher struct {
	search  Searcher
	checker *factcheck.Checker
	opts    Options
}

// New creates a Matcher.
func New(search Searcher, checker *factcheck.Checker, opts Options) *Matcher {
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = 10
	}
	if checker == nil {
		checker = factcheck.New(factcheck.Lenient())
	}
	return &Matcher{search: search, checker: checker, opts: opts}
}

// FindCandidates searches the store with every variation of the source's
// title family, keeps the first hit per record id and returns the hits the
// fact checker accepts, closest title first.
func (m *Matcher) FindCandidates(ctx context.Context, src *model.SourceRecord) ([]Candidate, error) {
	incoming := src.AsRecord()
	seen := make(map[string]bool)
	var out []Candidate

	for _, v := range Variations(src.TitleFamily()) {
		pattern := regexp.QuoteMeta(v)
		if _, err := regexp.Compile("(?i)" + pattern); err != nil {
			zap.L().Warn("match: skipping title variation",
				zap.String("variation", v),
				zap.Error(err),
			)
			continue
		}

		// Every hit is fact checked: a cap here could hide the real match
		// behind unrelated substring hits.
		hits, err := m.search.FindByTitle(ctx, store.TitleQuery{
			Type:    src.Type,
			Text:    v,
			Pattern: pattern,
		})
		if err != nil {
			return nil, eris.Wrapf(err, "match: search %q", v)
		}

		for i := range hits {
			hit := hits[i]
			if seen[hit.ID] {
				continue
			}
			seen[hit.ID] = true

			verdict := m.checker.IsSameContent(incoming, &hit)
			if !verdict.Same {
				continue
			}
			out = append(out, Candidate{
				Record:     hit,
				Reason:     fmt.Sprintf("title %q; %s", v, verdict.Reason),
				Similarity: Similarity(src.TitleFamily(), hit.TitleFamily()),
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Similarity > out[j].Similarity
	})
	if len(out) > m.opts.MaxCandidates {
		out = out[:m.opts.MaxCandidates]
	}
	return out, nil
}

// Variations expands every title of a family and returns the distinct
// variations in order, comparing case-insensitively.
func Variations(family []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, t := range family {
		for _, v := range title.Variations(t) {
			k := strings.ToLower(v)
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, v)
		}
	}
	return out
}

// Similarity is the best Jaro-Winkler similarity between the normalized
// keys of two title families.
func Similarity(a, b []string) float64 {
	var best float32
	for _, x := range a {
		kx := title.Key(x)
		for _, y := range b {
			if s := edlib.JaroWinklerSimilarity(kx, title.Key(y)); s > best {
				best = s
			}
		}
	}
	return float64(best)
}
