package merge

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/reelhouse/catalog-cli/internal/model"
	"github.com/reelhouse/catalog-cli/internal/score"
)

// newRecord builds a record from a source that matched nothing.
func newRecord(src *model.SourceRecord, id string, now time.Time) *model.Record {
	rec := &model.Record{
		ID:            id,
		Type:          src.Type,
		Title:         strings.TrimSpace(src.Title),
		OriginalTitle: strings.TrimSpace(src.OriginalTitle),
		Overview:      src.Overview,
		Poster:        src.Poster,
		Runtime:       src.Runtime,
		Episodes:      src.Episodes,
		Seasons:       src.Seasons,
		IsAnime:       src.IsAnime,
		Providers:     map[string]model.ProviderData{src.Provider: src.ProviderData()},
		DataSources:   map[string]model.DataSource{src.Provider: {HasData: true, LastUpdated: now}},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if src.ReleaseDate != nil {
		d := *src.ReleaseDate
		rec.ReleaseDate = &d
	}
	rec.AlternativeTitles = alternativeTitles(rec.Title, nil, append([]string{src.OriginalTitle}, src.AlternativeTitles...))
	rec.Studios = UnionStrings(nil, src.Studios)
	rec.Genres = MergeGenres(nil, src.Genres)
	rec.UnifiedScore = score.ForRecord(rec)
	return rec
}

// Apply folds src into rec in place. Provider fields are overwritten;
// descriptive fields fill gaps, and title and overview also replace a
// shorter value when src is the trusted provider for the record's category.
// Set fields are unioned. Applying the same source twice with the same now
// leaves rec unchanged the second time.
func Apply(rec *model.Record, src *model.SourceRecord, now time.Time) {
	if rec.Providers == nil {
		rec.Providers = make(map[string]model.ProviderData)
	}
	rec.Providers[src.Provider] = src.ProviderData()

	rec.IsAnime = rec.IsAnime || src.IsAnime
	trusted := trustedProvider(rec) == src.Provider

	incoming := strings.TrimSpace(src.Title)
	titles := append([]string{incoming, src.OriginalTitle}, src.AlternativeTitles...)
	switch {
	case rec.Title == "":
		rec.Title = incoming
	case trusted && richer(incoming, rec.Title) && !strings.EqualFold(incoming, rec.Title):
		titles = append(titles, rec.Title)
		rec.Title = incoming
	}
	rec.AlternativeTitles = alternativeTitles(rec.Title, rec.AlternativeTitles, titles)

	if rec.OriginalTitle == "" {
		rec.OriginalTitle = strings.TrimSpace(src.OriginalTitle)
	}
	if rec.Overview == "" || (trusted && richer(src.Overview, rec.Overview)) {
		if src.Overview != "" {
			rec.Overview = src.Overview
		}
	}
	if rec.Poster == "" {
		rec.Poster = src.Poster
	}
	if rec.ReleaseDate == nil && src.ReleaseDate != nil {
		d := *src.ReleaseDate
		rec.ReleaseDate = &d
	}
	if rec.Runtime == 0 {
		rec.Runtime = src.Runtime
	}
	if rec.Episodes == 0 {
		rec.Episodes = src.Episodes
	}
	if rec.Seasons == 0 {
		rec.Seasons = src.Seasons
	}

	rec.Studios = UnionStrings(rec.Studios, src.Studios)
	rec.Genres = MergeGenres(rec.Genres, src.Genres)

	if rec.DataSources == nil {
		rec.DataSources = make(map[string]model.DataSource)
	}
	rec.DataSources[src.Provider] = model.DataSource{HasData: true, LastUpdated: now}
	rec.UpdatedAt = now
	rec.UnifiedScore = score.ForRecord(rec)
}

// trustedProvider is the higher-trust provider for the record's category:
// the anime-oriented provider for anime, the general provider otherwise.
func trustedProvider(rec *model.Record) string {
	if rec.IsAnime {
		return model.ProviderMAL
	}
	return model.ProviderTMDB
}

func richer(incoming, existing string) bool {
	return utf8.RuneCountInString(strings.TrimSpace(incoming)) > utf8.RuneCountInString(strings.TrimSpace(existing))
}

// alternativeTitles unions existing and incoming, dropping blanks, case-
// insensitive duplicates and anything equal to the primary title.
func alternativeTitles(primary string, existing, incoming []string) []string {
	out := UnionStrings(existing, incoming)
	kept := out[:0]
	for _, t := range out {
		if !strings.EqualFold(t, primary) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}

// UnionStrings appends the values of b missing from a, comparing trimmed
// values case-insensitively. Order is first-seen.
func UnionStrings(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	seen := make(map[string]bool, len(a)+len(b))
	for _, v := range append(append([]string(nil), a...), b...) {
		v = strings.TrimSpace(v)
		k := strings.ToLower(v)
		if v == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// MergeGenres unions genre lists. Two genres are the same when their
// non-zero ids match or their names match ignoring case; a matched entry
// without an id takes the incoming id.
func MergeGenres(a, b []model.Genre) []model.Genre {
	var out []model.Genre
	add := func(g model.Genre) {
		g.Name = strings.TrimSpace(g.Name)
		if g.ID == 0 && g.Name == "" {
			return
		}
		for i := range out {
			if !model.SameGenre(out[i], g) {
				continue
			}
			if out[i].ID == 0 && g.ID != 0 && !hasGenreID(out, g.ID) {
				out[i].ID = g.ID
			}
			if out[i].Name == "" {
				out[i].Name = g.Name
			}
			return
		}
		out = append(out, g)
	}
	for _, g := range a {
		add(g)
	}
	for _, g := range b {
		add(g)
	}
	return out
}

func hasGenreID(gs []model.Genre, id int) bool {
	for _, g := range gs {
		if g.ID == id {
			return true
		}
	}
	return false
}
