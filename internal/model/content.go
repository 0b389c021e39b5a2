// Package model defines the content record and the provider source types
// shared by the dedup/merge pipeline.
package model

import (
	"strings"
	"time"
)

// ContentType is the kind of work a record describes.
type ContentType string

const (
	ContentTypeMovie  ContentType = "movie"
	ContentTypeSeries ContentType = "series"
)

// Valid reports whether t is a known content type.
func (t ContentType) Valid() bool {
	return t == ContentTypeMovie || t == ContentTypeSeries
}

// ParseContentType maps provider spellings onto a ContentType. Unknown
// values return the empty type.
func ParseContentType(s string) ContentType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "movie", "film", "feature":
		return ContentTypeMovie
	case "series", "tv", "show", "tv_series", "ona", "ova":
		return ContentTypeSeries
	default:
		return ""
	}
}

// Provider tags. Provider A is the general movie/TV source, provider B the
// anime-oriented one.
const (
	ProviderTMDB = "tmdb"
	ProviderMAL  = "mal"
)

// KnownProvider reports whether tag names one of the two providers.
func KnownProvider(tag string) bool {
	return tag == ProviderTMDB || tag == ProviderMAL
}

// Genre is a taxonomy entry. ID is zero when the provider supplied none.
type Genre struct {
	ID   int    `json:"id,omitempty"`
	Name string `json:"name"`
}

// SameGenre reports whether two genres denote the same entry: equal non-zero
// ids, or equal names ignoring case.
func SameGenre(a, b Genre) bool {
	if a.ID != 0 && b.ID != 0 && a.ID == b.ID {
		return true
	}
	return a.Name != "" && strings.EqualFold(strings.TrimSpace(a.Name), strings.TrimSpace(b.Name))
}

// ProviderData holds the provider-specific fields of a record. Every field
// is overwritten wholesale when the same provider delivers new data.
type ProviderData struct {
	ExternalID string   `json:"external_id,omitempty"`
	Score      *float64 `json:"score,omitempty"`
	Votes      *int     `json:"votes,omitempty"`
	Rank       *int     `json:"rank,omitempty"`
	Popularity *float64 `json:"popularity,omitempty"`
	Status     string   `json:"status,omitempty"`
	URL        string   `json:"url,omitempty"`
}

// DataSource records whether a provider has contributed and when.
type DataSource struct {
	HasData     bool      `json:"has_data"`
	LastUpdated time.Time `json:"last_updated"`
}

// UserRating is the aggregate of in-app user ratings.
type UserRating struct {
	Average float64 `json:"average"`
	Count   int     `json:"count"`
}

// Record is the deduplicated content record.
type Record struct {
	ID   string      `json:"id"`
	Type ContentType `json:"type"`

	Title             string     `json:"title"`
	OriginalTitle     string     `json:"original_title,omitempty"`
	AlternativeTitles []string   `json:"alternative_titles,omitempty"`
	Overview          string     `json:"overview,omitempty"`
	Poster            string     `json:"poster,omitempty"`
	ReleaseDate       *time.Time `json:"release_date,omitempty"`
	Runtime           int        `json:"runtime,omitempty"`
	Episodes          int        `json:"episodes,omitempty"`
	Seasons           int        `json:"seasons,omitempty"`
	IsAnime           bool       `json:"is_anime,omitempty"`
	Studios           []string   `json:"studios,omitempty"`
	Genres            []Genre    `json:"genres,omitempty"`

	// Ratings
	Providers    map[string]ProviderData `json:"providers,omitempty"`
	UserRating   UserRating              `json:"user_rating"`
	UnifiedScore *float64                `json:"unified_score"`

	// Provenance
	DataSources map[string]DataSource `json:"data_sources,omitempty"`

	// Relationships
	Franchise string   `json:"franchise,omitempty"`
	Sequels   []string `json:"sequels,omitempty"`
	Prequels  []string `json:"prequels,omitempty"`
	Related   []string `json:"related,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Provider returns the provider data for tag, or nil when absent.
func (r *Record) Provider(tag string) *ProviderData {
	if r.Providers == nil {
		return nil
	}
	pd, ok := r.Providers[tag]
	if !ok {
		return nil
	}
	return &pd
}

// ExternalID returns the external id recorded for tag.
func (r *Record) ExternalID(tag string) string {
	if pd := r.Provider(tag); pd != nil {
		return pd.ExternalID
	}
	return ""
}

// Year returns the release year, or zero when unknown.
func (r *Record) Year() int {
	if r.ReleaseDate == nil {
		return 0
	}
	return r.ReleaseDate.Year()
}

// TitleFamily returns the title, original title and alternative titles in
// that order, skipping blanks.
func (r *Record) TitleFamily() []string {
	return titleFamily(r.Title, r.OriginalTitle, r.AlternativeTitles)
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	c := *r
	c.AlternativeTitles = cloneStrings(r.AlternativeTitles)
	c.Studios = cloneStrings(r.Studios)
	c.Sequels = cloneStrings(r.Sequels)
	c.Prequels = cloneStrings(r.Prequels)
	c.Related = cloneStrings(r.Related)
	if r.Genres != nil {
		c.Genres = append([]Genre(nil), r.Genres...)
	}
	if r.ReleaseDate != nil {
		d := *r.ReleaseDate
		c.ReleaseDate = &d
	}
	if r.UnifiedScore != nil {
		s := *r.UnifiedScore
		c.UnifiedScore = &s
	}
	if r.Providers != nil {
		c.Providers = make(map[string]ProviderData, len(r.Providers))
		for k, v := range r.Providers {
			c.Providers[k] = v
		}
	}
	if r.DataSources != nil {
		c.DataSources = make(map[string]DataSource, len(r.DataSources))
		for k, v := range r.DataSources {
			c.DataSources[k] = v
		}
	}
	return &c
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

func titleFamily(title, original string, alts []string) []string {
	out := make([]string, 0, 2+len(alts))
	for _, t := range append([]string{title, original}, alts...) {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
