package model

import "time"

// SourceRecord is one provider record, already normalized by a provider
// adapter, entering the pipeline.
type SourceRecord struct {
	Provider   string `json:"provider"`
	ExternalID string `json:"external_id"`

	Title             string      `json:"title"`
	OriginalTitle     string      `json:"original_title,omitempty"`
	AlternativeTitles []string    `json:"alternative_titles,omitempty"`
	Overview          string      `json:"overview,omitempty"`
	Poster            string      `json:"poster,omitempty"`
	Type              ContentType `json:"type"`
	ReleaseDate       *time.Time  `json:"release_date,omitempty"`
	Runtime           int         `json:"runtime,omitempty"`
	Episodes          int         `json:"episodes,omitempty"`
	Seasons           int         `json:"seasons,omitempty"`
	IsAnime           bool        `json:"is_anime,omitempty"`
	Studios           []string    `json:"studios,omitempty"`
	Genres            []Genre     `json:"genres,omitempty"`

	Score      *float64 `json:"score,omitempty"`
	Votes      *int     `json:"votes,omitempty"`
	Rank       *int     `json:"rank,omitempty"`
	Popularity *float64 `json:"popularity,omitempty"`
	Status     string   `json:"status,omitempty"`
	URL        string   `json:"url,omitempty"`

	// Relation hints, given as external ids of the same provider.
	Franchise  string   `json:"franchise,omitempty"`
	SequelIDs  []string `json:"sequel_ids,omitempty"`
	PrequelIDs []string `json:"prequel_ids,omitempty"`
	RelatedIDs []string `json:"related_ids,omitempty"`
}

// Year returns the release year, or zero when unknown.
func (s *SourceRecord) Year() int {
	if s.ReleaseDate == nil {
		return 0
	}
	return s.ReleaseDate.Year()
}

// TitleFamily returns the title, original title and alternative titles in
// that order, skipping blanks.
func (s *SourceRecord) TitleFamily() []string {
	return titleFamily(s.Title, s.OriginalTitle, s.AlternativeTitles)
}

// ProviderData extracts the provider-specific fields of the source.
func (s *SourceRecord) ProviderData() ProviderData {
	return ProviderData{
		ExternalID: s.ExternalID,
		Score:      s.Score,
		Votes:      s.Votes,
		Rank:       s.Rank,
		Popularity: s.Popularity,
		Status:     s.Status,
		URL:        s.URL,
	}
}

// AsRecord projects the source onto a transient record with the source
// fields, used when comparing a source with stored candidates.
func (s *SourceRecord) AsRecord() *Record {
	return &Record{
		Type:              s.Type,
		Title:             s.Title,
		OriginalTitle:     s.OriginalTitle,
		AlternativeTitles: cloneStrings(s.AlternativeTitles),
		Overview:          s.Overview,
		ReleaseDate:       s.ReleaseDate,
		Runtime:           s.Runtime,
		Episodes:          s.Episodes,
		Seasons:           s.Seasons,
		IsAnime:           s.IsAnime,
		Genres:            append([]Genre(nil), s.Genres...),
	}
}

// Date parses a YYYY-MM-DD (or bare YYYY) release date. Blank or malformed
// input yields nil.
func Date(s string) *time.Time {
	for _, layout := range []string{"2006-01-02", time.RFC3339, "2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
