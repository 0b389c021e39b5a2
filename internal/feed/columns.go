package feed

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/reelhouse/catalog-cli/internal/model"
)

// listSep separates the values of a multi-valued cell.
const listSep = "|"

var columnAliases = map[string]string{
	"id":         "external_id",
	"name":       "title",
	"kind":       "type",
	"media_type": "type",
	"year":       "release_date",
	"released":   "release_date",
	"anime":      "is_anime",
	"synonyms":   "alternative_titles",
	"sequels":    "sequel_ids",
	"prequels":   "prequel_ids",
	"related":    "related_ids",
}

type setter func(rec *model.SourceRecord, v string) error

var columns = map[string]setter{
	"provider":           func(r *model.SourceRecord, v string) error { r.Provider = v; return nil },
	"external_id":        func(r *model.SourceRecord, v string) error { r.ExternalID = v; return nil },
	"title":              func(r *model.SourceRecord, v string) error { r.Title = v; return nil },
	"original_title":     func(r *model.SourceRecord, v string) error { r.OriginalTitle = v; return nil },
	"alternative_titles": func(r *model.SourceRecord, v string) error { r.AlternativeTitles = splitList(v); return nil },
	"overview":           func(r *model.SourceRecord, v string) error { r.Overview = v; return nil },
	"poster":             func(r *model.SourceRecord, v string) error { r.Poster = v; return nil },
	"type":               func(r *model.SourceRecord, v string) error { r.Type = contentType(v); return nil },
	"release_date":       func(r *model.SourceRecord, v string) error { r.ReleaseDate = model.Date(v); return nil },
	"runtime":            intField(func(r *model.SourceRecord) *int { return &r.Runtime }),
	"episodes":           intField(func(r *model.SourceRecord) *int { return &r.Episodes }),
	"seasons":            intField(func(r *model.SourceRecord) *int { return &r.Seasons }),
	"is_anime": func(r *model.SourceRecord, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return eris.Errorf("invalid boolean %q", v)
		}
		r.IsAnime = b
		return nil
	},
	"studios": func(r *model.SourceRecord, v string) error { r.Studios = splitList(v); return nil },
	"genres": func(r *model.SourceRecord, v string) error {
		r.Genres = parseGenres(v)
		return nil
	},
	"score": func(r *model.SourceRecord, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return eris.Errorf("invalid number %q", v)
		}
		r.Score = &f
		return nil
	},
	"votes": optionalInt(func(r *model.SourceRecord, n *int) { r.Votes = n }),
	"rank":  optionalInt(func(r *model.SourceRecord, n *int) { r.Rank = n }),
	"popularity": func(r *model.SourceRecord, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return eris.Errorf("invalid number %q", v)
		}
		r.Popularity = &f
		return nil
	},
	"status":      func(r *model.SourceRecord, v string) error { r.Status = v; return nil },
	"url":         func(r *model.SourceRecord, v string) error { r.URL = v; return nil },
	"franchise":   func(r *model.SourceRecord, v string) error { r.Franchise = v; return nil },
	"sequel_ids":  func(r *model.SourceRecord, v string) error { r.SequelIDs = splitList(v); return nil },
	"prequel_ids": func(r *model.SourceRecord, v string) error { r.PrequelIDs = splitList(v); return nil },
	"related_ids": func(r *model.SourceRecord, v string) error { r.RelatedIDs = splitList(v); return nil },
}

func intField(field func(*model.SourceRecord) *int) setter {
	return func(r *model.SourceRecord, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return eris.Errorf("invalid integer %q", v)
		}
		*field(r) = n
		return nil
	}
}

func optionalInt(set func(*model.SourceRecord, *int)) setter {
	return func(r *model.SourceRecord, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return eris.Errorf("invalid integer %q", v)
		}
		set(r, &n)
		return nil
	}
}

// rowDecoder maps the cells of a tabular export onto source records using
// its header row. Unknown columns are ignored.
type rowDecoder struct {
	names   []string
	setters []setter
}

func newRowDecoder(header []string) (*rowDecoder, error) {
	d := &rowDecoder{names: make([]string, len(header)), setters: make([]setter, len(header))}
	hasTitle := false
	for i, h := range header {
		name := columnName(h)
		d.names[i] = name
		d.setters[i] = columns[name]
		hasTitle = hasTitle || name == "title"
	}
	if !hasTitle {
		return nil, eris.New("feed: header has no title column")
	}
	return d, nil
}

func (d *rowDecoder) decode(row []string, line int) (model.SourceRecord, error) {
	var rec model.SourceRecord
	for i, cell := range row {
		if i >= len(d.setters) || d.setters[i] == nil {
			continue
		}
		v := strings.TrimSpace(cell)
		if v == "" {
			continue
		}
		if err := d.setters[i](&rec, v); err != nil {
			return rec, eris.Wrapf(err, "feed: row %d column %s", line, d.names[i])
		}
	}
	return rec, nil
}

func columnName(h string) string {
	h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
	h = strings.NewReplacer(" ", "_", "-", "_").Replace(h)
	if alias, ok := columnAliases[h]; ok {
		return alias
	}
	return h
}

// contentType maps provider spellings; unknown values are kept verbatim so
// validation reports them.
func contentType(v string) model.ContentType {
	if t := model.ParseContentType(v); t != "" {
		return t
	}
	return model.ContentType(strings.ToLower(strings.TrimSpace(v)))
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, listSep) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseGenres reads "16:Animation|Drama": an optional numeric id prefix,
// then the name.
func parseGenres(v string) []model.Genre {
	var out []model.Genre
	for _, item := range splitList(v) {
		g := model.Genre{Name: item}
		if idPart, name, ok := strings.Cut(item, ":"); ok {
			if id, err := strconv.Atoi(strings.TrimSpace(idPart)); err == nil {
				g = model.Genre{ID: id, Name: strings.TrimSpace(name)}
			}
		}
		out = append(out, g)
	}
	return out
}

// fromRows decodes a table whose first row is the header.
func fromRows(rows [][]string) ([]model.SourceRecord, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	d, err := newRowDecoder(rows[0])
	if err != nil {
		return nil, err
	}
	out := make([]model.SourceRecord, 0, len(rows)-1)
	for i, row := range rows[1:] {
		if blank(row) {
			continue
		}
		rec, err := d.decode(row, i+2)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
