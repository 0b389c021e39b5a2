// Package feed reads provider exports (JSON array, JSON lines, CSV and XLSX)
// into source records for the ingest runner.
package feed

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/reelhouse/catalog-cli/internal/model"
)

// Format names a supported export layout.
type Format string

const (
	FormatJSON  Format = "json"
	FormatJSONL Format = "jsonl"
	FormatCSV   Format = "csv"
	FormatXLSX  Format = "xlsx"
)

// ParseFormat accepts a format name or a file extension.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ".")) {
	case "json":
		return FormatJSON, nil
	case "jsonl", "ndjson":
		return FormatJSONL, nil
	case "csv", "tsv":
		return FormatCSV, nil
	case "xlsx":
		return FormatXLSX, nil
	default:
		return "", eris.Errorf("feed: unsupported format %q", s)
	}
}

// DetectFormat infers the format from a file extension.
func DetectFormat(path string) (Format, error) {
	return ParseFormat(filepath.Ext(path))
}

// Options controls how an export is read.
type Options struct {
	// Format overrides extension-based detection.
	Format Format
	// Provider fills records that carry no provider tag.
	Provider string
	// Delimiter for CSV; defaults to ',' and to tab for .tsv files.
	Delimiter rune
	// Sheet selects an XLSX sheet by name; the first sheet otherwise.
	Sheet string
}

// ReadFile reads every record of the export at path.
func ReadFile(ctx context.Context, path string, opts Options) ([]model.SourceRecord, error) {
	if opts.Format == "" {
		f, err := DetectFormat(path)
		if err != nil {
			return nil, err
		}
		opts.Format = f
	}
	if opts.Delimiter == 0 && strings.EqualFold(filepath.Ext(path), ".tsv") {
		opts.Delimiter = '\t'
	}

	if opts.Format == FormatXLSX {
		rows, err := ReadXLSX(path, opts.Sheet)
		if err != nil {
			return nil, err
		}
		recs, err := fromRows(rows)
		return finish(recs, err, opts)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "feed: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	return Read(ctx, f, opts)
}

// Read reads a JSON, JSON lines or CSV export from r. XLSX needs a file and
// goes through ReadFile.
func Read(ctx context.Context, r io.Reader, opts Options) ([]model.SourceRecord, error) {
	var (
		recCh <-chan model.SourceRecord
		errCh <-chan error
	)
	switch opts.Format {
	case FormatJSON:
		recCh, errCh = DecodeJSONArray(ctx, r)
	case FormatJSONL:
		recCh, errCh = DecodeJSONLines(ctx, r)
	case FormatCSV:
		recCh, errCh = StreamCSV(ctx, r, opts.Delimiter)
	case FormatXLSX:
		return nil, eris.New("feed: xlsx must be read from a file")
	default:
		return nil, eris.Errorf("feed: unsupported format %q", opts.Format)
	}
	return collect(recCh, errCh, opts)
}

func collect(recCh <-chan model.SourceRecord, errCh <-chan error, opts Options) ([]model.SourceRecord, error) {
	var out []model.SourceRecord
	for rec := range recCh {
		out = append(out, rec)
	}
	return finish(out, <-errCh, opts)
}

func finish(recs []model.SourceRecord, err error, opts Options) ([]model.SourceRecord, error) {
	if err != nil {
		return nil, err
	}
	for i := range recs {
		if recs[i].Provider == "" {
			recs[i].Provider = opts.Provider
		}
		recs[i].Provider = strings.ToLower(strings.TrimSpace(recs[i].Provider))
	}
	return recs, nil
}
