package feed

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"

	"github.com/reelhouse/catalog-cli/internal/model"
)

// wireRecord is the export layout of a source record. Dates arrive as
// YYYY-MM-DD and content types in provider spelling.
type wireRecord struct {
	model.SourceRecord
	Type        string `json:"type"`
	ReleaseDate string `json:"release_date"`
}

func (w *wireRecord) record() model.SourceRecord {
	rec := w.SourceRecord
	rec.Type = contentType(w.Type)
	rec.ReleaseDate = model.Date(w.ReleaseDate)
	return rec
}

// DecodeJSONArray streams the elements of a top-level JSON array.
// Both channels are closed when decoding completes.
func DecodeJSONArray(ctx context.Context, r io.Reader) (<-chan model.SourceRecord, <-chan error) {
	outCh := make(chan model.SourceRecord, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		dec := json.NewDecoder(r)
		tok, err := dec.Token()
		if err == io.EOF {
			return
		}
		if err != nil {
			errCh <- eris.Wrap(err, "feed: read opening token")
			return
		}
		if delim, ok := tok.(json.Delim); !ok || delim != '[' {
			errCh <- eris.Errorf("feed: expected '[', got %v", tok)
			return
		}

		for n := 1; dec.More(); n++ {
			var w wireRecord
			if err := dec.Decode(&w); err != nil {
				errCh <- eris.Wrapf(err, "feed: decode element %d", n)
				return
			}
			if !send(ctx, outCh, errCh, w.record()) {
				return
			}
		}

		if _, err := dec.Token(); err != nil && err != io.EOF {
			errCh <- eris.Wrap(err, "feed: read closing token")
		}
	}()

	return outCh, errCh
}

// DecodeJSONLines streams one record per non-blank line.
func DecodeJSONLines(ctx context.Context, r io.Reader) (<-chan model.SourceRecord, <-chan error) {
	outCh := make(chan model.SourceRecord, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for line := 1; sc.Scan(); line++ {
			b := bytes.TrimSpace(sc.Bytes())
			if len(b) == 0 {
				continue
			}
			var w wireRecord
			if err := json.Unmarshal(b, &w); err != nil {
				errCh <- eris.Wrapf(err, "feed: decode line %d", line)
				return
			}
			if !send(ctx, outCh, errCh, w.record()) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			errCh <- eris.Wrap(err, "feed: scan lines")
		}
	}()

	return outCh, errCh
}

func send(ctx context.Context, outCh chan<- model.SourceRecord, errCh chan<- error, rec model.SourceRecord) bool {
	select {
	case outCh <- rec:
		return true
	case <-ctx.Done():
		errCh <- eris.Wrap(ctx.Err(), "feed: context cancelled")
		return false
	}
}
