package feed

import (
	"context"
	"encoding/csv"
	"io"

	"github.com/rotisserie/eris"

	"github.com/reelhouse/catalog-cli/internal/model"
)

// StreamCSV reads a CSV export whose first row is the header and sends one
// record per data row. Both channels are closed when processing completes.
func StreamCSV(ctx context.Context, r io.Reader, delimiter rune) (<-chan model.SourceRecord, <-chan error) {
	outCh := make(chan model.SourceRecord, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		reader := csv.NewReader(r)
		if delimiter != 0 {
			reader.Comma = delimiter
		}
		reader.FieldsPerRecord = -1
		reader.LazyQuotes = true

		header, err := reader.Read()
		if err == io.EOF {
			return
		}
		if err != nil {
			errCh <- eris.Wrap(err, "feed: read csv header")
			return
		}
		dec, err := newRowDecoder(header)
		if err != nil {
			errCh <- err
			return
		}

		for line := 2; ; line++ {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "feed: context cancelled")
				return
			}
			row, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrapf(err, "feed: read csv row %d", line)
				return
			}
			if blank(row) {
				continue
			}
			rec, err := dec.decode(row, line)
			if err != nil {
				errCh <- err
				return
			}
			if !send(ctx, outCh, errCh, rec) {
				return
			}
		}
	}()

	return outCh, errCh
}
