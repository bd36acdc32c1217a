// Package archive keeps the raw extracted record batches around as
// compressed NDJSON, next to nothing of which is ever read again until a
// load needs auditing.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/events/v2"
	"github.com/segmentio/stats/v4"
)

type (
	// Archiver writes one object per extracted batch, keyed by table, month
	// and run.
	Archiver struct {
		sink sink
		now  func() time.Time
	}
	ArchiverConfig struct {
		// URL selects the destination: file:///dir or s3://bucket/prefix.
		URL string
	}
)

func ArchiverFromConfig(config ArchiverConfig) (*Archiver, error) {
	if config.URL == "" {
		return nil, errors.New("archiver requires a destination URL")
	}
	s, err := sinkFromURL(config.URL)
	if err != nil {
		return nil, err
	}
	return &Archiver{sink: s, now: time.Now}, nil
}

// Archive stores a batch of raw records. The label distinguishes batches
// within one run, e.g. "full" or a date range.
func (a *Archiver) Archive(ctx context.Context, table, runID, label string, records []json.RawMessage) error {
	if len(records) == 0 {
		return nil
	}
	key := archiveKey(table, runID, label, a.now())
	gpr := newGZIPCompressionReader(ndjsonReader(records))

	start := time.Now()
	if err := a.sink.Put(ctx, key, gpr); err != nil {
		return errors.Wrapf(err, "archive %s", key)
	}
	stats.Observe("archive-upload-time", time.Since(start), stats.T("table", table))
	stats.Add("archive-bytes", gpr.bytesRead, stats.T("table", table))
	events.Debug("Archived %{count}d records to %{key}s (%{bytes}d compressed bytes)",
		len(records), key, gpr.bytesRead)
	return nil
}

func archiveKey(table, runID, label string, now time.Time) string {
	return fmt.Sprintf("%s/%s/%s-%s.ndjson.gz", table, now.UTC().Format("2006/01"), runID, label)
}

// ndjsonReader streams the records separated by newlines without copying
// them into a single buffer first.
func ndjsonReader(records []json.RawMessage) io.Reader {
	readers := make([]io.Reader, 0, len(records)*2)
	for _, rec := range records {
		readers = append(readers, bytes.NewReader(rec), strings.NewReader("\n"))
	}
	return io.MultiReader(readers...)
}
