package archive

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fe-malveira-87/poc-juma-etl/pkg/tests"
)

func testRecords() []json.RawMessage {
	return []json.RawMessage{
		json.RawMessage(`{"id":1,"EMPRESA":3}`),
		json.RawMessage(`{"id":2,"EMPRESA":4}`),
	}
}

func gunzipLines(t *testing.T, r io.Reader) []string {
	t.Helper()
	gr, err := gzip.NewReader(r)
	require.NoError(t, err)
	var lines []string
	scanner := bufio.NewScanner(gr)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestArchiveToLocalSink(t *testing.T) {
	dir, teardown := tests.WithTmpDir(t)
	defer teardown()

	a, err := ArchiverFromConfig(ArchiverConfig{URL: "file://" + dir})
	require.NoError(t, err)
	a.now = func() time.Time { return time.Date(2024, 1, 15, 4, 0, 0, 0, time.UTC) }

	err = a.Archive(context.Background(), "DOCUMENTOS_FISCAIS_SAIDA", "run-1",
		"2024-01-01..2024-01-31", testRecords())
	require.NoError(t, err)

	path := filepath.Join(dir, "DOCUMENTOS_FISCAIS_SAIDA", "2024", "01",
		"run-1-2024-01-01..2024-01-31.ndjson.gz")
	f, err := ioutil.ReadFile(path)
	require.NoError(t, err)

	lines := gunzipLines(t, bytes.NewReader(f))
	require.Equal(t, []string{`{"id":1,"EMPRESA":3}`, `{"id":2,"EMPRESA":4}`}, lines)
}

func TestArchiveToS3Sink(t *testing.T) {
	var gotKey, gotBucket string
	var gotLines []string
	s := &s3Sink{
		Bucket: "acme-extracts",
		Prefix: "juma",
		sendToS3Func: func(ctx context.Context, key string, bucket string, body io.Reader) error {
			gotKey = key
			gotBucket = bucket
			gotLines = nil
			gr, err := gzip.NewReader(body)
			if err != nil {
				return err
			}
			scanner := bufio.NewScanner(gr)
			for scanner.Scan() {
				gotLines = append(gotLines, scanner.Text())
			}
			return scanner.Err()
		},
	}
	a := &Archiver{sink: s, now: func() time.Time {
		return time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	}}

	err := a.Archive(context.Background(), "CAD_LOJAS", "run-9", "full", testRecords())
	require.NoError(t, err)
	require.Equal(t, "acme-extracts", gotBucket)
	require.Equal(t, "juma/CAD_LOJAS/2024/02/run-9-full.ndjson.gz", gotKey)
	require.Len(t, gotLines, 2)
}

func TestArchiveSkipsEmptyBatches(t *testing.T) {
	a := &Archiver{sink: &s3Sink{
		sendToS3Func: func(context.Context, string, string, io.Reader) error {
			t.Fatal("should not upload empty batches")
			return nil
		},
	}, now: time.Now}
	require.NoError(t, a.Archive(context.Background(), "CAD_LOJAS", "run-1", "full", nil))
}

func TestSinkFromURL(t *testing.T) {
	s, err := sinkFromURL("file:///tmp/archives")
	require.NoError(t, err)
	require.IsType(t, &localSink{}, s)

	s, err = sinkFromURL("s3://bucket/some/prefix")
	require.NoError(t, err)
	require.Equal(t, &s3Sink{Bucket: "bucket", Prefix: "some/prefix"}, s)

	_, err = sinkFromURL("gopher://nope")
	require.Error(t, err)
}
