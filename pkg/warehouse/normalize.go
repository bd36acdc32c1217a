package warehouse

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/fe-malveira-87/poc-juma-etl/pkg/catalog"
)

const timestampFormat = "2006-01-02 15:04:05"

// dateLayouts are the shapes vendor date values show up in. Parse tolerates
// extra fractional seconds after the seconds element, so these cover the
// microsecond variants too.
var dateLayouts = []string{
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// NormalizeRecords converts raw vendor records into loadable rows:
// lowercased keys, date columns reformatted. Numbers pass through verbatim
// so large identifiers keep their digits.
func NormalizeRecords(records []json.RawMessage) ([]Row, error) {
	rows := make([]Row, 0, len(records))
	for i, rec := range records {
		row, err := normalizeRecord(rec)
		if err != nil {
			return nil, errors.Wrapf(err, "record %d", i)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func normalizeRecord(rec json.RawMessage) (Row, error) {
	dec := json.NewDecoder(bytes.NewReader(rec))
	dec.UseNumber()
	var m map[string]interface{}
	if err := dec.Decode(&m); err != nil {
		return nil, errors.Wrap(err, "decode record")
	}
	row := make(Row, len(m))
	for k, v := range m {
		key := strings.ToLower(k)
		if catalog.IsDateColumn(key) {
			v = normalizeDate(v)
		}
		row[key] = v
	}
	return row, nil
}

// normalizeDate reparses a vendor date into the canonical timestamp format.
// Anything unparseable becomes null rather than poisoning the load job.
func normalizeDate(v interface{}) interface{} {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(timestampFormat)
		}
	}
	return nil
}

// ndjson encodes rows as newline delimited JSON, the source format load
// jobs consume.
func ndjson(rows []Row) (io.Reader, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i, row := range rows {
		if err := enc.Encode(row); err != nil {
			return nil, errors.Wrapf(err, "encode row %d", i)
		}
	}
	return &buf, nil
}
