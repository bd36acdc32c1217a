// Package warehouse loads extracted records into BigQuery. Loads go through
// batch load jobs with autodetected schemas; range deletes go through
// parameterized DML.
package warehouse

// Row is one normalized record: lowercase keys, vendor dates reformatted as
// plain timestamps.
type Row map[string]interface{}
