// Package logs gives each ETL job its own on-disk log file alongside the
// process-wide structured logs.
package logs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fe-malveira-87/poc-juma-etl/pkg/units"
	"github.com/pkg/errors"
	"github.com/segmentio/events/v2"
)

// DefaultMaxBytes caps each per-table log file before rotation.
const DefaultMaxBytes = 8 * units.MEGABYTE

type (
	// Dir hands out per-table loggers writing under one log directory.
	Dir struct {
		path     string
		maxBytes int
	}
	DirConfig struct {
		Path     string
		MaxBytes int
	}
)

func DirFromConfig(config DirConfig) (*Dir, error) {
	if config.Path == "" {
		return nil, errors.New("log dir requires a path")
	}
	if err := os.MkdirAll(config.Path, 0755); err != nil {
		return nil, errors.Wrap(err, "create log dir")
	}
	d := &Dir{path: config.Path, maxBytes: config.MaxBytes}
	if d.maxBytes <= 0 {
		d.maxBytes = DefaultMaxBytes
	}
	return d, nil
}

// Logger builds a logger for one table. Lines go both to the process
// default handler and to logs/etl_<TABLE>.log. The returned writer must be
// closed when the job finishes.
func (d *Dir) Logger(table string, debug bool) (*events.Logger, *SizedLineWriter) {
	w := &SizedLineWriter{
		Path:       filepath.Join(d.path, fmt.Sprintf("etl_%s.log", table)),
		RotateSize: d.maxBytes,
	}
	handler := events.MultiHandler(events.DefaultHandler, &fileHandler{w: w})
	l := events.NewLogger(handler).With(events.Args{{Name: "table", Value: table}})
	l.EnableDebug = debug
	return l, w
}

// fileHandler renders events as single lines for the per-table file.
type fileHandler struct {
	w *SizedLineWriter
}

func (h *fileHandler) HandleEvent(e *events.Event) {
	var b strings.Builder
	b.WriteString(e.Time.UTC().Format(time.RFC3339))
	if e.Debug {
		b.WriteString(" DEBUG")
	}
	b.WriteByte(' ')
	b.WriteString(e.Message)
	// a failing log file must not take the job down with it
	_ = h.w.WriteLine(b.String())
}
