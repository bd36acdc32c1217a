package logs

import (
	"errors"
	"os"
	"strings"
	"sync"
)

const sizedLineWriterDefaultMode os.FileMode = 0644

// SizedLineWriter is a line-by-line log file writer that appends to a file
// specified by Path until it reaches RotateSize bytes, at which point it
// deletes the file and starts over with a fresh one. Safe for concurrent
// use; job goroutines share one writer per table.
//
// Make sure to call Close() after this is no longer needed.
type SizedLineWriter struct {
	RotateSize int
	Path       string
	FileMode   os.FileMode

	mut sync.Mutex
	_f  *os.File // don't use this directly, use file()
}

func (w *SizedLineWriter) Mode() os.FileMode {
	if w.FileMode == 0 {
		return sizedLineWriterDefaultMode
	}
	return w.FileMode
}

func (w *SizedLineWriter) file() (*os.File, error) {
	if w._f != nil {
		return w._f, nil
	}
	f, err := os.OpenFile(w.Path, os.O_CREATE|os.O_RDWR, w.Mode())
	if err != nil {
		return nil, err
	}
	w._f = f
	return w._f, nil
}

func (w *SizedLineWriter) rotate() error {
	if w._f != nil {
		if err := w._f.Close(); err != nil {
			return err
		}
		w._f = nil
	}
	return os.Remove(w.Path)
}

// Close cleans up the associated resources
func (w *SizedLineWriter) Close() error {
	w.mut.Lock()
	defer w.mut.Unlock()
	if w._f != nil {
		err := w._f.Close()
		w._f = nil
		return err
	}
	return nil
}

// WriteLine appends a line to the end of the log file. If the log line would
// exceed the set RotateSize, then the log file will be rotated, and the line
// will be appended to the new log file.
func (w *SizedLineWriter) WriteLine(line string) error {
	w.mut.Lock()
	defer w.mut.Unlock()

	f, err := w.file()
	if err != nil {
		return err
	}
	if strings.ContainsRune(line, '\n') {
		return errors.New("Lines can't contain a carriage-return")
	}
	if len(line) > w.RotateSize {
		return errors.New("Line length is > RotateSize")
	}

	offset, err := f.Seek(0, os.SEEK_END)
	if err != nil {
		return err
	}
	newEndOffset := offset + int64(len(line))
	if newEndOffset > int64(w.RotateSize) {
		if err := w.rotate(); err != nil {
			return err
		}
		f, err = w.file()
		if err != nil {
			return err
		}
	}

	bytes := []byte(line)
	bytes = append(bytes, byte('\n'))
	_, err = f.Write(bytes)
	return err
}
