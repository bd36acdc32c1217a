package archive

import (
	"bytes"
	"compress/gzip"
	"errors"
	"io"
	"io/ioutil"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type failingReader struct {
	r   io.Reader
	err error
}

func (f *failingReader) Read(p []byte) (int, error) {
	n, err := f.r.Read(p)
	if f.err != nil {
		err = f.err
	}
	return n, err
}

func TestGZIPPipeReader(t *testing.T) {
	input := "hello world"
	var reader io.Reader = strings.NewReader(input)
	reader = newGZIPCompressionReader(reader)
	deflated, err := ioutil.ReadAll(reader)
	require.NoError(t, err)

	reader, err = gzip.NewReader(bytes.NewReader(deflated))
	require.NoError(t, err)
	inflated, err := ioutil.ReadAll(reader)
	require.NoError(t, err)
	require.EqualValues(t, input, string(inflated))
}

func TestGZIPPipeReaderErr(t *testing.T) {
	fake := &failingReader{
		r:   strings.NewReader("hello, world"),
		err: errors.New("read failed"),
	}
	reader := newGZIPCompressionReader(fake)
	_, err := ioutil.ReadAll(reader)
	require.EqualError(t, err, "copy to gzip writer: read failed")
}
