package cmd

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// bail prints a message to stderr and exits with status=1
func bail(msg string, args ...interface{}) {
	msg = fmt.Sprintf(msg, args...)
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

// normalizeURL defaults the scheme to https, the same normalization the
// extractor applies before caching a token under the endpoint.
func normalizeURL(val string) string {
	if !strings.HasPrefix(val, "http") {
		val = "https://" + val
	}
	if _, err := url.Parse(val); err != nil {
		bail("invalid url: %v", err)
	}
	return val
}

// unindent formats long help text before it's printed to the console.
// it's helpful to indent multiline strings to make it look nice in the
// code, but you don't want those indents to make their way to the
// console output.
func unindent(str string) string {
	str = strings.TrimSpace(str)
	out := new(bytes.Buffer)
	for _, line := range strings.Split(str, "\n") {
		out.WriteString(strings.TrimSpace(line) + "\n")
	}
	return out.String()
}
