package cisspoder

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// staticTokens hands out one canned token.
type staticTokens string

func (s staticTokens) Token(context.Context) (string, error) {
	return string(s), nil
}

func newTestExtractor(t *testing.T, serverURL string) *Extractor {
	t.Helper()
	ex, err := ExtractorFromConfig(ExtractorConfig{
		ServiceURL:  serverURL,
		Tokens:      staticTokens("tok"),
		MaxAttempts: 3,
		RetryDelay:  time.Millisecond,
	})
	require.NoError(t, err)
	return ex
}

func TestExtractPaginates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/documentos_fiscais_saida", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		b, err := ioutil.ReadAll(r.Body)
		require.NoError(t, err)
		var req pageRequest
		require.NoError(t, json.Unmarshal(b, &req))
		require.Equal(t, []Clause{{
			Field:    "dtmovimento",
			Values:   []string{"2024-01-01 00:00:00.000000", "2024-01-31 23:59:59.999999"},
			Operator: "BETWEEN",
		}}, req.Clauses)

		switch req.Page {
		case 1:
			fmt.Fprint(w, `{"registros":[{"id":1},{"id":2}],"hasNext":true}`)
		case 2:
			// some endpoints switch to the "data" key
			fmt.Fprint(w, `{"data":[{"id":3}],"hasNext":false}`)
		default:
			t.Fatalf("unexpected page %d", req.Page)
		}
	}))
	defer server.Close()

	ex := newTestExtractor(t, server.URL)
	clause := Between("dtmovimento", "2024-01-01 00:00:00.000000", "2024-01-31 23:59:59.999999")
	records, err := ex.Extract(context.Background(), "documentos_fiscais_saida", []Clause{clause})
	require.NoError(t, err)
	require.Equal(t, []json.RawMessage{
		json.RawMessage(`{"id":1}`),
		json.RawMessage(`{"id":2}`),
		json.RawMessage(`{"id":3}`),
	}, records)
}

func TestExtractEmptyFirstPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"registros":[],"hasNext":false}`)
	}))
	defer server.Close()

	ex := newTestExtractor(t, server.URL)
	records, err := ex.Extract(context.Background(), "cad_lojas", nil)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestExtractSendsEmptyClauseList(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := ioutil.ReadAll(r.Body)
		require.NoError(t, err)
		require.JSONEq(t, `{"clausulas":[],"page":1}`, string(b))
		fmt.Fprint(w, `{"registros":[],"hasNext":false}`)
	}))
	defer server.Close()

	ex := newTestExtractor(t, server.URL)
	_, err := ex.Extract(context.Background(), "cad_lojas", nil)
	require.NoError(t, err)
}

func TestExtractRetriesTemporaryErrors(t *testing.T) {
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch atomic.AddInt64(&calls, 1) {
		case 1:
			http.Error(w, "bad gateway", http.StatusBadGateway)
		case 2:
			http.Error(w, "slow down", http.StatusTooManyRequests)
		default:
			fmt.Fprint(w, `{"registros":[{"id":1}],"hasNext":false}`)
		}
	}))
	defer server.Close()

	ex := newTestExtractor(t, server.URL)
	records, err := ex.Extract(context.Background(), "cad_lojas", nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.EqualValues(t, 3, atomic.LoadInt64(&calls))
}

func TestExtractGivesUpAfterMaxAttempts(t *testing.T) {
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	ex := newTestExtractor(t, server.URL)
	_, err := ex.Extract(context.Background(), "cad_lojas", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "max attempts")
	require.EqualValues(t, 3, atomic.LoadInt64(&calls))
}

func TestExtractDoesNotRetryClientErrors(t *testing.T) {
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		http.Error(w, "no such endpoint", http.StatusNotFound)
	}))
	defer server.Close()

	ex := newTestExtractor(t, server.URL)
	_, err := ex.Extract(context.Background(), "cad_nope", nil)
	require.Error(t, err)
	require.EqualValues(t, 1, atomic.LoadInt64(&calls))
}

func TestParseEnvelope(t *testing.T) {
	tests := []struct {
		desc    string
		body    string
		want    int
		hasNext bool
		wantErr bool
	}{
		{
			desc:    "registros",
			body:    `{"registros":[{"a":1}],"hasNext":true}`,
			want:    1,
			hasNext: true,
		},
		{
			desc: "data fallback",
			body: `{"data":[{"a":1},{"a":2}],"hasNext":false}`,
			want: 2,
		},
		{
			desc: "no records key",
			body: `{"hasNext":false}`,
			want: 0,
		},
		{
			desc:    "records not a list",
			body:    `{"registros":"wat"}`,
			wantErr: true,
		},
	}
	for _, test := range tests {
		t.Run(test.desc, func(t *testing.T) {
			records, hasNext, err := parseEnvelope([]byte(test.body))
			if test.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Len(t, records, test.want)
			require.Equal(t, test.hasNext, hasNext)
		})
	}
}
