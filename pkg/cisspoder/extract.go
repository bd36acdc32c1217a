package cisspoder

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	"github.com/segmentio/errors-go"
	"github.com/segmentio/events/v2"
	"github.com/segmentio/stats/v4"
	"github.com/tidwall/gjson"

	"github.com/fe-malveira-87/poc-juma-etl/pkg/errs"
	"github.com/fe-malveira-87/poc-juma-etl/pkg/utils"
)

const (
	DefaultMaxAttempts = 5
	DefaultRetryDelay  = 1 * time.Second
)

// Clause is one filter predicate in the vendor's query body.
type Clause struct {
	Field    string   `json:"campo"`
	Values   []string `json:"valor"`
	Operator string   `json:"operador"`
}

// Between builds the range clause the vendor expects for date filtered
// extractions.
func Between(field, start, end string) Clause {
	return Clause{
		Field:    field,
		Values:   []string{start, end},
		Operator: "BETWEEN",
	}
}

type pageRequest struct {
	Clauses []Clause `json:"clausulas"`
	Page    int      `json:"page"`
}

// tokenSource lets tests supply canned tokens.
type tokenSource interface {
	Token(ctx context.Context) (string, error)
}

type (
	Extractor struct {
		serviceURL  string
		tokens      tokenSource
		client      *http.Client
		maxAttempts int
		retryDelay  time.Duration
		jitter      *jitter
	}
	ExtractorConfig struct {
		ServiceURL  string
		Tokens      tokenSource
		HTTPClient  *http.Client
		MaxAttempts int
		RetryDelay  time.Duration
	}
)

func ExtractorFromConfig(config ExtractorConfig) (*Extractor, error) {
	if config.ServiceURL == "" {
		return nil, errors.New("extractor requires a service URL")
	}
	if config.Tokens == nil {
		return nil, errors.New("extractor requires a token source")
	}
	serviceURL := config.ServiceURL
	if !strings.HasPrefix(serviceURL, "http") {
		serviceURL = "https://" + serviceURL
	}
	ex := &Extractor{
		serviceURL:  strings.TrimSuffix(serviceURL, "/"),
		tokens:      config.Tokens,
		client:      config.HTTPClient,
		maxAttempts: config.MaxAttempts,
		retryDelay:  config.RetryDelay,
		jitter:      newJitter(),
	}
	if ex.client == nil {
		ex.client = &http.Client{Timeout: 5 * time.Minute}
	}
	if ex.maxAttempts <= 0 {
		ex.maxAttempts = DefaultMaxAttempts
	}
	if ex.retryDelay <= 0 {
		ex.retryDelay = DefaultRetryDelay
	}
	return ex, nil
}

// Extract pulls every page for the given endpoint. Iteration stops when the
// vendor reports no further pages or a page comes back empty. The whole
// result is buffered; the largest entities fit comfortably in memory and the
// loader wants complete batches anyway.
func (e *Extractor) Extract(ctx context.Context, apiName string, clauses []Clause) ([]json.RawMessage, error) {
	var out []json.RawMessage
	pages := 0
	for page := 1; ; page++ {
		records, hasNext, err := e.fetchPage(ctx, apiName, clauses, page)
		if err != nil {
			return nil, errors.Wrapf(err, "extract %s page %d", apiName, page)
		}
		out = append(out, records...)
		pages++
		if !hasNext || len(records) == 0 {
			break
		}
	}
	stats.Add("extract-pages", pages, stats.T("api", apiName))
	stats.Add("extract-records", len(out), stats.T("api", apiName))
	events.Debug("Extracted %{count}d records over %{pages}d pages from %{api}s", len(out), pages, apiName)
	return out, nil
}

// fetchPage retries temporary failures with a jittered delay, in case the
// vendor is having a moment.
func (e *Extractor) fetchPage(ctx context.Context, apiName string, clauses []Clause, page int) ([]json.RawMessage, bool, error) {
	attempts := e.maxAttempts
	for {
		records, hasNext, err := e.fetchPageOnce(ctx, apiName, clauses, page)
		switch {
		case err == nil:
			return records, hasNext, nil
		case errs.IsCanceled(err):
			return nil, false, err
		case errors.Is(errs.ErrTypeTemporary, err):
			attempts--
			errs.Incr("extract-page-errors", stats.T("api", apiName))
			if attempts <= 0 {
				return nil, false, errors.Wrap(err, "max attempts reached")
			}
			delay := e.jitter.Jitter(e.retryDelay, 0.3)
			events.Log("Temporary error fetching %{api}s page %{page}d: %{error}s, retrying in %{delay}s",
				apiName, page, err, delay)
			select {
			case <-ctx.Done():
				return nil, false, ctx.Err()
			case <-time.After(delay):
			}
		default:
			errs.Incr("extract-page-errors", stats.T("api", apiName))
			return nil, false, err
		}
	}
}

func (e *Extractor) fetchPageOnce(ctx context.Context, apiName string, clauses []Clause, page int) ([]json.RawMessage, bool, error) {
	token, err := e.tokens.Token(ctx)
	if err != nil {
		return nil, false, errors.Wrap(err, "acquire token")
	}
	if clauses == nil {
		// the vendor requires the key to be present even when unused
		clauses = []Clause{}
	}
	body := utils.NewJsonReader(pageRequest{Clauses: clauses, Page: page})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.serviceURL+"/"+apiName, body)
	if err != nil {
		return nil, false, errors.Wrap(err, "build page request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, false, errors.WithTypes(errors.Wrap(err, "make page request"), errs.ErrTypeTemporary)
	}
	defer resp.Body.Close()
	b, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, false, errors.WithTypes(errors.Wrap(err, "read page response"), errs.ErrTypeTemporary)
	}
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, false, errors.WithTypes(
			errs.RateLimited("vendor rate limited %s", apiName), errs.ErrTypeTemporary)
	case resp.StatusCode >= 500:
		return nil, false, errors.WithTypes(
			errors.Errorf("vendor returned %d: %s", resp.StatusCode, snippet(b)),
			errs.ErrTypeTemporary)
	default:
		return nil, false, errors.WithTypes(
			errors.Errorf("vendor returned %d: %s", resp.StatusCode, snippet(b)),
			errs.ErrTypePermanent)
	}
	return parseEnvelope(b)
}

// parseEnvelope digs the records and pagination flag out of the vendor's
// response. Records usually live under "registros", with "data" as the
// fallback some endpoints use. A missing list means an empty page.
func parseEnvelope(b []byte) ([]json.RawMessage, bool, error) {
	records := gjson.GetBytes(b, "registros")
	if !records.Exists() {
		records = gjson.GetBytes(b, "data")
	}
	hasNext := gjson.GetBytes(b, "hasNext").Bool()
	if !records.Exists() {
		return nil, false, nil
	}
	if !records.IsArray() {
		return nil, false, errors.Errorf("unexpected records payload of type %s", records.Type)
	}
	var out []json.RawMessage
	records.ForEach(func(_, value gjson.Result) bool {
		out = append(out, json.RawMessage(value.Raw))
		return true
	})
	return out, hasNext, nil
}
