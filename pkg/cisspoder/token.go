// Package cisspoder is the client for the vendor REST API: bearer token
// grants and paginated record extraction.
package cisspoder

import (
	"context"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/errors-go"
	"github.com/segmentio/events/v2"
	"github.com/tidwall/gjson"

	"github.com/fe-malveira-87/poc-juma-etl/pkg/errs"
)

const DefaultTokenTTL = 10 * time.Minute

// TokenCache is the external store tokens are shared through, so that
// parallel jobs and separate process invocations reuse one grant.
type TokenCache interface {
	GetToken(ctx context.Context, endpoint string, now time.Time) (string, time.Time, bool, error)
	PutToken(ctx context.Context, endpoint, token string, expiresAt time.Time) error
}

type (
	TokenSource struct {
		authURL      string
		username     string
		password     string
		clientID     string
		clientSecret string
		grantType    string
		ttl          time.Duration
		cache        TokenCache
		client       *http.Client
		now          func() time.Time
		mut          sync.Mutex
	}
	TokenSourceConfig struct {
		AuthURL      string
		Username     string
		Password     string
		ClientID     string
		ClientSecret string
		GrantType    string
		TTL          time.Duration
		Cache        TokenCache
		HTTPClient   *http.Client
	}
)

func TokenSourceFromConfig(config TokenSourceConfig) (*TokenSource, error) {
	if config.AuthURL == "" {
		return nil, errors.New("token source requires an auth URL")
	}
	if config.Cache == nil {
		return nil, errors.New("token source requires a cache")
	}
	authURL := config.AuthURL
	if !strings.HasPrefix(authURL, "http") {
		authURL = "https://" + authURL
	}
	ts := &TokenSource{
		authURL:      authURL,
		username:     config.Username,
		password:     config.Password,
		clientID:     config.ClientID,
		clientSecret: config.ClientSecret,
		grantType:    config.GrantType,
		ttl:          config.TTL,
		cache:        config.Cache,
		client:       config.HTTPClient,
		now:          time.Now,
	}
	if ts.ttl <= 0 {
		ts.ttl = DefaultTokenTTL
	}
	if ts.client == nil {
		ts.client = &http.Client{Timeout: 30 * time.Second}
	}
	return ts, nil
}

// Token returns a valid bearer token, reusing the cached one when it has not
// expired. The mutex serializes refreshes so a burst of jobs produces a
// single grant request.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	ts.mut.Lock()
	defer ts.mut.Unlock()

	now := ts.now()
	token, _, ok, err := ts.cache.GetToken(ctx, ts.authURL, now)
	if err != nil {
		return "", errors.Wrap(err, "read token cache")
	}
	if ok {
		return token, nil
	}
	token, expiry, err := ts.fetch(ctx, now)
	if err != nil {
		errs.Incr("token-fetch-errors")
		return "", err
	}
	if err := ts.cache.PutToken(ctx, ts.authURL, token, expiry); err != nil {
		return "", errors.Wrap(err, "write token cache")
	}
	events.Debug("Fetched vendor token, valid until %{expiry}s", expiry)
	return token, nil
}

func (ts *TokenSource) fetch(ctx context.Context, now time.Time) (string, time.Time, error) {
	form := url.Values{}
	form.Set("client_id", ts.clientID)
	form.Set("grant_type", ts.grantType)
	form.Set("client_secret", ts.clientSecret)
	form.Set("username", ts.username)
	form.Set("password", ts.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "build token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ts.client.Do(req)
	if err != nil {
		return "", time.Time{}, errors.WithTypes(errors.Wrap(err, "make token request"), errs.ErrTypeTemporary)
	}
	defer resp.Body.Close()
	b, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return "", time.Time{}, errors.WithTypes(errors.Wrap(err, "read token response"), errs.ErrTypeTemporary)
	}
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		return "", time.Time{}, errors.WithTypes(
			errors.Errorf("token endpoint returned %d: %s", resp.StatusCode, snippet(b)),
			errs.ErrTypeTemporary)
	default:
		// 4xx means the credentials or grant are wrong, retrying won't help
		return "", time.Time{}, errors.WithTypes(
			errors.Errorf("token endpoint returned %d: %s", resp.StatusCode, snippet(b)),
			errs.ErrTypePermanent)
	}

	token := gjson.GetBytes(b, "access_token").String()
	if token == "" {
		return "", time.Time{}, errors.New("token response missing access_token")
	}
	expiry := now.Add(ts.ttl)
	if expiresIn := gjson.GetBytes(b, "expires_in").Int(); expiresIn > 0 {
		if serverExpiry := now.Add(time.Duration(expiresIn) * time.Second); serverExpiry.Before(expiry) {
			expiry = serverExpiry
		}
	}
	return token, expiry, nil
}

// snippet keeps error messages readable when the vendor responds with a
// whole HTML page.
func snippet(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
