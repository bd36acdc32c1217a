package statedb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	tokenGetSQL = fmt.Sprintf(`
		SELECT access_token, expires_at FROM %s WHERE endpoint = ?
		`, TokenTableName)

	tokenPutSQL = fmt.Sprintf(`
		INSERT INTO %s (endpoint, access_token, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (endpoint) DO UPDATE SET
			access_token = excluded.access_token,
			expires_at = excluded.expires_at
		`, TokenTableName)
)

// GetToken returns the cached token for the endpoint if one exists and has
// not expired as of now.
func (s *DB) GetToken(ctx context.Context, endpoint string, now time.Time) (string, time.Time, bool, error) {
	var token string
	var expiresAt int64
	err := s.db.QueryRowContext(ctx, tokenGetSQL, endpoint).Scan(&token, &expiresAt)
	switch {
	case err == sql.ErrNoRows:
		return "", time.Time{}, false, nil
	case err != nil:
		return "", time.Time{}, false, errors.Wrap(err, "get token")
	}
	expiry := time.Unix(expiresAt, 0).UTC()
	if !now.Before(expiry) {
		return "", time.Time{}, false, nil
	}
	return token, expiry, true, nil
}

// PutToken stores a token for the endpoint, replacing any previous one.
func (s *DB) PutToken(ctx context.Context, endpoint, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, tokenPutSQL, endpoint, token, expiresAt.Unix())
	return errors.Wrap(err, "put token")
}
