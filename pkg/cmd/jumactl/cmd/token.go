package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/segmentio/cli"

	"github.com/fe-malveira-87/poc-juma-etl/pkg/statedb"
)

var cliToken = &cli.CommandFunc{
	Help: "Inspect the cached vendor token",
	Desc: unindent(fmt.Sprintf(`
		Inspect the cached vendor token

		Looks up the OAuth token cached for the given auth endpoint in the
		local state database and prints its expiry. The token value itself
		is never printed.

		Example:

		%s token auth.vendor.example.com/token
	`, filepath.Base(os.Args[0]))),
	Func: func(ctx context.Context, config struct {
		flagBase
		flagStateDB
	}, args []string) error {
		if len(args) != 1 {
			bail("Auth endpoint URL required")
		}
		endpoint := normalizeURL(args[0])

		db, err := statedb.Open(config.MustStateDB())
		if err != nil {
			bail("could not open state db: %s", err)
		}
		defer db.Close()

		_, expiresAt, ok, err := db.GetToken(ctx, endpoint, time.Now())
		if err != nil {
			bail("could not read token cache: %s", err)
		}
		if !ok {
			fmt.Println("no valid cached token for", endpoint)
			return nil
		}
		fmt.Println("token: <REDACTED>")
		fmt.Printf("expires: %s (in %s)\n",
			expiresAt.Format(time.RFC3339), time.Until(expiresAt).Round(time.Second))
		return nil
	},
}
