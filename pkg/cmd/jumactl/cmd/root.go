package cmd

import (
	"context"
	"time"

	"github.com/segmentio/cli"
)

func Execute() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cli.ExecContext(ctx, cli.CommandSet{
		"runs":   cliRuns,
		"token":  cliToken,
		"ranges": cliRanges,
	})
}
