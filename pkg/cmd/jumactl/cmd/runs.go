package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/segmentio/cli"

	"github.com/fe-malveira-87/poc-juma-etl/pkg/statedb"
)

var cliRuns = &cli.CommandFunc{
	Help: "Print recent run ledger entries",
	Desc: unindent(fmt.Sprintf(`
		Print recent run ledger entries

		Reads the run ledger out of the local state database and prints
		the most recent entries, newest first. Pass a table name to only
		show that table's runs.

		Example:

		%s runs CAD_LOJAS
	`, filepath.Base(os.Args[0]))),
	Func: func(ctx context.Context, config struct {
		flagBase
		flagStateDB
		flagLimit
	}, args []string) error {
		db, err := statedb.Open(config.MustStateDB())
		if err != nil {
			bail("could not open state db: %s", err)
		}
		defer db.Close()

		var entries []statedb.RunEntry
		switch len(args) {
		case 0:
			entries, err = db.RecentRuns(ctx, config.Limit)
		case 1:
			entries, err = db.RunsForTable(ctx, args[0], config.Limit)
		default:
			bail("at most one table name expected")
		}
		if err != nil {
			bail("could not read run ledger: %s", err)
		}
		if len(entries) == 0 {
			fmt.Println("no runs recorded")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', tabwriter.TabIndent)
		if !config.Quiet {
			fmt.Fprintln(w, "RUN\tTABLE\tPHASE\tRANGE\tROWS\tSTATUS\tFINISHED")
			fmt.Fprintln(w, "---\t-----\t-----\t-----\t----\t------\t--------")
		}
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				shortID(e.RunID), e.Table, e.Phase, rangeLabel(e), e.Rows,
				e.Status, e.FinishedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

// shortID abbreviates a run id the way git abbreviates hashes.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func rangeLabel(e statedb.RunEntry) string {
	if e.RangeStart == "" && e.RangeEnd == "" {
		return "-"
	}
	return e.RangeStart + ".." + e.RangeEnd
}
