package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/segmentio/cli"

	"github.com/fe-malveira-87/poc-juma-etl/pkg/catalog"
	"github.com/fe-malveira-87/poc-juma-etl/pkg/daterange"
)

var cliRanges = &cli.CommandFunc{
	Help: "Print the extraction ranges for a table and window",
	Desc: unindent(fmt.Sprintf(`
		Print the extraction ranges for a table and window

		Shows how a historical window splits into extraction batches for
		the given catalog table. Monthly tables get one batch per calendar
		month, daily tables one per day.

		Example:

		%s ranges DOCUMENTOS_FISCAIS_SAIDA 2024-01-01 2024-03-15
	`, filepath.Base(os.Args[0]))),
	Func: func(ctx context.Context, config struct {
		flagBase
	}, args []string) error {
		if len(args) != 3 {
			bail("Table, start day and end day required")
		}
		ent, err := catalog.Lookup(args[0])
		if err != nil {
			bail("%s", err)
		}
		if !ent.Incremental() {
			bail("table %s is loaded in full on every run and has no ranges", ent.Table)
		}
		start, err := daterange.ParseDay(args[1])
		if err != nil {
			bail("invalid start day: %s", err)
		}
		end, err := daterange.ParseDay(args[2])
		if err != nil {
			bail("invalid end day: %s", err)
		}
		if end.Before(start) {
			bail("window ends before it starts")
		}

		var ranges []daterange.Range
		switch ent.Ranges {
		case catalog.RangeMonthly:
			ranges = daterange.Monthly(start, end)
		default:
			ranges = daterange.Daily(start, end)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', tabwriter.TabIndent)
		if !config.Quiet {
			fmt.Fprintln(w, "START\tEND\tDAYS")
			fmt.Fprintln(w, "-----\t---\t----")
		}
		for _, r := range ranges {
			fmt.Fprintf(w, "%s\t%s\t%d\n", r.StartDate(), r.EndDate(), r.Days())
		}
		return w.Flush()
	},
}
