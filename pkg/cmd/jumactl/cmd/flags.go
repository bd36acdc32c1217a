package cmd

import (
	"github.com/fe-malveira-87/poc-juma-etl/pkg/statedb"
)

type flagBase struct {
	Quiet bool `flag:"-q,--quiet" help:"Omit header output" default:"false"`
}

type flagStateDB struct {
	StateDB string `flag:"-s,--state-db" help:"Path to the state database" default:"state.db"`
}

// MustStateDB returns the state database path, falling back to the
// conventional filename in the working directory.
func (f flagStateDB) MustStateDB() string {
	if f.StateDB == "" {
		return statedb.DefaultFilename
	}
	return f.StateDB
}

type flagLimit struct {
	Limit int `flag:"-l,--limit" help:"Maximum number of entries to print" default:"20"`
}
