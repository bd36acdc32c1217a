// Package materialize rebuilds the curated gold tables from their views,
// with the partition and cluster layout each table needs to be cheap to
// query.
package materialize

import (
	"fmt"
	"strings"
)

// View is one curated gold view and the physical layout of the table
// materialized from it.
type View struct {
	Name      string
	Partition string
	Cluster   []string
}

// TableName is the materialized table's name: the view name with the VW_
// prefix swapped for T_.
func (v View) TableName() string {
	return "T_" + strings.TrimPrefix(v.Name, "VW_")
}

// views lists every materializable gold view. Item-level tables cluster on
// company and product descriptors; the invoice header table only on company.
var views = []View{
	{
		Name:      "VW_ITENS_SAIDA",
		Partition: "DTMOVIMENTO",
		Cluster:   []string{"EMPRESA", "descrcomproduto", "descrsecao"},
	},
	{
		Name:      "VW_NF_SAIDAS",
		Partition: "DTMOVIMENTO",
		Cluster:   []string{"EMPRESA"},
	},
	{
		Name:      "VW_ITENS_ENTRADA",
		Partition: "DTMOVIMENTO",
		Cluster:   []string{"EMPRESA", "descrcomproduto", "descrsecao"},
	},
}

// Views returns the registry in run order. Callers must not mutate the
// returned slice.
func Views() []View {
	return views
}

// Lookup finds a view by name, case-insensitively.
func Lookup(name string) (View, error) {
	for _, v := range views {
		if strings.EqualFold(v.Name, name) {
			return v, nil
		}
	}
	return View{}, fmt.Errorf("no such gold view %q", name)
}
