package catalog

import (
	"fmt"
	"strings"
)

func tn(name string) TableName {
	t, err := NewTableName(name)
	if err != nil {
		panic(err)
	}
	return t
}

// entities is the full extraction catalog, in run order. Cadastral reference
// tables replace wholesale; transactional tables filter on dtmovimento and
// append by range.
var entities = []Entity{
	{
		Table:   tn("CAD_LOJAS"),
		APIName: "cad_lojas",
		Load:    LoadTruncate,
	},
	{
		Table:   tn("CAD_PESSOAS"),
		APIName: "cad_pessoas",
		Load:    LoadTruncate,
	},
	{
		Table:   tn("CAD_PRODUTOS"),
		APIName: "cad_produtos",
		Load:    LoadTruncate,
	},
	{
		Table:   tn("PRODUTOS_SALDO_ESTOQUE_EMPRESA"),
		APIName: "produtos_saldo_estoque_empresa",
		Load:    LoadTruncate,
	},
	{
		Table:       tn("DOCUMENTOS_FISCAIS_ENTRADA"),
		APIName:     "documentos_fiscais_entrada",
		FilterField: "dtmovimento",
		Load:        LoadAppend,
		Ranges:      RangeMonthly,
	},
	{
		Table:       tn("DOCUMENTOS_FISCAIS_SAIDA"),
		APIName:     "documentos_fiscais_saida",
		FilterField: "dtmovimento",
		Load:        LoadAppend,
		Ranges:      RangeMonthly,
		GoldView:    "VW_NF_SAIDAS",
	},
	{
		Table:       tn("ITENS_DOCUMENTOS_FISCAIS_ENTRADA"),
		APIName:     "itens_documentos_fiscais_entrada",
		FilterField: "dtmovimento",
		Load:        LoadAppend,
		Ranges:      RangeMonthly,
		GoldView:    "VW_ITENS_ENTRADA",
	},
	{
		Table:       tn("ITENS_DOCUMENTOS_FISCAIS_SAIDA"),
		APIName:     "itens_documentos_fiscais_saida",
		FilterField: "dtmovimento",
		Load:        LoadAppend,
		Ranges:      RangeMonthly,
		GoldView:    "VW_ITENS_SAIDA",
	},
	{
		Table:       tn("RECEBIMENTOS_DOCUMENTOS_FISCAIS_SAIDA"),
		APIName:     "recebimentos_documentos_fiscais_saida",
		FilterField: "dtmovimento",
		Load:        LoadAppend,
		Ranges:      RangeDaily,
	},
	{
		Table:       tn("PAGAMENTOS_DOCUMENTOS_FISCAIS_ENTRADA"),
		APIName:     "pagamentos_documentos_fiscais_entrada",
		FilterField: "dtmovimento",
		Load:        LoadAppend,
		Ranges:      RangeDaily,
	},
}

// Entities returns the catalog in run order. Callers must not mutate the
// returned slice.
func Entities() []Entity {
	return entities
}

// Lookup finds an entity by table name, case-insensitively.
func Lookup(name string) (Entity, error) {
	for _, e := range entities {
		if strings.EqualFold(e.Table.Name, name) {
			return e, nil
		}
	}
	return Entity{}, fmt.Errorf("no such table %q in the catalog", name)
}
