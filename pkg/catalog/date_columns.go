package catalog

import "strings"

// dateColumns are the vendor columns normalized to timestamps before loading.
// Matched against lowercased record keys.
var dateColumns = map[string]struct{}{
	"dtalteracao":    {},
	"dtnascimento":   {},
	"dtcadastro":     {},
	"dtemissao":      {},
	"dtmovimento":    {},
	"dtrecebimento":  {},
	"dtpagamento":    {},
	"dtvencimento":   {},
	"dtiniciotabela": {},
	"dtfimtabela":    {},
}

// IsDateColumn reports whether a record key holds a vendor date value.
func IsDateColumn(name string) bool {
	_, ok := dateColumns[strings.ToLower(name)]
	return ok
}
