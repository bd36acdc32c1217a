package catalog

import (
	"github.com/segmentio/stats/v4"
)

// LoadMode selects the idempotency strategy the loader uses for an entity.
type LoadMode int

const (
	// LoadTruncate replaces the whole destination table on every run.
	LoadTruncate LoadMode = iota
	// LoadAppend deletes the extracted date range and appends the new rows.
	LoadAppend
)

func (m LoadMode) String() string {
	switch m {
	case LoadTruncate:
		return "truncate"
	case LoadAppend:
		return "append"
	default:
		return "unknown"
	}
}

// RangeKind is how an entity's history window is batched for extraction.
type RangeKind int

const (
	RangeNone RangeKind = iota
	RangeMonthly
	RangeDaily
)

func (k RangeKind) String() string {
	switch k {
	case RangeNone:
		return "none"
	case RangeMonthly:
		return "monthly"
	case RangeDaily:
		return "daily"
	default:
		return "unknown"
	}
}

// Entity describes one vendor dataset and how it lands in the warehouse.
type Entity struct {
	Table TableName
	// APIName is the vendor endpoint name. It matches Table.APIPath() for
	// every current entity but is kept as data so the registry, not a
	// convention, is authoritative.
	APIName string
	// FilterField is the vendor column range clauses filter on. Empty for
	// full-extraction entities.
	FilterField string
	Load        LoadMode
	Ranges      RangeKind
	// GoldView names the curated view materialized after a successful load.
	// Empty when the entity has no gold counterpart.
	GoldView string
}

// Incremental reports whether the entity loads by date range instead of a
// full replace.
func (e Entity) Incremental() bool {
	return e.Load == LoadAppend && e.FilterField != "" && e.Ranges != RangeNone
}

// Tag returns the stats tag identifying this entity on metrics.
func (e Entity) Tag() stats.Tag {
	return stats.Tag{Name: "table", Value: e.Table.String()}
}
