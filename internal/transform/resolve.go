package transform

import (
	"fmt"

	"retailetl/internal/table"
)

// KeyLookup names the columns of one surrogate key resolution.
type KeyLookup struct {
	Dimension    string // for messages and metrics, e.g. "dim_products"
	ForeignKey   string // column of the input holding the natural key
	NaturalKey   string // column of the dimension holding the natural key
	SurrogateKey string // column of the dimension holding the surrogate key
}

// ResolveKeys attaches l.SurrogateKey from dim to every row of in whose
// l.ForeignKey equals a dimension natural key. Rows without a match are
// dropped; stats reports how many.
//
// dim is projected to (NaturalKey, SurrogateKey) first, so no other
// dimension column reaches the output. Matching is exact: "Store A" does not
// match "store a" or "Store A ".
func ResolveKeys(in, dim *table.Table, l KeyLookup) (*table.Table, table.JoinStats, error) {
	if dim == nil {
		return nil, table.JoinStats{}, fmt.Errorf("resolve %s: dimension not loaded", l.Dimension)
	}
	proj, err := dim.Project(l.NaturalKey, l.SurrogateKey)
	if err != nil {
		return nil, table.JoinStats{}, fmt.Errorf("resolve %s: %w", l.Dimension, err)
	}
	out, stats, err := table.InnerJoin(in, proj, l.ForeignKey, l.NaturalKey)
	if err != nil {
		return nil, stats, fmt.Errorf("resolve %s: %w", l.Dimension, err)
	}
	return out, stats, nil
}
