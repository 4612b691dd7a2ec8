package transform

import (
	"time"

	"retailetl/internal/table"
)

// CreatedAt is the load-time column stamped on every output row.
const CreatedAt = "created_at"

// Step is one entity-specific cleaning rule.
type Step func(t *table.Table) error

// Rules is the normalizer contract for one entity, applied in order:
// rename, dedupe by natural key, clean, stamp created_at.
type Rules struct {
	// Rename maps source columns to their warehouse names. An entry is
	// skipped when its target already exists, so Apply is idempotent.
	Rename map[string]string
	// NaturalKey is deduplicated on (after Rename). Empty skips dedupe.
	NaturalKey string
	Clean      []Step
}

// Apply normalizes t in place.
func (r Rules) Apply(t *table.Table, now time.Time) error {
	rename := make(map[string]string, len(r.Rename))
	for old, nw := range r.Rename {
		if !t.Has(nw) {
			rename[old] = nw
		}
	}
	if err := t.Rename(rename); err != nil {
		return err
	}
	if r.NaturalKey != "" {
		if err := t.DropDuplicates(r.NaturalKey); err != nil {
			return err
		}
	}
	for _, step := range r.Clean {
		if err := step(t); err != nil {
			return err
		}
	}
	t.SetColumn(CreatedAt, now)
	return nil
}

func dropNull(col string) Step {
	return func(t *table.Table) error { return t.DropNull(col) }
}

// nonNegative keeps rows whose col is a number >= 0. nil fails the
// comparison and is dropped; a non-numeric value is an error.
func nonNegative(col string) Step {
	return func(t *table.Table) error {
		return t.Filter(col, func(v any) (bool, error) {
			n, ok, err := number(v)
			if err != nil || !ok {
				return false, err
			}
			return n >= 0, nil
		})
	}
}

// compactDate rewrites col as a YYYYMMDD integer. When lenient, nil and
// unparsable values become nil; otherwise they fail the step.
func compactDate(col string, lenient bool) Step {
	return func(t *table.Table) error {
		return t.Map(col, func(v any) (any, error) {
			d, err := CompactDate(v)
			if err != nil {
				if lenient {
					return nil, nil
				}
				return nil, err
			}
			return d, nil
		})
	}
}

func prices(cols ...string) Step {
	return func(t *table.Table) error {
		for _, c := range cols {
			if err := t.Map(c, Price); err != nil {
				return err
			}
		}
		return nil
	}
}

// Rules per entity.
var (
	customerRules = Rules{
		Rename:     map[string]string{"customer_id": "nk_customer_id"},
		NaturalKey: "nk_customer_id",
		Clean:      []Step{dropNull("phone"), nonNegative("loyalty_points")},
	}
	employeeRules = Rules{
		Rename:     map[string]string{"employee_id": "nk_employee_id"},
		NaturalKey: "nk_employee_id",
		Clean:      []Step{compactDate("hire_date", false)},
	}
	storeBranchRules = Rules{
		Rename:     map[string]string{"store_id": "nk_store_id"},
		NaturalKey: "nk_store_id",
	}
	productRules = Rules{
		Rename:     map[string]string{"product_id": "nk_product_id", "sk_store_id": "sk_store_branch"},
		NaturalKey: "nk_product_id",
		Clean:      []Step{prices("unit_price", "cost_price")},
	}
	orderRules = Rules{
		Rename:     map[string]string{"order_id": "nk_order_id"},
		NaturalKey: "nk_order_id",
		Clean:      []Step{compactDate("order_date", false)},
	}
	inventoryRules = Rules{
		Rename:     map[string]string{"tracking_id": "nk_tracking_id"},
		NaturalKey: "nk_tracking_id",
		Clean:      []Step{compactDate("change_date", true)},
	}
)
