package transform

import (
	"context"
	"fmt"
	"slices"
	"time"

	"retailetl/internal/metrics"
	"retailetl/internal/table"
)

// Entity names as written to etl_log.table_name and used for quarantine
// object names.
const (
	EntityCustomer    = "customer"
	EntityEmployee    = "employee"
	EntityStoreBranch = "store_branch"
	EntityProduct     = "products"
	EntityOrder       = "order"
	EntityInventory   = "inventory_tracking"
)

var (
	employeeLookup = KeyLookup{Dimension: "dim_employees", ForeignKey: "employee_id", NaturalKey: "nk_employee_id", SurrogateKey: "sk_employee_id"}
	customerLookup = KeyLookup{Dimension: "dim_customers", ForeignKey: "customer_id", NaturalKey: "nk_customer_id", SurrogateKey: "sk_customer_id"}
	productLookup  = KeyLookup{Dimension: "dim_products", ForeignKey: "product_id", NaturalKey: "nk_product_id", SurrogateKey: "sk_product_id"}
	storeLookup    = KeyLookup{Dimension: "dim_store_branch", ForeignKey: "store_branch", NaturalKey: "store_name", SurrogateKey: "sk_store_id"}
)

// Customers builds dim_customers rows from staged customers.
func (e *Engine) Customers(ctx context.Context, staged *table.Table) Result {
	return e.run(ctx, EntityCustomer, staged, customerRules.Apply)
}

// Employees builds dim_employees rows from staged employees.
func (e *Engine) Employees(ctx context.Context, staged *table.Table) Result {
	return e.run(ctx, EntityEmployee, staged, employeeRules.Apply)
}

// StoreBranches builds dim_store_branch rows from staged store branches.
func (e *Engine) StoreBranches(ctx context.Context, staged *table.Table) Result {
	return e.run(ctx, EntityStoreBranch, staged, storeBranchRules.Apply)
}

// Products builds dim_products rows. storeDim is the loaded dim_store_branch;
// products are matched to it by store name.
func (e *Engine) Products(ctx context.Context, staged, storeDim *table.Table) Result {
	return e.run(ctx, EntityProduct, staged, func(work *table.Table, now time.Time) error {
		if err := e.resolve(work, storeDim, storeLookup); err != nil {
			return err
		}
		if err := productRules.Apply(work, now); err != nil {
			return err
		}
		return work.DropColumns("store_name", "store_branch")
	})
}

// Orders builds fct_order rows from staged orders and order details.
//
// Orders without a customer are dropped first. The remaining rows pick up
// employee and customer surrogate keys, fan out over their details, pick up
// product surrogate keys, and are then deduplicated by nk_order_id.
func (e *Engine) Orders(ctx context.Context, staged, details, employeeDim, customerDim, productDim *table.Table) Result {
	return e.run(ctx, EntityOrder, staged, func(work *table.Table, now time.Time) error {
		if err := work.DropNull("customer_id"); err != nil {
			return err
		}
		if err := e.resolve(work, employeeDim, employeeLookup); err != nil {
			return err
		}
		if err := e.resolve(work, customerDim, customerLookup); err != nil {
			return err
		}

		if details == nil {
			return fmt.Errorf("order details not loaded")
		}
		lines := details.Clone()
		// Columns the order header already has keep the header's values.
		drop := present(lines, CreatedAt, "order_detail_id")
		for _, c := range lines.Columns {
			if c != "order_id" && work.Has(c) && !slices.Contains(drop, c) {
				drop = append(drop, c)
			}
		}
		if err := lines.DropColumns(drop...); err != nil {
			return err
		}
		joined, stats, err := table.InnerJoin(work, lines, "order_id", "order_id")
		if err != nil {
			return err
		}
		e.dropped(EntityOrder, "order_details", stats)
		work.Replace(joined)

		if err := e.resolve(work, productDim, productLookup); err != nil {
			return err
		}
		if err := orderRules.Apply(work, now); err != nil {
			return err
		}
		return work.DropColumns("nk_employee_id", "nk_customer_id", "nk_product_id", "employee_id", "customer_id", "product_id")
	})
}

// InventoryTracking builds fct_inventory rows. Rows whose product is not in
// productDim are dropped.
func (e *Engine) InventoryTracking(ctx context.Context, staged, productDim *table.Table) Result {
	return e.run(ctx, EntityInventory, staged, func(work *table.Table, now time.Time) error {
		if err := e.resolve(work, productDim, productLookup); err != nil {
			return err
		}
		if err := inventoryRules.Apply(work, now); err != nil {
			return err
		}
		return work.DropColumns("product_id", "nk_product_id")
	})
}

// resolve runs ResolveKeys and swaps the result into work, so a later failure
// quarantines the joined state.
func (e *Engine) resolve(work, dim *table.Table, l KeyLookup) error {
	out, stats, err := ResolveKeys(work, dim, l)
	if err != nil {
		return err
	}
	e.dropped("resolve", l.Dimension, stats)
	work.Replace(out)
	return nil
}

func (e *Engine) dropped(stage, kind string, stats table.JoinStats) {
	metrics.RecordJoinDropped(kind, stats.Unmatched)
	if stats.Unmatched > 0 {
		e.logger()("stage=%s join=%s rows_in=%d rows_out=%d dropped=%d",
			stage, kind, stats.LeftRows, stats.OutRows, stats.Unmatched)
	}
}

// present returns the subset of cols that t has.
func present(t *table.Table, cols ...string) []string {
	out := cols[:0:0]
	for _, c := range cols {
		if t.Has(c) {
			out = append(out, c)
		}
	}
	return out
}
