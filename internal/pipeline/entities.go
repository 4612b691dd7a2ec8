package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"retailetl/internal/table"
	"retailetl/internal/transform"
)

// inputs carries what an entity transformation consumes: its staged table,
// extra staged tables and the warehouse dimensions of its dependencies,
// keyed by table name.
type inputs struct {
	staged *table.Table
	extra  map[string]*table.Table
	dims   map[string]*table.Table
}

// Entity describes one warehouse target.
type Entity struct {
	// Name is the transform entity name used in etl_log and quarantine.
	Name string
	// Staged is the staging table read as the main input.
	Staged string
	// Extra staged tables, e.g. order details.
	Extra []string
	// Target is the warehouse table appended to.
	Target string
	// Needs are entity names whose Target must be loaded first.
	Needs []string

	run func(ctx context.Context, e *transform.Engine, in inputs) transform.Result
}

// Entities is the fixed entity catalogue in declaration order.
var Entities = []Entity{
	{
		Name: transform.EntityCustomer, Staged: "customers", Target: "dim_customers",
		run: func(ctx context.Context, e *transform.Engine, in inputs) transform.Result {
			return e.Customers(ctx, in.staged)
		},
	},
	{
		Name: transform.EntityEmployee, Staged: "employees", Target: "dim_employees",
		run: func(ctx context.Context, e *transform.Engine, in inputs) transform.Result {
			return e.Employees(ctx, in.staged)
		},
	},
	{
		Name: transform.EntityStoreBranch, Staged: "store_branch", Target: "dim_store_branch",
		run: func(ctx context.Context, e *transform.Engine, in inputs) transform.Result {
			return e.StoreBranches(ctx, in.staged)
		},
	},
	{
		Name: transform.EntityProduct, Staged: "products", Target: "dim_products",
		Needs: []string{transform.EntityStoreBranch},
		run: func(ctx context.Context, e *transform.Engine, in inputs) transform.Result {
			return e.Products(ctx, in.staged, in.dims["dim_store_branch"])
		},
	},
	{
		Name: transform.EntityOrder, Staged: "orders", Extra: []string{"order_details"}, Target: "fct_order",
		Needs: []string{transform.EntityEmployee, transform.EntityCustomer, transform.EntityProduct},
		run: func(ctx context.Context, e *transform.Engine, in inputs) transform.Result {
			return e.Orders(ctx, in.staged, in.extra["order_details"],
				in.dims["dim_employees"], in.dims["dim_customers"], in.dims["dim_products"])
		},
	},
	{
		Name: transform.EntityInventory, Staged: "inventory_tracking", Target: "fct_inventory",
		Needs: []string{transform.EntityProduct},
		run: func(ctx context.Context, e *transform.Engine, in inputs) transform.Result {
			return e.InventoryTracking(ctx, in.staged, in.dims["dim_products"])
		},
	},
}

// Order returns entities in dependency order. Among entities that are ready
// at the same time, declaration order wins, so the result is deterministic.
func Order(entities []Entity) ([]Entity, error) {
	index := make(map[string]int, len(entities))
	for i, e := range entities {
		if _, dup := index[e.Name]; dup {
			return nil, fmt.Errorf("pipeline: duplicate entity %q", e.Name)
		}
		index[e.Name] = i
	}

	indegree := make([]int, len(entities))
	dependants := make([][]int, len(entities))
	for i, e := range entities {
		for _, n := range e.Needs {
			j, ok := index[n]
			if !ok {
				return nil, fmt.Errorf("pipeline: entity %q needs unknown entity %q", e.Name, n)
			}
			indegree[i]++
			dependants[j] = append(dependants[j], i)
		}
	}

	var ready []int
	for i, d := range indegree {
		if d == 0 {
			ready = append(ready, i)
		}
	}
	out := make([]Entity, 0, len(entities))
	for len(ready) > 0 {
		sort.Ints(ready)
		i := ready[0]
		ready = ready[1:]
		out = append(out, entities[i])
		for _, j := range dependants[i] {
			indegree[j]--
			if indegree[j] == 0 {
				ready = append(ready, j)
			}
		}
	}
	if len(out) != len(entities) {
		var stuck []string
		for i, d := range indegree {
			if d > 0 {
				stuck = append(stuck, entities[i].Name)
			}
		}
		return nil, fmt.Errorf("pipeline: dependency cycle among %s", strings.Join(stuck, ", "))
	}
	return out, nil
}

// Select keeps the entities named in only, preserving order. An empty only
// keeps everything. Unknown names are an error.
func Select(entities []Entity, only []string) ([]Entity, error) {
	if len(only) == 0 {
		return entities, nil
	}
	want := make(map[string]bool, len(only))
	for _, n := range only {
		want[strings.TrimSpace(n)] = true
	}
	var out []Entity
	for _, e := range entities {
		if want[e.Name] {
			out = append(out, e)
			delete(want, e.Name)
		}
	}
	if len(want) > 0 {
		unknown := make([]string, 0, len(want))
		for n := range want {
			unknown = append(unknown, n)
		}
		sort.Strings(unknown)
		return nil, fmt.Errorf("pipeline: unknown entities %s", strings.Join(unknown, ", "))
	}
	return out, nil
}

func entityByName(entities []Entity, name string) (Entity, bool) {
	for _, e := range entities {
		if e.Name == name {
			return e, true
		}
	}
	return Entity{}, false
}
