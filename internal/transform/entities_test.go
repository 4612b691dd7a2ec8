package transform

import (
	"context"
	"reflect"
	"testing"

	"retailetl/internal/table"
)

func TestCustomers_ThreeStagedRowsOneOutput(t *testing.T) {
	t.Parallel()

	e, sink, _, _ := newTestEngine()
	staged := mustTable(t, []string{"customer_id", "name", "phone", "loyalty_points", "created_at"},
		[]any{int64(1), "Ann", "555-0100", int64(10), "old"},
		[]any{int64(1), "Ann B", "555-0101", int64(20), "old"},
		[]any{int64(2), "Bob", nil, int64(5), "old"},
	)

	res := e.Customers(context.Background(), staged)
	if !res.OK() {
		t.Fatalf("Customers: %v", res.Err())
	}
	if res.Data.Len() != 1 {
		t.Fatalf("rows=%d want 1", res.Data.Len())
	}
	if got := column(t, res.Data, "name")[0]; got != "Ann" {
		t.Fatalf("name=%v want first occurrence Ann", got)
	}
	if got := column(t, res.Data, CreatedAt)[0]; got != runAt {
		t.Fatalf("created_at=%v want %v", got, runAt)
	}
	if len(sink.entries) != 1 {
		t.Fatalf("entries=%d want 1", len(sink.entries))
	}
}

func storeDim(t *testing.T) *table.Table {
	return mustTable(t, []string{"sk_store_id", "nk_store_id", "store_name", "city"},
		[]any{int64(10), int64(1), "Store A", "X"},
		[]any{int64(11), int64(2), "Store B", "Y"},
	)
}

func TestProducts_ExactStoreNameJoin(t *testing.T) {
	t.Parallel()

	e, _, _, _ := newTestEngine()
	staged := mustTable(t, []string{"product_id", "product_name", "store_branch", "unit_price", "cost_price"},
		[]any{int64(1), "Laptop", "Store A", "$1,200.00", "$900"},
		[]any{int64(2), "Mouse", "store a", "$20", "$5"},
		[]any{int64(3), "Pad", "Store A ", "$2", "$1"},
		[]any{int64(4), "Cable", "Store B", "$3", "-$1"},
	)

	res := e.Products(context.Background(), staged, storeDim(t))
	if !res.OK() {
		t.Fatalf("Products: %v", res.Err())
	}
	wantCols := []string{"nk_product_id", "product_name", "unit_price", "cost_price", "sk_store_branch", CreatedAt}
	if !reflect.DeepEqual(res.Data.Columns, wantCols) {
		t.Fatalf("columns=%v want %v", res.Data.Columns, wantCols)
	}
	if got, want := column(t, res.Data, "nk_product_id"), []any{int64(1), int64(4)}; !reflect.DeepEqual(got, want) {
		t.Fatalf("nk_product_id=%v want %v", got, want)
	}
	if got, want := column(t, res.Data, "sk_store_branch"), []any{int64(10), int64(11)}; !reflect.DeepEqual(got, want) {
		t.Fatalf("sk_store_branch=%v want %v", got, want)
	}
	if got, want := column(t, res.Data, "unit_price"), []any{1200.0, 3.0}; !reflect.DeepEqual(got, want) {
		t.Fatalf("unit_price=%v want %v", got, want)
	}
}

func TestProducts_MissingDimensionFails(t *testing.T) {
	t.Parallel()

	e, sink, store, _ := newTestEngine()
	staged := mustTable(t, []string{"product_id", "store_branch"}, []any{int64(1), "Store A"})

	res := e.Products(context.Background(), staged, nil)
	if res.OK() {
		t.Fatalf("expected failure without store dimension")
	}
	if len(sink.entries) != 1 || len(store.calls) != 1 {
		t.Fatalf("entries=%d calls=%d want 1/1", len(sink.entries), len(store.calls))
	}
}

func orderFixtures(t *testing.T) (orders, details, employees, customers, products *table.Table) {
	orders = mustTable(t, []string{"order_id", "customer_id", "employee_id", "order_date", "created_at"},
		[]any{int64(100), int64(1), int64(7), "2023-01-02", "old"},
		[]any{int64(101), nil, int64(7), "2023-01-03", "old"},
		[]any{int64(102), int64(2), int64(7), "2023-01-04", "old"},
		[]any{int64(103), int64(1), int64(99), "2023-01-05", "old"},
		[]any{int64(104), int64(1), int64(8), "2023-01-06", "old"},
	)
	details = mustTable(t, []string{"order_detail_id", "order_id", "product_id", "quantity", "created_at"},
		[]any{int64(1), int64(100), int64(50), int64(2), "old"},
		[]any{int64(2), int64(100), int64(51), int64(1), "old"},
		[]any{int64(3), int64(102), int64(50), int64(4), "old"},
		[]any{int64(4), int64(104), int64(77), int64(1), "old"},
	)
	employees = mustTable(t, []string{"sk_employee_id", "nk_employee_id", "name"},
		[]any{int64(1), int64(7), "E7"},
		[]any{int64(2), int64(8), "E8"},
	)
	customers = mustTable(t, []string{"sk_customer_id", "nk_customer_id", "phone"},
		[]any{int64(20), int64(1), "555"},
		[]any{int64(21), int64(2), "556"},
	)
	products = mustTable(t, []string{"sk_product_id", "nk_product_id", "product_name"},
		[]any{int64(30), int64(50), "Laptop"},
		[]any{int64(31), int64(51), "Mouse"},
	)
	return orders, details, employees, customers, products
}

func TestOrders_JoinChain(t *testing.T) {
	t.Parallel()

	e, _, _, _ := newTestEngine()
	orders, details, employees, customers, products := orderFixtures(t)

	res := e.Orders(context.Background(), orders, details, employees, customers, products)
	if !res.OK() {
		t.Fatalf("Orders: %v", res.Err())
	}
	out := res.Data

	// 101 has no customer, 103 an unknown employee, 104 an unknown product.
	if got, want := column(t, out, "nk_order_id"), []any{int64(100), int64(102)}; !reflect.DeepEqual(got, want) {
		t.Fatalf("nk_order_id=%v want %v", got, want)
	}
	if out.Len() > orders.Len() {
		t.Fatalf("rows=%d exceed staged orders %d", out.Len(), orders.Len())
	}
	for _, col := range []string{"sk_employee_id", "sk_customer_id", "sk_product_id"} {
		for i, v := range column(t, out, col) {
			if v == nil {
				t.Fatalf("%s row %d is null", col, i)
			}
		}
	}
	for _, gone := range []string{"employee_id", "customer_id", "product_id", "nk_employee_id", "nk_customer_id", "nk_product_id", "order_detail_id"} {
		if out.Has(gone) {
			t.Fatalf("column %s should be dropped: %v", gone, out.Columns)
		}
	}
	if got, want := column(t, out, "order_date"), []any{int64(20230102), int64(20230104)}; !reflect.DeepEqual(got, want) {
		t.Fatalf("order_date=%v want %v", got, want)
	}
	if got := column(t, out, CreatedAt)[0]; got != runAt {
		t.Fatalf("created_at=%v want %v", got, runAt)
	}
}

func TestOrders_SharedDetailColumnKeepsHeaderValue(t *testing.T) {
	t.Parallel()

	e, _, _, _ := newTestEngine()
	orders, details, employees, customers, products := orderFixtures(t)
	orders.SetColumn("status", "shipped")
	details.SetColumn("status", "packed")

	res := e.Orders(context.Background(), orders, details, employees, customers, products)
	if !res.OK() {
		t.Fatalf("Orders: %v", res.Err())
	}
	if got, want := column(t, res.Data, "status"), []any{"shipped", "shipped"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("status=%v want %v", got, want)
	}
	if !details.Has("status") {
		t.Fatalf("input details were mutated: %v", details.Columns)
	}
}

func TestOrders_MissingDetailsFails(t *testing.T) {
	t.Parallel()

	e, _, _, _ := newTestEngine()
	orders, _, employees, customers, products := orderFixtures(t)

	res := e.Orders(context.Background(), orders, nil, employees, customers, products)
	if res.OK() || res.Failure.Kind != KindTransformation {
		t.Fatalf("res=%+v want transformation failure", res)
	}
}

func TestInventoryTracking_UnknownProductYieldsNoRows(t *testing.T) {
	t.Parallel()

	e, sink, store, _ := newTestEngine()
	_, _, _, _, products := orderFixtures(t)
	staged := mustTable(t, []string{"tracking_id", "product_id", "change_date", "quantity_change"},
		[]any{int64(1), int64(999), "2023-02-02", int64(5)},
	)

	res := e.InventoryTracking(context.Background(), staged, products)
	if !res.OK() {
		t.Fatalf("InventoryTracking: %v", res.Err())
	}
	if res.Data.Len() != 0 {
		t.Fatalf("rows=%d want 0", res.Data.Len())
	}
	if len(sink.entries) != 1 || len(store.calls) != 0 {
		t.Fatalf("entries=%d calls=%d want 1/0", len(sink.entries), len(store.calls))
	}
}

func TestInventoryTracking_ResolvesProduct(t *testing.T) {
	t.Parallel()

	e, _, _, _ := newTestEngine()
	_, _, _, _, products := orderFixtures(t)
	staged := mustTable(t, []string{"tracking_id", "product_id", "change_date"},
		[]any{int64(2), int64(51), "bad"},
		[]any{int64(1), int64(50), "2023-02-02"},
	)

	res := e.InventoryTracking(context.Background(), staged, products)
	if !res.OK() {
		t.Fatalf("InventoryTracking: %v", res.Err())
	}
	want := []string{"nk_tracking_id", "change_date", "sk_product_id", CreatedAt}
	if !reflect.DeepEqual(res.Data.Columns, want) {
		t.Fatalf("columns=%v want %v", res.Data.Columns, want)
	}
	if got, want := column(t, res.Data, "change_date"), []any{int64(20230202), nil}; !reflect.DeepEqual(got, want) {
		t.Fatalf("change_date=%v want %v", got, want)
	}
}

func TestResolveKeys_ProjectsDimension(t *testing.T) {
	t.Parallel()

	in := mustTable(t, []string{"id", "store_branch"}, []any{int64(1), "Store B"}, []any{int64(2), nil})
	out, stats, err := ResolveKeys(in, storeDim(t), storeLookup)
	if err != nil {
		t.Fatalf("ResolveKeys: %v", err)
	}
	want := []string{"id", "store_branch", "store_name", "sk_store_id"}
	if !reflect.DeepEqual(out.Columns, want) {
		t.Fatalf("columns=%v want %v", out.Columns, want)
	}
	if stats.Unmatched != 1 || out.Len() != 1 {
		t.Fatalf("stats=%+v rows=%d", stats, out.Len())
	}
}

func TestOrders_DetailsWithoutHelperColumns(t *testing.T) {
	t.Parallel()

	e, _, _, _ := newTestEngine()
	orders, _, employees, customers, products := orderFixtures(t)
	details := mustTable(t, []string{"order_id", "product_id", "quantity"},
		[]any{int64(100), int64(50), int64(2)},
	)

	res := e.Orders(context.Background(), orders, details, employees, customers, products)
	if !res.OK() {
		t.Fatalf("Orders: %v", res.Err())
	}
	if res.Data.Len() != 1 {
		t.Fatalf("rows=%d want 1", res.Data.Len())
	}
}
