package warehouse

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"strings"
	"testing"
	"time"

	"retailetl/internal/auditlog"
	"retailetl/internal/quarantine"
	"retailetl/internal/storage"
	"retailetl/internal/table"
)

type fakeRepo struct {
	storage.Repository

	appendErr error
	appended  int
	read      *table.Table
	readErr   error
}

func (f *fakeRepo) AppendRows(_ context.Context, _ string, _ []string, rows [][]any) (int64, error) {
	if f.appendErr != nil {
		return 0, f.appendErr
	}
	f.appended += len(rows)
	return int64(len(rows)), nil
}

func (f *fakeRepo) ReadTable(context.Context, string) (*table.Table, error) {
	return f.read, f.readErr
}

type recSink struct{ entries []auditlog.Entry }

func (s *recSink) Record(_ context.Context, e auditlog.Entry) { s.entries = append(s.entries, e) }

type recStore struct {
	bucket, object string
	err            error
}

func (s *recStore) Put(_ context.Context, bucket, object string, _ []byte) error {
	s.bucket, s.object = bucket, object
	return s.err
}

func rows(t *testing.T) *table.Table {
	t.Helper()
	tb, err := table.New([]string{"nk_customer_id", "phone"}, [][]any{{int64(1), "a"}, {int64(2), "b"}})
	if err != nil {
		t.Fatal(err)
	}
	return tb
}

func TestLoader_Append(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	sink := &recSink{}
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := &Loader{Repo: repo, Sink: sink, Now: func() time.Time { return at }}

	if err := l.Append(context.Background(), rows(t), "dim_customers"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	// Append twice: the warehouse never dedupes.
	if err := l.Append(context.Background(), rows(t), "dim_customers"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if repo.appended != 4 {
		t.Fatalf("appended=%d want 4", repo.appended)
	}
	want := auditlog.Entry{Step: auditlog.StepWarehouse, Component: ComponentLoad, Status: auditlog.StatusSuccess, TableName: "dim_customers", ETLDate: at}
	if len(sink.entries) != 2 || sink.entries[0] != want {
		t.Fatalf("entries=%+v want %+v", sink.entries, want)
	}
}

func TestLoader_AppendFailure(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{appendErr: errors.New("relation does not exist")}
	sink := &recSink{}
	store := &recStore{err: errors.New("offline")}
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := &Loader{Repo: repo, Sink: sink, Store: store, Now: func() time.Time { return at }}

	err := l.Append(context.Background(), rows(t), "fct_order")
	if !errors.Is(err, repo.appendErr) {
		t.Fatalf("err=%v want %v", err, repo.appendErr)
	}
	if store.bucket != quarantine.WarehouseBucket || store.object != "fct_order_20240101T000000Z.csv" {
		t.Fatalf("quarantine=%s/%s", store.bucket, store.object)
	}
	if len(sink.entries) != 1 || sink.entries[0].Component != ComponentLoadFailed || sink.entries[0].ErrorMsg == "" {
		t.Fatalf("entries=%+v", sink.entries)
	}

	if err := l.Append(context.Background(), nil, "fct_order"); err == nil {
		t.Fatalf("nil table should fail")
	}
}

// Swaps the standard logger's output, so not parallel.
func TestLoader_QuarantineErrorPrintedWithoutLogger(t *testing.T) {
	var std bytes.Buffer
	log.SetOutput(&std)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	l := &Loader{
		Repo:  &fakeRepo{appendErr: errors.New("relation does not exist")},
		Store: &recStore{err: errors.New("minio down")},
	}
	if err := l.Append(context.Background(), rows(t), "fct_order"); err == nil {
		t.Fatalf("expected append failure")
	}
	if !strings.Contains(std.String(), "table=fct_order") || !strings.Contains(std.String(), "minio down") {
		t.Fatalf("standard log=%q, want quarantine error printed", std.String())
	}
}

func TestReader_Read(t *testing.T) {
	t.Parallel()

	r := &Reader{Repo: &fakeRepo{readErr: storage.ErrTableNotFound}}
	if _, err := r.Read(context.Background(), "dim_products"); !errors.Is(err, storage.ErrTableNotFound) {
		t.Fatalf("err=%v want ErrTableNotFound", err)
	}
	r = &Reader{Repo: &fakeRepo{read: rows(t)}}
	got, err := r.Read(context.Background(), "dim_customers")
	if err != nil || got.Len() != 2 {
		t.Fatalf("rows=%d err=%v", got.Len(), err)
	}
}
