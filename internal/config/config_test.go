package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"retailetl/internal/storage"
)

const sampleJSON = `{
  "job": "nightly",
  "source": {"kind": "postgres", "dsn": "postgres://src", "sheet": {"path": "stores.xlsx"}},
  "staging": {"kind": "postgres", "dsn": "postgres://stg"},
  "warehouse": {
    "kind": "postgres",
    "dsn": "postgres://dwh",
    "tables": [{
      "name": "dim_customers",
      "auto_create_table": true,
      "primary_key": {"name": "sk_customer_id", "type": "serial"},
      "columns": [{"name": "nk_customer_id", "type": "bigint"}]
    }]
  },
  "quarantine": {"kind": "minio", "endpoint": "localhost:9000"}
}`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_FileAndDefaults(t *testing.T) {
	p, err := Load(writeFile(t, "pipeline.json", sampleJSON))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Job != "nightly" || p.Source.Kind != "postgres" || p.Source.DSN != "postgres://src" {
		t.Fatalf("p=%+v", p)
	}
	if p.Source.Schema != "public" || p.Source.Sheet.Table != "store_branch" {
		t.Fatalf("defaults not applied: %+v", p.Source)
	}
	if p.Quarantine.StagingBucket != "error-dellstore" || p.Quarantine.WarehouseBucket != "minio-container" {
		t.Fatalf("bucket defaults: %+v", p.Quarantine)
	}
	if len(p.Warehouse.Tables) != 1 {
		t.Fatalf("tables=%+v", p.Warehouse.Tables)
	}
	tb := p.Warehouse.Tables[0]
	if !tb.AutoCreateTable || tb.PrimaryKey == nil || tb.PrimaryKey.Name != "sk_customer_id" {
		t.Fatalf("table=%+v", tb)
	}
}

// Not parallel: mutates the process environment.
func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RETAIL_ETL_STAGING_DSN", "postgres://from-env")
	t.Setenv("RETAIL_ETL_RUNTIME_SKIP_STAGING", "true")
	t.Setenv("RETAIL_ETL_RUNTIME_ONLY", "order,products")

	p, err := Load(writeFile(t, "pipeline.yaml", "staging:\n  kind: sqlite\n  dsn: file.db\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Staging.Kind != "sqlite" || p.Staging.DSN != "postgres://from-env" {
		t.Fatalf("staging=%+v", p.Staging)
	}
	if !p.Runtime.SkipStaging {
		t.Fatalf("skip_staging not overridden")
	}
	if !reflect.DeepEqual(p.Runtime.Only, []string{"order", "products"}) {
		t.Fatalf("only=%v", p.Runtime.Only)
	}
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil || !strings.Contains(err.Error(), "read config") {
		t.Fatalf("err=%v want read config error", err)
	}
	if _, err := Load(writeFile(t, "bad.json", "{")); err == nil {
		t.Fatalf("expected parse error")
	}
}

func validPipeline() Pipeline {
	return Pipeline{
		Job:        "j",
		Source:     Source{Store: Store{Kind: "postgres", DSN: "src"}, Sheet: Sheet{Path: "s.xlsx", Table: "store_branch"}},
		Staging:    Store{Kind: "postgres", DSN: "stg"},
		Warehouse:  Warehouse{Store: Store{Kind: "postgres", DSN: "dwh"}},
		Log:        Log{Store: Store{Kind: "postgres", DSN: "log"}},
		Quarantine: Quarantine{Kind: "dir", Dir: "/tmp/q"},
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		mutate   func(p *Pipeline)
		wantPath string
		wantSev  Severity
	}{
		{name: "missing_source_kind", mutate: func(p *Pipeline) { p.Source.Kind = "" }, wantPath: "source.kind", wantSev: SeverityError},
		{name: "missing_warehouse_dsn", mutate: func(p *Pipeline) { p.Warehouse.DSN = " " }, wantPath: "warehouse.dsn", wantSev: SeverityError},
		{name: "no_sheet", mutate: func(p *Pipeline) { p.Source.Sheet.Path = "" }, wantPath: "source.sheet.path", wantSev: SeverityWarning},
		{name: "sheet_without_table", mutate: func(p *Pipeline) { p.Source.Sheet.Table = "" }, wantPath: "source.sheet.table", wantSev: SeverityError},
		{name: "log_without_dsn", mutate: func(p *Pipeline) { p.Log.DSN = "" }, wantPath: "log.dsn", wantSev: SeverityError},
		{name: "bad_quarantine", mutate: func(p *Pipeline) { p.Quarantine.Kind = "s3" }, wantPath: "quarantine.kind", wantSev: SeverityError},
		{name: "minio_without_endpoint", mutate: func(p *Pipeline) { p.Quarantine = Quarantine{Kind: "minio"} }, wantPath: "quarantine.endpoint", wantSev: SeverityError},
		{
			name: "duplicate_table",
			mutate: func(p *Pipeline) {
				p.Warehouse.Tables = []storage.TableSpec{{Name: "dim_x"}, {Name: "dim_x"}}
			},
			wantPath: "warehouse.tables[1].name",
			wantSev:  SeverityError,
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := validPipeline()
			tc.mutate(&p)

			var found bool
			for _, iss := range Validate(p) {
				if iss.Path == tc.wantPath && iss.Severity == tc.wantSev {
					found = true
				}
			}
			if !found {
				t.Fatalf("issues=%v want %s %s", Validate(p), tc.wantSev, tc.wantPath)
			}
		})
	}
}

func TestValidate_ValidHasNoIssues(t *testing.T) {
	t.Parallel()

	if issues := Validate(validPipeline()); len(issues) != 0 {
		t.Fatalf("issues=%v want none", issues)
	}
	if err := Check(validPipeline()); err != nil {
		t.Fatalf("Check: %v", err)
	}
}

func TestValidate_SkipStagingIgnoresSource(t *testing.T) {
	t.Parallel()

	p := validPipeline()
	p.Source = Source{}
	p.Runtime.SkipStaging = true
	if err := Check(p); err != nil {
		t.Fatalf("Check: %v", err)
	}
}

func TestValidate_ErrorsBeforeWarnings(t *testing.T) {
	t.Parallel()

	p := validPipeline()
	p.Log = Log{}
	p.Staging.Kind = ""
	issues := Validate(p)
	if len(issues) != 2 {
		t.Fatalf("issues=%v want 2", issues)
	}
	if issues[0].Severity != SeverityError || issues[1].Severity != SeverityWarning {
		t.Fatalf("order=%v", issues)
	}
	err := Check(p)
	if !errors.Is(err, ErrInvalid) || !strings.Contains(err.Error(), "staging.kind") {
		t.Fatalf("err=%v", err)
	}
}
