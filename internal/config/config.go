// Package config defines the retail ETL pipeline configuration and loads it
// from a file plus RETAIL_ETL_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"retailetl/internal/storage"
)

// EnvPrefix is prepended to every environment override:
// RETAIL_ETL_STAGING_DSN overrides staging.dsn.
const EnvPrefix = "RETAIL_ETL"

// Pipeline is the whole run configuration.
type Pipeline struct {
	Job        string     `json:"job" mapstructure:"job"`
	Source     Source     `json:"source" mapstructure:"source"`
	Staging    Store      `json:"staging" mapstructure:"staging"`
	Warehouse  Warehouse  `json:"warehouse" mapstructure:"warehouse"`
	Log        Log        `json:"log" mapstructure:"log"`
	Quarantine Quarantine `json:"quarantine" mapstructure:"quarantine"`
	Runtime    Runtime    `json:"runtime" mapstructure:"runtime"`
}

// Store locates one relational store. DSNs go through os.ExpandEnv when
// opened, so they may reference ${PGPASSWORD} and similar.
type Store struct {
	// Backend kind: "postgres" | "sqlite" | "mssql" | "mysql"
	Kind string `json:"kind" mapstructure:"kind"`
	DSN  string `json:"dsn" mapstructure:"dsn"`
}

// StorageConfig returns the storage.Config for s.
func (s Store) StorageConfig() storage.Config {
	return storage.Config{Kind: s.Kind, DSN: s.DSN}
}

// Source is the operational data: a database and an optional spreadsheet.
type Source struct {
	Store  `mapstructure:",squash"`
	Schema string `json:"schema" mapstructure:"schema"`
	Sheet  Sheet  `json:"sheet" mapstructure:"sheet"`
}

// Sheet is the spreadsheet source. An empty Path disables it.
type Sheet struct {
	Path  string `json:"path" mapstructure:"path"`
	Sheet string `json:"sheet" mapstructure:"sheet"`
	// Table is the staging table the sheet is loaded into.
	Table string `json:"table" mapstructure:"table"`
}

// Warehouse is the dimensional store. Tables with auto_create_table are
// created before the first load.
type Warehouse struct {
	Store  `mapstructure:",squash"`
	Tables []storage.TableSpec `json:"tables" mapstructure:"tables"`
}

// Log is the etl_log store. An empty Kind prints entries to the process log
// instead.
type Log struct {
	Store `mapstructure:",squash"`
	Table string `json:"table" mapstructure:"table"`
}

// Quarantine configures where failed snapshots go.
type Quarantine struct {
	// Kind: "minio" | "dir" | "none"
	Kind            string `json:"kind" mapstructure:"kind"`
	Endpoint        string `json:"endpoint" mapstructure:"endpoint"`
	AccessKey       string `json:"access_key" mapstructure:"access_key"`
	SecretKey       string `json:"secret_key" mapstructure:"secret_key"`
	UseSSL          bool   `json:"use_ssl" mapstructure:"use_ssl"`
	Region          string `json:"region" mapstructure:"region"`
	Dir             string `json:"dir" mapstructure:"dir"`
	StagingBucket   string `json:"staging_bucket" mapstructure:"staging_bucket"`
	WarehouseBucket string `json:"warehouse_bucket" mapstructure:"warehouse_bucket"`
}

// Runtime controls which parts of the pipeline run.
type Runtime struct {
	// Only restricts the warehouse stage to these entities. Dependencies not
	// listed are assumed to be loaded already.
	Only        []string `json:"only" mapstructure:"only"`
	SkipStaging bool     `json:"skip_staging" mapstructure:"skip_staging"`
}

// defaults names every scalar key so AutomaticEnv can override it even when
// the file does not mention it.
var defaults = map[string]any{
	"job":                         "retail_etl",
	"source.kind":                 "",
	"source.dsn":                  "",
	"source.schema":               "public",
	"source.sheet.path":           "",
	"source.sheet.sheet":          "",
	"source.sheet.table":          "store_branch",
	"staging.kind":                "",
	"staging.dsn":                 "",
	"warehouse.kind":              "",
	"warehouse.dsn":               "",
	"log.kind":                    "",
	"log.dsn":                     "",
	"log.table":                   "etl_log",
	"quarantine.kind":             "none",
	"quarantine.endpoint":         "",
	"quarantine.access_key":       "",
	"quarantine.secret_key":       "",
	"quarantine.use_ssl":          false,
	"quarantine.region":           "",
	"quarantine.dir":              "",
	"quarantine.staging_bucket":   "error-dellstore",
	"quarantine.warehouse_bucket": "minio-container",
	"runtime.only":                []string{},
	"runtime.skip_staging":        false,
}

// Load reads path (JSON, YAML or TOML by extension) and applies environment
// overrides. An empty path loads defaults plus environment only.
func Load(path string) (Pipeline, error) {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Pipeline{}, fmt.Errorf("read config: %w", err)
		}
	}

	var p Pipeline
	if err := v.Unmarshal(&p); err != nil {
		return Pipeline{}, fmt.Errorf("parse config: %w", err)
	}
	return p, nil
}

// Severity of a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Path is the dotted config key.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

// Validate checks p and returns every issue found, errors first in config
// order. A config is runnable when no issue has SeverityError.
func Validate(p Pipeline) []Issue {
	var issues []Issue
	add := func(sev Severity, path, msg string) {
		issues = append(issues, Issue{Severity: sev, Path: path, Message: msg})
	}
	store := func(path string, s Store) {
		if strings.TrimSpace(s.Kind) == "" {
			add(SeverityError, path+".kind", "must be set")
		}
		if strings.TrimSpace(s.DSN) == "" {
			add(SeverityError, path+".dsn", "must be set")
		}
	}

	if !p.Runtime.SkipStaging {
		store("source", p.Source.Store)
		if p.Source.Sheet.Path == "" {
			add(SeverityWarning, "source.sheet.path", "not set; spreadsheet extraction is skipped")
		} else if p.Source.Sheet.Table == "" {
			add(SeverityError, "source.sheet.table", "must be set when source.sheet.path is set")
		}
	}
	store("staging", p.Staging)
	store("warehouse", p.Warehouse.Store)

	if p.Log.Kind != "" && strings.TrimSpace(p.Log.DSN) == "" {
		add(SeverityError, "log.dsn", "must be set when log.kind is set")
	}
	if p.Log.Kind == "" {
		add(SeverityWarning, "log.kind", "not set; etl_log entries are printed to the process log")
	}

	switch p.Quarantine.Kind {
	case "", "none":
		add(SeverityWarning, "quarantine.kind", "none; failed snapshots are discarded")
	case "minio":
		if p.Quarantine.Endpoint == "" {
			add(SeverityError, "quarantine.endpoint", "must be set for minio")
		}
	case "dir":
		if p.Quarantine.Dir == "" {
			add(SeverityError, "quarantine.dir", "must be set for dir")
		}
	default:
		add(SeverityError, "quarantine.kind", fmt.Sprintf("unknown kind %q (want minio|dir|none)", p.Quarantine.Kind))
	}

	seen := map[string]bool{}
	for i, t := range p.Warehouse.Tables {
		path := fmt.Sprintf("warehouse.tables[%d]", i)
		if t.Name == "" {
			add(SeverityError, path+".name", "must be set")
			continue
		}
		if seen[t.Name] {
			add(SeverityError, path+".name", fmt.Sprintf("duplicate table %q", t.Name))
		}
		seen[t.Name] = true
		if t.AutoCreateTable && len(t.Columns) == 0 && t.PrimaryKey == nil {
			add(SeverityError, path+".columns", "auto_create_table needs columns")
		}
	}

	sortIssues(issues)
	return issues
}

func sortIssues(issues []Issue) {
	// Stable partition: errors keep their relative order ahead of warnings.
	errs := issues[:0:0]
	var warns []Issue
	for _, i := range issues {
		if i.Severity == SeverityError {
			errs = append(errs, i)
		} else {
			warns = append(warns, i)
		}
	}
	copy(issues, append(errs, warns...))
}

// ErrInvalid is returned (wrapped) by Check.
var ErrInvalid = errors.New("invalid config")

// Check returns an error listing every SeverityError issue, or nil.
func Check(p Pipeline) error {
	var msgs []string
	for _, i := range Validate(p) {
		if i.Severity == SeverityError {
			msgs = append(msgs, i.Path+": "+i.Message)
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
}
