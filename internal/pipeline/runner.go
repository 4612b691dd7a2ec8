package pipeline

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"retailetl/internal/auditlog"
	"retailetl/internal/config"
	"retailetl/internal/quarantine"
	"retailetl/internal/source"
	"retailetl/internal/staging"
	"retailetl/internal/storage"
	"retailetl/internal/transform"
	"retailetl/internal/warehouse"
)

// Runner opens the stores named by a config.Pipeline and runs it.
type Runner struct {
	// storage-agnostic factory seam
	NewRepository func(ctx context.Context, cfg storage.Config) (storage.Repository, error)
	NewStore      func(cfg config.Quarantine) (quarantine.Store, error)
	Now           func() time.Time
	Logger        Logger
}

// NewDefaultRunner returns a Runner backed by the registered storage
// backends and the configured quarantine store.
func NewDefaultRunner(logger Logger) *Runner {
	return &Runner{
		NewRepository: storage.New,
		NewStore:      NewStore,
		Now:           time.Now,
		Logger:        logger,
	}
}

// NewStore builds the quarantine store for cfg. "none" returns a nil store,
// which disables quarantine.
func NewStore(cfg config.Quarantine) (quarantine.Store, error) {
	switch cfg.Kind {
	case "", "none":
		return nil, nil
	case "dir":
		return quarantine.DirStore{Root: cfg.Dir}, nil
	case "minio":
		return quarantine.NewMinioStore(quarantine.MinioOptions{
			Endpoint:  os.ExpandEnv(cfg.Endpoint),
			AccessKey: os.ExpandEnv(cfg.AccessKey),
			SecretKey: os.ExpandEnv(cfg.SecretKey),
			UseSSL:    cfg.UseSSL,
			Region:    cfg.Region,
		})
	default:
		return nil, fmt.Errorf("quarantine: unknown kind %q", cfg.Kind)
	}
}

// repoSet opens each distinct (kind, dsn) once, so stores sharing a database
// share one pool.
type repoSet struct {
	open  func(ctx context.Context, cfg storage.Config) (storage.Repository, error)
	repos map[storage.Config]storage.Repository
}

func (s *repoSet) get(ctx context.Context, st config.Store) (storage.Repository, error) {
	cfg := storage.Config{Kind: st.Kind, DSN: os.ExpandEnv(st.DSN)}
	if r, ok := s.repos[cfg]; ok {
		return r, nil
	}
	r, err := s.open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Kind, err)
	}
	s.repos[cfg] = r
	return r, nil
}

func (s *repoSet) Close() {
	for _, r := range s.repos {
		r.Close()
	}
}

// Run validates cfg, opens every store and runs the staging stage (unless
// skipped) followed by the warehouse stage. Entity failures are reported in
// the Report; the error is reserved for setup problems.
func (r *Runner) Run(ctx context.Context, cfg config.Pipeline) (*Report, error) {
	if err := config.Check(cfg); err != nil {
		return nil, err
	}
	ordered, err := Order(Entities)
	if err != nil {
		return nil, err
	}
	selected, err := Select(ordered, cfg.Runtime.Only)
	if err != nil {
		return nil, err
	}

	now := r.Now
	if now == nil {
		now = time.Now
	}
	rep := &Report{RunID: uuid.NewString(), Started: now()}
	logf := func(format string, v ...any) {
		if r.Logger != nil {
			r.Logger.Printf("run_id=%s "+format, append([]any{rep.RunID}, v...)...)
		}
	}
	// Components fall back to the standard logger for errors that must be
	// printed, so they only get a logger when the caller supplied one.
	var log Logger
	if r.Logger != nil {
		log = loggerFunc(logf)
	}

	repos := &repoSet{open: r.NewRepository, repos: map[storage.Config]storage.Repository{}}
	defer repos.Close()

	stagingRepo, err := repos.get(ctx, cfg.Staging)
	if err != nil {
		return nil, err
	}
	warehouseRepo, err := repos.get(ctx, cfg.Warehouse.Store)
	if err != nil {
		return nil, err
	}
	if err := warehouseRepo.EnsureTables(ctx, cfg.Warehouse.Tables); err != nil {
		return nil, fmt.Errorf("warehouse tables: %w", err)
	}

	var sink auditlog.Sink = auditlog.LoggerSink{Logger: log}
	if cfg.Log.Kind != "" {
		logRepo, err := repos.get(ctx, cfg.Log.Store)
		if err != nil {
			return nil, err
		}
		sink = auditlog.NewDBSink(logRepo, cfg.Log.Table, log)
	}

	store, err := r.NewStore(cfg.Quarantine)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		StagingLoader: &staging.Loader{
			Repo: stagingRepo, Sink: sink, Store: store, Bucket: cfg.Quarantine.StagingBucket, Now: now, Logger: log,
		},
		StagingReader:   &staging.Reader{Repo: stagingRepo, Sink: sink, Now: now},
		WarehouseReader: &warehouse.Reader{Repo: warehouseRepo},
		WarehouseLoader: &warehouse.Loader{
			Repo: warehouseRepo, Sink: sink, Store: store, Bucket: cfg.Quarantine.WarehouseBucket, Now: now, Logger: log,
		},
		Engine: &transform.Engine{
			Now: now, Sink: sink, Store: store, Bucket: cfg.Quarantine.WarehouseBucket, Logger: log,
		},
		Logger: log,
	}

	if !cfg.Runtime.SkipStaging {
		sourceRepo, err := repos.get(ctx, cfg.Source.Store)
		if err != nil {
			return nil, err
		}
		p.SourceDB = &source.DatabaseReader{Repo: sourceRepo, Schema: cfg.Source.Schema, Sink: sink, Now: now}
		if cfg.Source.Sheet.Path != "" {
			p.Sheet = &source.SheetReader{Path: cfg.Source.Sheet.Path, Sheet: cfg.Source.Sheet.Sheet, Sink: sink, Now: now}
			p.SheetTable = cfg.Source.Sheet.Table
		}
		logf("stage=staging status=start")
		p.Stage(ctx, rep)
	}

	logf("stage=warehouse status=start entities=%d", len(selected))
	p.Transform(ctx, rep, selected)
	rep.Finished = now()
	logf("stage=done failed=%t", rep.Failed())
	return rep, nil
}

type loggerFunc func(format string, v ...any)

func (f loggerFunc) Printf(format string, v ...any) { f(format, v...) }
