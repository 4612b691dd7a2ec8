package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"retailetl/internal/config"
	"retailetl/internal/metrics"
	"retailetl/internal/metrics/datadog"
	"retailetl/internal/pipeline"
	"retailetl/internal/storage"

	// register all backends with the storage factory.
	// config specifies which to use but we need to build in support for all of them.
	_ "retailetl/internal/storage/all"
)

// runner is the pipeline surface the CLI needs.
type runner interface {
	Run(ctx context.Context, cfg config.Pipeline) (*pipeline.Report, error)
}

// metricsBackend is what initMetrics owns and closes.
type metricsBackend interface {
	Close() error
}

// appDeps are the side-effecting seams of runMain.
type appDeps struct {
	loadConfig  func(path string) (config.Pipeline, error)
	newRunner   func(logger pipeline.Logger) runner
	initMetrics func(ctx context.Context, jobName, backendName string) (func(), error)
	listTables  func(ctx context.Context, cfg storage.Config, schema string) ([]string, error)
}

func defaultDeps() appDeps {
	return appDeps{
		loadConfig: config.Load,
		newRunner: func(logger pipeline.Logger) runner {
			return pipeline.NewDefaultRunner(logger)
		},
		initMetrics: initMetrics,
		listTables:  listTables,
	}
}

// main is the entry point for the ETL binary.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func fail(code int, format string, a ...any) error {
	return &exitError{code: code, err: fmt.Errorf(format, a...)}
}

// runMain executes the CLI and returns the exit code: 0 on success, 1 on
// config, metrics, run or entity failure, 2 on usage errors.
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	var (
		cfgPath        string
		metricsBackend string
		verbose        bool
	)

	root := &cobra.Command{
		Use:           "etl",
		Short:         "Retail warehouse ETL: source -> staging -> dimensional warehouse",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return fail(2, "usage: etl <run|validate|tables> --config path/to/pipeline.json")
		},
	}
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "pipeline config path (JSON, YAML or TOML)")
	root.PersistentFlags().StringVar(&metricsBackend, "metrics-backend", os.Getenv("METRICS_BACKEND"), "metrics backend (none, datadog)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable per-stage logs")

	load := func() (config.Pipeline, error) {
		if strings.TrimSpace(cfgPath) == "" {
			return config.Pipeline{}, fail(2, "usage: etl <run|validate|tables> --config path/to/pipeline.json")
		}
		p, err := deps.loadConfig(cfgPath)
		if err != nil {
			return config.Pipeline{}, fail(1, "load config: %v", err)
		}
		return p, nil
	}

	// report prints every issue and fails when any is an error.
	report := func(p config.Pipeline) error {
		hasError := false
		for _, iss := range config.Validate(p) {
			fmt.Fprintln(stderr, iss.String())
			if iss.Severity == config.SeverityError {
				hasError = true
			}
		}
		if hasError {
			return fail(1, "configuration is invalid: %s", cfgPath)
		}
		return nil
	}

	var (
		only        []string
		skipStaging bool
	)
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run staging and warehouse stages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("only") {
				p.Runtime.Only = only
			}
			if cmd.Flags().Changed("skip-staging") {
				p.Runtime.SkipStaging = skipStaging
			}
			if err := report(p); err != nil {
				return err
			}

			cleanup, err := deps.initMetrics(cmd.Context(), p.Job, metricsBackend)
			if err != nil {
				return fail(1, "init metrics: %v", err)
			}
			defer cleanup()

			var logger pipeline.Logger
			if verbose {
				logger = log.New(stderr, "", log.LstdFlags)
			}

			start := time.Now()
			rep, err := deps.newRunner(logger).Run(cmd.Context(), p)
			if err != nil {
				return fail(1, "run: %v", err)
			}
			rep.WriteSummary(stdout)
			if verbose {
				fmt.Fprintf(stderr, "completed in %s\n", time.Since(start).Truncate(time.Millisecond))
			}
			if rep.Failed() {
				return fail(1, "run %s: %d entities failed", rep.RunID, len(rep.Failures()))
			}
			return nil
		},
	}
	runCmd.Flags().StringSliceVar(&only, "only", nil, "restrict the warehouse stage to these entities")
	runCmd.Flags().BoolVar(&skipStaging, "skip-staging", false, "run the warehouse stage only")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := load()
			if err != nil {
				return err
			}
			if err := report(p); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "configuration is valid: %s\n", cfgPath)
			return nil
		},
	}

	tablesCmd := &cobra.Command{
		Use:   "tables",
		Short: "List the source tables the staging stage would copy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := load()
			if err != nil {
				return err
			}
			cfg := p.Source.StorageConfig()
			cfg.DSN = os.ExpandEnv(cfg.DSN)
			names, err := deps.listTables(cmd.Context(), cfg, p.Source.Schema)
			if err != nil {
				return fail(1, "list tables: %v", err)
			}
			for _, n := range names {
				fmt.Fprintln(stdout, n)
			}
			return nil
		},
	}

	root.AddCommand(runCmd, validateCmd, tablesCmd)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		fmt.Fprintln(stderr, ee.err)
		return ee.code
	}
	// cobra argument and flag errors
	fmt.Fprintln(stderr, err)
	return 2
}

func listTables(ctx context.Context, cfg storage.Config, schema string) ([]string, error) {
	repo, err := storage.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer repo.Close()
	if schema == "" {
		schema = "public"
	}
	return repo.ListTables(ctx, schema)
}

// Seams for initMetrics tests.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		return datadog.NewBackend(ctx, opts)
	}
	setMetricsBackend = func(b any) {
		if mb, ok := b.(metrics.Backend); ok {
			metrics.SetBackend(mb)
		}
	}
	logPrintf = log.Printf
)

// initMetrics wires the named metrics backend into the metrics package. The
// returned cleanup is never nil and flushes the backend.
func initMetrics(ctx context.Context, jobName, backendName string) (func(), error) {
	if jobName == "" {
		jobName = "retail_etl"
	}
	switch strings.ToLower(strings.TrimSpace(backendName)) {
	case "", "none", "noop":
		return func() {}, nil

	case "datadog", "dd":
		// Datadog buffers and submits every FlushEvery, plus once on Close.
		b, err := newDatadogBackend(ctx, datadog.Options{
			JobName:    jobName,
			Tags:       datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS")),
			FlushEvery: 60 * time.Second,
		})
		if err != nil {
			return func() {}, err
		}
		setMetricsBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				logPrintf("metrics: datadog close error: %v", err)
			}
		}, nil

	default:
		return func() {}, fmt.Errorf("unknown metrics backend %q (want none|datadog)", backendName)
	}
}
