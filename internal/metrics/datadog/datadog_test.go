package datadog

import (
	"context"
	"errors"
	"net/http"
	"os"
	"reflect"
	"runtime"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"retailetl/internal/metrics"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// fakeSubmitter captures payloads submitted by Backend.Flush().
type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []datadogV2.MetricPayload
	err      error
}

func (f *fakeSubmitter) SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, body)
	return datadogV2.IntakePayloadAccepted{}, nil, f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakeSubmitter) last() (datadogV2.MetricPayload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.payloads) == 0 {
		return datadogV2.MetricPayload{}, false
	}
	return f.payloads[len(f.payloads)-1], true
}

// quietOptions returns Options whose ticker effectively never fires.
func quietOptions(fs *fakeSubmitter, unix int64) Options {
	return Options{
		JobName:    "job1",
		FlushEvery: 24 * time.Hour,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(unix, 0) },
		newTicker:  func(d time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) },
	}
}

func metricNames(p datadogV2.MetricPayload) []string {
	var out []string
	for _, s := range p.Series {
		out = append(out, s.Metric)
	}
	sort.Strings(out)
	return out
}

// TestResolveEnvTag verifies ENV wins over DD_ENV, whitespace is ignored and
// the fallback is env:unknown.
func TestResolveEnvTag(t *testing.T) {
	oldENV := os.Getenv("ENV")
	oldDDENV := os.Getenv("DD_ENV")
	t.Cleanup(func() {
		_ = os.Setenv("ENV", oldENV)
		_ = os.Setenv("DD_ENV", oldDDENV)
	})

	tests := []struct {
		name string
		env  string
		dd   string
		want string
	}{
		{name: "ENV_wins", env: "prod", dd: "stage", want: "env:prod"},
		{name: "DD_ENV_used_when_ENV_empty", env: "", dd: "stage", want: "env:stage"},
		{name: "whitespace_ignored", env: "   ", dd: "\n\t", want: "env:unknown"},
		{name: "default_unknown", env: "", dd: "", want: "env:unknown"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_ = os.Setenv("ENV", tc.env)
			_ = os.Setenv("DD_ENV", tc.dd)
			if got := resolveEnvTag(); got != tc.want {
				t.Fatalf("resolveEnvTag()=%q, want %q", got, tc.want)
			}
		})
	}
}

func TestWrapInitErr(t *testing.T) {
	if got := wrapInitErr(nil); got != nil {
		t.Fatalf("wrapInitErr(nil)=%v, want nil", got)
	}

	in := errors.New("boom")
	got := wrapInitErr(in)
	if got == nil || !strings.Contains(got.Error(), "datadog metrics init:") {
		t.Fatalf("wrapInitErr prefix missing: %v", got)
	}
	if !errors.Is(got, in) {
		t.Fatalf("wrapInitErr did not wrap original error: got=%v", got)
	}
}

func TestNewBackend_NilContext(t *testing.T) {
	//nolint:staticcheck // nil context is the case under test
	_, err := NewBackend(nil, Options{submitter: &fakeSubmitter{}})
	if err == nil || !strings.Contains(err.Error(), "datadog metrics init:") {
		t.Fatalf("err=%v want datadog metrics init error", err)
	}
}

func TestStepStatusKeyRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		step   string
		status string
	}{
		{name: "normal", step: "customer", status: "success"},
		{name: "empty_step", step: "", status: "failed"},
		{name: "empty_status", step: "order", status: ""},
		{name: "both_empty", step: "", status: ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			step, status := splitStepStatusKey(stepStatusKey(tc.step, tc.status))
			if step != tc.step || status != tc.status {
				t.Fatalf("roundtrip got=(%q,%q), want=(%q,%q)", step, status, tc.step, tc.status)
			}
		})
	}

	t.Run("split_without_separator_defaults_unknown_status", func(t *testing.T) {
		step, status := splitStepStatusKey("no-sep")
		if step != "no-sep" || status != "unknown" {
			t.Fatalf("splitStepStatusKey()=(%q,%q), want=(%q,%q)", step, status, "no-sep", "unknown")
		}
	})
}

// TestWithTags verifies the result never aliases base.
func TestWithTags(t *testing.T) {
	base := []string{"env:test", "job:etl"}
	got := withTags(base, "step:order", "status:success")
	want := []string{"env:test", "job:etl", "step:order", "status:success"}

	if !reflect.DeepEqual(got, want) {
		t.Fatalf("withTags()=%v, want %v", got, want)
	}
	got[0] = "env:mutated"
	if base[0] == "env:mutated" {
		t.Fatalf("withTags output aliases base slice")
	}
}

func TestPercentileNearestRank(t *testing.T) {
	tests := []struct {
		name string
		s    []float64
		p    float64
		want float64
	}{
		{name: "empty", s: nil, p: 0.50, want: 0},
		{name: "single", s: []float64{7}, p: 0.95, want: 7},
		{name: "p_le_0", s: []float64{1, 2, 3}, p: -1, want: 1},
		{name: "p_ge_1", s: []float64{1, 2, 3}, p: 2, want: 3},
		{name: "median", s: []float64{1, 2, 3, 4, 5}, p: 0.50, want: 3},
		{name: "p90_small_n", s: []float64{1, 2, 3, 4, 5}, p: 0.90, want: 5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := percentileNearestRank(tc.s, tc.p); got != tc.want {
				t.Fatalf("percentileNearestRank(%v,%v)=%v, want %v", tc.s, tc.p, got, tc.want)
			}
		})
	}
}

func TestSeriesTypes(t *testing.T) {
	now := int64(1234567)
	g := gaugeSeries("etl.test.gauge", 3.14, []string{"env:test"}, now)
	if g.Type == nil || *g.Type != datadogV2.METRICINTAKETYPE_GAUGE {
		t.Fatalf("gauge Type=%v, want GAUGE", g.Type)
	}
	c := countSeries("etl.test.count", 2, nil, now)
	if c.Type == nil || *c.Type != datadogV2.METRICINTAKETYPE_COUNT {
		t.Fatalf("count Type=%v, want COUNT", c.Type)
	}
	for _, s := range []datadogV2.MetricSeries{g, c} {
		if len(s.Points) != 1 || *s.Points[0].Timestamp != now {
			t.Fatalf("%s points=%v want one point at %d", s.Metric, s.Points, now)
		}
	}
	if *g.Points[0].Value != 3.14 {
		t.Fatalf("gauge value=%v want 3.14", *g.Points[0].Value)
	}
}

// TestAddPercentiles verifies six gauges are emitted and the input is not
// reordered.
func TestAddPercentiles(t *testing.T) {
	base := []string{"env:test", "job:etl"}
	orig := []float64{5, 1, 3, 2, 4}
	in := append([]float64(nil), orig...)

	var series []datadogV2.MetricSeries
	addPercentiles(&series, base, "etl.step.duration_seconds", stepStatusKey("product", "success"), in, 999)

	if len(series) != 6 {
		t.Fatalf("series.len=%d, want 6", len(series))
	}
	if !reflect.DeepEqual(in, orig) {
		t.Fatalf("samples mutated: got %v, want %v", in, orig)
	}
	last := series[5]
	if last.Metric != "etl.step.duration_seconds.samples" || *last.Points[0].Value != 5 {
		t.Fatalf("samples gauge=%s %v, want 5", last.Metric, *last.Points[0].Value)
	}
	if !contains(last.Tags, "step:product") || !contains(last.Tags, "status:success") {
		t.Fatalf("tags=%v", last.Tags)
	}
}

func TestNewBackend_Defaults(t *testing.T) {
	fs := &fakeSubmitter{}
	opts := quietOptions(fs, 123)
	opts.JobName = ""
	opts.FlushEvery = 0
	opts.Tags = []string{"service:etl"}

	b, err := NewBackend(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewBackend() err=%v, want nil", err)
	}
	defer func() { _ = b.Close() }()

	if !contains(b.baseTags, "job:retail_etl") {
		t.Fatalf("baseTags missing job:retail_etl: %v", b.baseTags)
	}
	if !contains(b.baseTags, "service:etl") {
		t.Fatalf("baseTags missing service:etl: %v", b.baseTags)
	}
	if b.flushEvery != 60*time.Second {
		t.Fatalf("flushEvery=%s, want 60s", b.flushEvery)
	}
}

func TestFlush_SubmitsAndResets(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs, 1000))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	// Go through the facade names so the contract between the two stays tested.
	b.IncCounter(metrics.StepTotal, 2, metrics.Labels{"step": "customer", "status": "success"})
	b.IncCounter(metrics.RecordsTotal, 3, metrics.Labels{"kind": "loaded"})
	b.IncCounter(metrics.BatchesTotal, 1, nil)
	b.IncCounter(metrics.JoinDroppedTotal, 4, metrics.Labels{"kind": "order_employee"})
	b.ObserveHistogram(metrics.StepDuration, 0.5, metrics.Labels{"step": "customer", "status": "success"})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 1 {
		t.Fatalf("submit calls=%d, want 1", fs.count())
	}
	if len(b.stepCounts) != 0 || len(b.recordCounts) != 0 || b.batchCount != 0 || len(b.durationSamples) != 0 || len(b.joinDropped) != 0 {
		t.Fatalf("buffers not reset after Flush")
	}

	payload, _ := fs.last()
	names := metricNames(payload)
	for _, w := range []string{
		"etl.batches.total",
		"etl.join.dropped.total",
		"etl.records.total",
		"etl.step.total",
		"etl.step.duration_seconds.p50",
		"etl.step.duration_seconds.samples",
	} {
		if !contains(names, w) {
			t.Fatalf("payload missing metric %q; got=%v", w, names)
		}
	}
	for _, s := range payload.Series {
		if s.Metric == "etl.join.dropped.total" && !contains(s.Tags, "join:order_employee") {
			t.Fatalf("join tag missing: %v", s.Tags)
		}
	}
}

func TestFlush_SubmitErrorStillResets(t *testing.T) {
	fs := &fakeSubmitter{err: errors.New("403")}
	b, err := NewBackend(context.Background(), quietOptions(fs, 1000))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { fs.err = nil; _ = b.Close() }()

	b.IncCounter(metrics.BatchesTotal, 1, nil)
	if err := b.Flush(); err == nil {
		t.Fatalf("Flush() err=nil, want submit error")
	}
	if b.batchCount != 0 {
		t.Fatalf("batchCount=%v, want reset after failed submit", b.batchCount)
	}
}

func TestFlush_NoDataDoesNotSubmit(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs, 1000))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 0 {
		t.Fatalf("unexpected submission count=%d, want 0", fs.count())
	}
}

// TestLoopAndClose verifies the ticker flushes and Close performs a final flush.
func TestLoopAndClose(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), Options{
		JobName:    "job1",
		FlushEvery: 5 * time.Millisecond,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(2000, 0) },
	})
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}

	b.IncCounter(metrics.BatchesTotal, 1, nil)

	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) && fs.count() < 1 {
		time.Sleep(2 * time.Millisecond)
	}
	if fs.count() < 1 {
		_ = b.Close()
		t.Fatalf("expected at least one background Flush submission; got %d", fs.count())
	}

	b.IncCounter(metrics.BatchesTotal, 1, nil)
	if err := b.Close(); err != nil {
		t.Fatalf("Close() err=%v, want nil", err)
	}
	if fs.count() < 2 {
		t.Fatalf("expected at least 2 submissions after Close; got %d", fs.count())
	}
}

func TestBackend_ConcurrentAccess(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs, 3000))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	workers := runtime.GOMAXPROCS(0) * 4
	iters := 2000

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iters; j++ {
				b.IncCounter(metrics.BatchesTotal, 1, nil)
				b.IncCounter(metrics.StepTotal, 1, metrics.Labels{"step": "order", "status": "success"})
				b.IncCounter(metrics.RecordsTotal, 1, metrics.Labels{"kind": "loaded"})
				b.IncCounter(metrics.JoinDroppedTotal, 1, metrics.Labels{"kind": "order_product"})
				b.ObserveHistogram(metrics.StepDuration, 0.01, metrics.Labels{"step": "order", "status": "success"})
			}
		}()
	}
	wg.Wait()

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 1 {
		t.Fatalf("submit calls=%d, want 1", fs.count())
	}
	payload, _ := fs.last()
	for _, s := range payload.Series {
		if s.Metric == "etl.batches.total" && *s.Points[0].Value != float64(workers*iters) {
			t.Fatalf("batches=%v want %d", *s.Points[0].Value, workers*iters)
		}
	}
}

func TestIgnoredObservations(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs, 4000))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	b.IncCounter(metrics.BatchesTotal, 0, nil)
	b.IncCounter(metrics.RecordsTotal, 1, metrics.Labels{})
	b.IncCounter("unknown_total", 1, metrics.Labels{"x": "y"})
	b.ObserveHistogram(metrics.StepDuration, -1, metrics.Labels{"step": "order", "status": "success"})
	b.ObserveHistogram("unknown_seconds", 1, nil)

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 0 {
		t.Fatalf("ignored observations were submitted: %d", fs.count())
	}

	// A join drop without a kind is still counted.
	b.IncCounter(metrics.JoinDroppedTotal, 1, nil)
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v", err)
	}
	payload, _ := fs.last()
	if len(payload.Series) != 1 || !contains(payload.Series[0].Tags, "join:unknown") {
		t.Fatalf("series=%+v want one join:unknown", payload.Series)
	}
}

func contains[T comparable](xs []T, v T) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func TestParseTagsCSV(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want []string
	}{
		{name: "empty_returns_nil", in: "", want: nil},
		{name: "trims_and_skips_empty_segments", in: " env:prod , ,service:etl,  ,team:data ", want: []string{"env:prod", "service:etl", "team:data"}},
		{name: "single_tag", in: "service:etl", want: []string{"service:etl"}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := ParseTagsCSV(tc.in); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("ParseTagsCSV(%q)=%v, want %v", tc.in, got, tc.want)
			}
		})
	}
}
