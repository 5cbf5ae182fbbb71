package benchmark

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"zkbenchmarker/config"
	"zkbenchmarker/namespace"
)

// ProgressTracker displays the progress of one load phase.
type ProgressTracker interface {
	Add(n int)
	Finish()
}

// Reporter receives each phase's results as soon as they are available.
type Reporter interface {
	LoadFinished(res *LoadResult)
	Measured(st *LatencyStats)
	ServerStats(run string, st *namespace.ServerStats)
}

// RunResult is the outcome of one run.
type RunResult struct {
	Run        config.RunConfig
	Parent     string
	Load       *LoadResult
	Latency    *LatencyStats // nil when measurement was skipped
	MeasureErr error
	Server     *namespace.ServerStats
}

// Benchmark sequences runs: each run loads its parent node and then optionally measures
// it. Runs never overlap.
type Benchmark struct {
	cfg         config.BenchmarkConfig
	connector   namespace.Connector
	spawn       Spawner
	clock       Clock
	newProgress func(total int, caption string) ProgressTracker
	reporter    Reporter
	probe       *namespace.AdminProbe
	log         *log.Entry
}

// Option customizes a Benchmark.
type Option func(*Benchmark)

// WithSpawner sets how worker processes are started for the process strategy.
func WithSpawner(spawn Spawner) Option {
	return func(b *Benchmark) { b.spawn = spawn }
}

func WithClock(clock Clock) Option {
	return func(b *Benchmark) { b.clock = clock }
}

func WithProgress(newProgress func(total int, caption string) ProgressTracker) Option {
	return func(b *Benchmark) { b.newProgress = newProgress }
}

func WithReporter(r Reporter) Option {
	return func(b *Benchmark) { b.reporter = r }
}

func WithLogger(logger *log.Entry) Option {
	return func(b *Benchmark) { b.log = logger }
}

// New creates a benchmark over cfg. cfg is copied and never modified.
func New(cfg config.BenchmarkConfig, connector namespace.Connector, opts ...Option) *Benchmark {
	b := &Benchmark{
		cfg:       cfg,
		connector: connector,
		log:       log.NewEntry(log.StandardLogger()),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.WithField("session", uuid.NewString())
	if b.newProgress == nil {
		b.newProgress = func(int, string) ProgressTracker { return nopTracker{} }
	}
	if b.reporter == nil {
		b.reporter = logReporter{b.log}
	}
	if cfg.Namespace.AdminURL != "" {
		probe, err := namespace.NewAdminProbe(cfg.Namespace.AdminURL)
		if err != nil {
			b.log.WithError(err).Warn("admin probe disabled")
		}
		b.probe = probe
	}
	return b
}

// Run validates the configuration, then executes every run in order. A configuration
// error is returned before anything is written. Failed chunks and failed measurements
// are recorded in the results; only a connection failure while preparing a run's parent
// node stops the benchmark.
func (b *Benchmark) Run(ctx context.Context) ([]RunResult, error) {
	if err := b.cfg.Validate(); err != nil {
		return nil, err
	}
	executor, err := NewLoadExecutor(b.cfg, b.connector, b.spawn, b.log)
	if err != nil {
		return nil, err
	}

	results := make([]RunResult, 0, len(b.cfg.Runs))
	for idx, run := range b.cfg.Runs {
		b.log.Infof("Starting benchmark run: %s [%d of %d]", run.Name, idx+1, len(b.cfg.Runs))
		res, err := b.runOne(ctx, executor, run)
		results = append(results, res)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

func (b *Benchmark) runOne(ctx context.Context, executor LoadExecutor, run config.RunConfig) (RunResult, error) {
	parent := b.cfg.ParentPath(run)
	res := RunResult{Run: run, Parent: parent}
	logger := b.log.WithField("run", run.Name)

	logger.Infof("Loading nodes under path: %s", parent)
	err := namespace.WithClient(ctx, b.connector, "data_loader", func(c namespace.Client) error {
		_, err := c.CreateIfAbsent(ctx, parent, nil)
		return err
	})
	if err != nil {
		return res, errors.WithMessagef(err, "run %s: prepare %s", run.Name, parent)
	}

	tracker := b.newProgress(run.Children.Count, run.Name)
	res.Load = executor.Load(ctx, LoadRequest{
		Run:      run.Name,
		Parent:   parent,
		Spec:     run.Children,
		Progress: tracker.Add,
	})
	tracker.Finish()
	b.reporter.LoadFinished(res.Load)

	if b.probe != nil {
		st, err := b.probe.Stats(ctx)
		if err != nil {
			logger.WithError(err).Warn("admin probe failed")
		} else {
			res.Server = st
			b.reporter.ServerStats(run.Name, st)
		}
	}

	if b.cfg.SkipMeasure {
		return res, nil
	}
	res.Latency, res.MeasureErr = b.measure(ctx, parent)
	if res.MeasureErr != nil {
		logger.WithError(res.MeasureErr).Error("measurement failed")
	}
	if res.Latency != nil {
		b.reporter.Measured(res.Latency)
	}
	return res, nil
}

func (b *Benchmark) measure(ctx context.Context, parent string) (*LatencyStats, error) {
	sampler := NewSampler(b.clock, b.log)
	var st *LatencyStats
	err := namespace.WithClient(ctx, b.connector, "measure", func(c namespace.Client) error {
		var err error
		st, err = sampler.Measure(ctx, c, parent, b.cfg.MeasureSamples)
		return err
	})
	return st, err
}

// Cleanup deletes the configured root and everything below it. It cannot be undone.
func (b *Benchmark) Cleanup(ctx context.Context) error {
	root := b.cfg.Namespace.Root
	b.log.Infof("cleanup all in %s", root)
	return namespace.WithClient(ctx, b.connector, "cleanup", func(c namespace.Client) error {
		return errors.WithMessagef(c.DeleteRecursive(ctx, root), "cleanup %s", root)
	})
}

type nopTracker struct{}

func (nopTracker) Add(int) {}
func (nopTracker) Finish() {}

// logReporter is the default Reporter.
type logReporter struct {
	log *log.Entry
}

func (r logReporter) LoadFinished(*LoadResult) {}

func (r logReporter) Measured(st *LatencyStats) {
	if len(st.Samples) == 0 {
		return
	}
	r.log.Infof("Latency get_children on path %s: Min: %.3f ms | Max: %.3f ms | Avg: %.3f ms", st.Path, st.Min, st.Max, st.Mean)
}

func (r logReporter) ServerStats(run string, st *namespace.ServerStats) {
	r.log.WithField("run", run).Infof("server reports %d znodes", st.ZnodeCount)
}
