package benchmark

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"zkbenchmarker/config"
	"zkbenchmarker/namespace"
)

// Strategy names reported in results and logs.
const (
	StrategyThreads   = "threads"
	StrategyProcesses = "processes"
)

// LoadRequest describes one load phase.
type LoadRequest struct {
	Run    string
	Parent string
	Spec   config.ChildNodeSpec
	// Progress is called with the number of nodes handled since the previous call. It may
	// be called concurrently and may be nil.
	Progress func(n int)
}

// LoadExecutor fills a parent node with children using bounded chunk parallelism.
// Load waits for every chunk to finish and reports per-chunk outcomes; a failing chunk
// never stops its siblings and never makes Load itself fail.
type LoadExecutor interface {
	Load(ctx context.Context, req LoadRequest) *LoadResult
	Strategy() string
}

// ChunkResult is the outcome of one chunk.
type ChunkResult struct {
	ID       int
	Count    int
	Created  int
	Existing int // already present, e.g. a re-run or a random name collision
	Failed   int // nodes not written because of an error
	Err      error
	Duration time.Duration
}

// OK reports whether the chunk finished without any error.
func (r ChunkResult) OK() bool {
	return r.Err == nil
}

// LoadResult aggregates the chunks of one load phase.
type LoadResult struct {
	Run      string
	Parent   string
	Strategy string
	Chunks   []ChunkResult
	Duration time.Duration
}

func (r *LoadResult) Succeeded() int {
	n := 0
	for _, c := range r.Chunks {
		if c.OK() {
			n++
		}
	}
	return n
}

func (r *LoadResult) Failed() int {
	return len(r.Chunks) - r.Succeeded()
}

func (r *LoadResult) Created() int {
	return r.sum(func(c ChunkResult) int { return c.Created })
}

func (r *LoadResult) Existing() int {
	return r.sum(func(c ChunkResult) int { return c.Existing })
}

func (r *LoadResult) NodeFailures() int {
	return r.sum(func(c ChunkResult) int { return c.Failed })
}

// Errors returns the first error of every failed chunk, in chunk order.
func (r *LoadResult) Errors() []error {
	var errs []error
	for _, c := range r.Chunks {
		if c.Err != nil {
			errs = append(errs, errors.WithMessagef(c.Err, "chunk %d", c.ID))
		}
	}
	return errs
}

func (r *LoadResult) sum(f func(ChunkResult) int) int {
	n := 0
	for _, c := range r.Chunks {
		n += f(c)
	}
	return n
}

// NewLoadExecutor picks the strategy selected by cfg.Loader.UseProcesses. The process
// strategy needs spawn to start workers.
func NewLoadExecutor(cfg config.BenchmarkConfig, connector namespace.Connector, spawn Spawner, logger *log.Entry) (LoadExecutor, error) {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	if cfg.Loader.UseProcesses {
		if spawn == nil {
			return nil, errors.Wrap(config.ErrInvalidConfig, "process strategy selected without a worker spawner")
		}
		return &ProcessExecutor{namespace: cfg.Namespace, loader: cfg.Loader, spawn: spawn, log: logger}, nil
	}
	return &ThreadExecutor{connector: connector, loader: cfg.Loader, log: logger}, nil
}

func newLoadResult(req LoadRequest, strategy string, chunks int) *LoadResult {
	return &LoadResult{
		Run:      req.Run,
		Parent:   req.Parent,
		Strategy: strategy,
		Chunks:   make([]ChunkResult, chunks),
	}
}

// reportChunks logs every failed chunk once all of them have finished.
func reportChunks(logger *log.Entry, res *LoadResult) {
	for _, c := range res.Chunks {
		if c.Err == nil {
			continue
		}
		logger.WithFields(log.Fields{"run": res.Run, "chunk": c.ID}).
			WithError(c.Err).
			Errorf("loader: chunk %d failed after %d of %d nodes", c.ID, c.Created+c.Existing, c.Count)
	}
	logger.WithField("run", res.Run).Infof("loader: %d/%d chunks succeeded, %d created, %d already present, %d failed in %s",
		res.Succeeded(), len(res.Chunks), res.Created(), res.Existing(), res.NodeFailures(), res.Duration.Round(time.Millisecond))
}

// newLimiter returns nil for an unlimited rate.
func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSecond), 10)
}

func noProgress(int) {}
