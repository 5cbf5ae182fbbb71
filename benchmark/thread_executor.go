package benchmark

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"zkbenchmarker/config"
	"zkbenchmarker/namespace"
)

// ThreadExecutor runs chunks on a bounded goroutine pool inside this process. Each
// in-flight chunk holds one namespace session, so open sessions never exceed the
// parallelism.
type ThreadExecutor struct {
	connector namespace.Connector
	loader    config.LoaderConfig
	log       *log.Entry
}

func (e *ThreadExecutor) Strategy() string { return StrategyThreads }

func (e *ThreadExecutor) Load(ctx context.Context, req LoadRequest) *LoadResult {
	start := time.Now()
	chunks := ChunkSpecs(req.Spec, e.loader.ChunkSize)
	res := newLoadResult(req, StrategyThreads, len(chunks))
	e.log.WithField("run", req.Run).Infof("Using multi threaded data loader: %d chunks, %d workers", len(chunks), e.loader.Parallelism)

	// One limiter for the whole run; chunks share the budget.
	limiter := newLimiter(float64(e.loader.RateLimit))

	var g errgroup.Group
	g.SetLimit(e.loader.Parallelism)
	for i, chunk := range chunks {
		g.Go(func() error {
			w := &chunkWorker{
				run:       req.Run,
				parent:    req.Parent,
				chunk:     chunk,
				retries:   e.loader.WriteRetries,
				connector: e.connector,
				limiter:   limiter,
				progress:  req.Progress,
				log:       e.log,
			}
			res.Chunks[i] = w.load(ctx)
			return nil
		})
	}
	_ = g.Wait()

	res.Duration = time.Since(start)
	reportChunks(e.log, res)
	return res
}
