package benchmark

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"zkbenchmarker/namespace"
)

const retryDelay = 50 * time.Millisecond

// chunkWorker writes one chunk through its own namespace session.
type chunkWorker struct {
	run       string
	parent    string
	chunk     ChunkSpec
	retries   uint
	connector namespace.Connector
	limiter   *rate.Limiter
	progress  func(n int)
	log       *log.Entry
}

// load never panics and never returns an error: every failure ends up in the result.
func (w *chunkWorker) load(ctx context.Context) (res ChunkResult) {
	res = ChunkResult{ID: w.chunk.ID, Count: w.chunk.Count}
	start := time.Now()
	logger := w.log.WithFields(log.Fields{"run": w.run, "chunk": w.chunk.ID})
	progress := w.progress
	if progress == nil {
		progress = noProgress
	}

	defer func() {
		if r := recover(); r != nil {
			res.Err = errors.Errorf("chunk worker panicked: %v", r)
			res.Failed = res.Count - res.Created - res.Existing
		}
		res.Duration = time.Since(start)
	}()

	name := fmt.Sprintf("loader-%s-%d", w.run, w.chunk.ID)
	err := namespace.WithClient(ctx, w.connector, name, func(client namespace.Client) error {
		gen := NewNodeGenerator(w.chunk)
		for node, ok := gen.Next(); ok; node, ok = gen.Next() {
			if w.limiter != nil {
				if err := w.limiter.Wait(ctx); err != nil {
					res.Failed += gen.Remaining() + 1
					return errors.Wrap(err, "rate limiter")
				}
			}

			p := namespace.Join(w.parent, node.Name)
			created, err := w.create(ctx, client, p, node.Payload)
			switch {
			case err == nil && created:
				res.Created++
			case err == nil:
				res.Existing++
			case namespace.IsConnectionError(err):
				res.Failed += gen.Remaining() + 1
				return err
			default:
				res.Failed++
				if res.Err == nil {
					res.Err = err
				}
				logger.WithField("path", p).WithError(err).Warn("loader: create failed")
			}
			progress(1)
		}
		return nil
	})
	if err != nil {
		if res.Created+res.Existing+res.Failed == 0 {
			res.Failed = res.Count
		}
		if res.Err == nil {
			res.Err = err
		}
	}
	return res
}

// create retries non-connection errors up to w.retries times.
func (w *chunkWorker) create(ctx context.Context, client namespace.Client, p string, data []byte) (bool, error) {
	var created bool
	err := retry.Do(
		func() error {
			var err error
			created, err = client.CreateIfAbsent(ctx, p, data)
			return err
		},
		retry.Attempts(w.retries+1),
		retry.Delay(retryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return !namespace.IsConnectionError(err) }),
	)
	return created, err
}
