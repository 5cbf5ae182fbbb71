package benchmark

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zkbenchmarker/config"
	"zkbenchmarker/namespace"
)

func loaderConfig(parallelism, chunkSize int) config.BenchmarkConfig {
	cfg := config.Default()
	cfg.Namespace.Backend = config.BackendMemory
	cfg.Namespace.Hosts = nil
	cfg.Loader.Parallelism = parallelism
	cfg.Loader.ChunkSize = chunkSize
	return cfg
}

func newThreadExecutor(t *testing.T, cfg config.BenchmarkConfig, connector namespace.Connector) (LoadExecutor, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	exec, err := NewLoadExecutor(cfg, connector, nil, log.NewEntry(logger))
	require.NoError(t, err)
	require.Equal(t, StrategyThreads, exec.Strategy())
	return exec, hook
}

func listChildren(t *testing.T, store *namespace.MemoryStore, p string) []string {
	t.Helper()
	var children []string
	err := namespace.WithClient(context.Background(), store, "inspect", func(c namespace.Client) error {
		var err error
		children, err = c.ListChildren(context.Background(), p)
		return err
	})
	require.NoError(t, err)
	return children
}

func TestThreadExecutor_LoadsEveryNode(t *testing.T) {
	store := namespace.NewMemoryStore("/benchmark")
	exec, _ := newThreadExecutor(t, loaderConfig(3, 10), store)
	progress := &countingProgress{}

	res := exec.Load(context.Background(), LoadRequest{
		Run:      "fixed",
		Parent:   "/benchmark/fixed",
		Spec:     config.ChildNodeSpec{Count: 25, FixedName: "foo", PayloadBytes: 8},
		Progress: progress.Add,
	})

	assert.Len(t, res.Chunks, 3)
	assert.Equal(t, 3, res.Succeeded())
	assert.Zero(t, res.Failed())
	assert.Equal(t, 25, res.Created())
	assert.Equal(t, int64(25), progress.n.Load())
	assert.Len(t, listChildren(t, store, "/benchmark/fixed"), 25)
	assert.Zero(t, store.OpenSessions(), "every chunk closes its session")
}

func TestThreadExecutor_RerunIsIdempotent(t *testing.T) {
	store := namespace.NewMemoryStore("/benchmark")
	exec, _ := newThreadExecutor(t, loaderConfig(2, 4), store)
	req := LoadRequest{Run: "again", Parent: "/benchmark/again", Spec: config.ChildNodeSpec{Count: 10, FixedName: "n"}}

	first := exec.Load(context.Background(), req)
	second := exec.Load(context.Background(), req)

	assert.Equal(t, 10, first.Created())
	assert.Zero(t, second.Created())
	assert.Equal(t, 10, second.Existing())
	assert.Zero(t, second.Failed())
	assert.Len(t, listChildren(t, store, "/benchmark/again"), 10)
}

func TestThreadExecutor_BoundsConcurrentChunks(t *testing.T) {
	conn := &fakeConnector{inner: namespace.NewMemoryStore("/benchmark"), writeDelay: 2 * time.Millisecond}
	exec, _ := newThreadExecutor(t, loaderConfig(4, 5), conn)

	res := exec.Load(context.Background(), LoadRequest{
		Run:    "bounded",
		Parent: "/benchmark/bounded",
		Spec:   config.ChildNodeSpec{Count: 50, FixedName: "b"},
	})

	assert.Len(t, res.Chunks, 10)
	assert.Equal(t, 10, res.Succeeded())
	assert.LessOrEqual(t, conn.peak.Load(), int32(4))
	assert.Greater(t, conn.peak.Load(), int32(1), "chunks should overlap")
	assert.Equal(t, 10, conn.connectsWithPrefix("loader-bounded-"), "one session per chunk")
	assert.Zero(t, conn.active.Load())
}

func TestThreadExecutor_ChunkFailureIsIsolated(t *testing.T) {
	conn := &fakeConnector{
		inner:  namespace.NewMemoryStore("/benchmark"),
		refuse: map[string]bool{"loader-iso-1": true},
	}
	exec, hook := newThreadExecutor(t, loaderConfig(2, 4), conn)

	res := exec.Load(context.Background(), LoadRequest{
		Run:    "iso",
		Parent: "/benchmark/iso",
		Spec:   config.ChildNodeSpec{Count: 12, FixedName: "i"},
	})

	require.Len(t, res.Chunks, 3)
	assert.Equal(t, 2, res.Succeeded())
	assert.Equal(t, 1, res.Failed())
	assert.Equal(t, 8, res.Created())
	failed := res.Chunks[1]
	assert.False(t, failed.OK())
	assert.True(t, namespace.IsConnectionError(failed.Err))
	assert.Equal(t, 4, failed.Failed)
	require.Len(t, res.Errors(), 1)
	assert.Contains(t, res.Errors()[0].Error(), "chunk 1")

	var chunkErrors []*log.Entry
	for _, e := range hook.AllEntries() {
		if e.Level == log.ErrorLevel {
			chunkErrors = append(chunkErrors, e)
		}
	}
	require.Len(t, chunkErrors, 1)
	assert.Equal(t, 1, chunkErrors[0].Data["chunk"])
	assert.Equal(t, "iso", chunkErrors[0].Data["run"])
}

func TestThreadExecutor_NodeErrorsDoNotStopTheChunk(t *testing.T) {
	conn := &fakeConnector{
		inner: namespace.NewMemoryStore("/benchmark"),
		failWrite: func(p string) error {
			if strings.HasSuffix(p, "/w_2") {
				return errors.New("transient rejection")
			}
			return nil
		},
	}
	exec, hook := newThreadExecutor(t, loaderConfig(1, 10), conn)

	res := exec.Load(context.Background(), LoadRequest{
		Run:    "partial",
		Parent: "/benchmark/partial",
		Spec:   config.ChildNodeSpec{Count: 4, FixedName: "w"},
	})

	require.Len(t, res.Chunks, 1)
	c := res.Chunks[0]
	assert.Equal(t, 3, c.Created)
	assert.Equal(t, 1, c.Failed)
	assert.EqualError(t, c.Err, "transient rejection")
	assert.Equal(t, 1, res.Failed())

	warned := false
	for _, e := range hook.AllEntries() {
		if e.Level == log.WarnLevel && e.Data["path"] == "/benchmark/partial/w_2" {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestThreadExecutor_RetriesTransientWrites(t *testing.T) {
	attempts := 0
	conn := &fakeConnector{
		inner: namespace.NewMemoryStore("/benchmark"),
		failWrite: func(p string) error {
			if strings.HasSuffix(p, "/r_1") {
				attempts++
				if attempts < 3 {
					return errors.New("try again")
				}
			}
			return nil
		},
	}
	cfg := loaderConfig(1, 10)
	cfg.Loader.WriteRetries = 2
	exec, _ := newThreadExecutor(t, cfg, conn)

	res := exec.Load(context.Background(), LoadRequest{
		Run:    "retry",
		Parent: "/benchmark/retry",
		Spec:   config.ChildNodeSpec{Count: 2, FixedName: "r"},
	})

	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2, res.Created())
	assert.Zero(t, res.Failed())
}

func TestThreadExecutor_ConnectionLossAbortsOnlyThatChunk(t *testing.T) {
	conn := &fakeConnector{
		inner: namespace.NewMemoryStore("/benchmark"),
		failWrite: func(p string) error {
			if strings.HasSuffix(p, "/c_2") {
				return errors.Wrap(namespace.ErrConnection, "session expired")
			}
			return nil
		},
	}
	exec, _ := newThreadExecutor(t, loaderConfig(2, 5), conn)

	res := exec.Load(context.Background(), LoadRequest{
		Run:    "lost",
		Parent: "/benchmark/lost",
		Spec:   config.ChildNodeSpec{Count: 10, FixedName: "c"},
	})

	first := res.Chunks[0]
	assert.Equal(t, 1, first.Created)
	assert.Equal(t, 4, first.Failed, "the failing node and everything after it")
	assert.True(t, namespace.IsConnectionError(first.Err))
	assert.True(t, res.Chunks[1].OK())
	assert.Equal(t, 5, res.Chunks[1].Created)
}

func TestThreadExecutor_ZeroCountDoesNoWork(t *testing.T) {
	conn := &fakeConnector{inner: namespace.NewMemoryStore("/benchmark")}
	exec, _ := newThreadExecutor(t, loaderConfig(2, 5), conn)

	res := exec.Load(context.Background(), LoadRequest{Run: "none", Parent: "/benchmark/none"})

	assert.Empty(t, res.Chunks)
	assert.Zero(t, conn.connectsWithPrefix(""))
}

func TestNewLoadExecutor_ProcessNeedsSpawner(t *testing.T) {
	cfg := loaderConfig(2, 5)
	cfg.Loader.UseProcesses = true
	_, err := NewLoadExecutor(cfg, nil, nil, nil)
	assert.True(t, errors.Is(err, config.ErrInvalidConfig))
}

func TestChunkWorker_LoadUsesItsOwnSession(t *testing.T) {
	conn := &fakeConnector{inner: namespace.NewMemoryStore("/benchmark")}
	progress := &countingProgress{}
	w := &chunkWorker{
		run:       "single",
		parent:    "/benchmark/single",
		chunk:     ChunkSpec{ID: 3, Count: 7, Offset: 14, FixedName: "w", PayloadBytes: 8},
		connector: conn,
		progress:  progress.Add,
		log:       log.NewEntry(log.StandardLogger()),
	}

	res := w.load(context.Background())
	require.True(t, res.OK())
	assert.Equal(t, 3, res.ID)
	assert.Equal(t, 7, res.Created)
	assert.Equal(t, int64(7), progress.n.Load())
	assert.Equal(t, 1, conn.connectsWithPrefix("loader-single-3"))
	assert.Zero(t, conn.active.Load(), "session closed after the chunk")
	assert.Contains(t, listChildren(t, conn.inner.(*namespace.MemoryStore), "/benchmark/single"), "w_15")
}
