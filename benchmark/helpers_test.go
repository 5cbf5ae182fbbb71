package benchmark

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"

	"zkbenchmarker/namespace"
)

const workerEnv = "ZKBENCH_TEST_WORKER"

// TestMain doubles as the worker process for the process executor tests.
func TestMain(m *testing.M) {
	switch os.Getenv(workerEnv) {
	case "serve":
		if err := ServeChunk(context.Background(), os.Stdin, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		os.Exit(0)
	case "crash":
		fmt.Println("not a protocol message")
		os.Exit(3)
	}
	os.Exit(m.Run())
}

func testSpawner(mode string) Spawner {
	return func(ctx context.Context) *exec.Cmd {
		cmd := exec.CommandContext(ctx, os.Args[0], "-test.run=^$")
		cmd.Env = append(os.Environ(), workerEnv+"="+mode)
		return cmd
	}
}

// fakeConnector wraps a connector to observe and sabotage sessions.
type fakeConnector struct {
	inner namespace.Connector

	// writeDelay slows every CreateIfAbsent so chunks overlap.
	writeDelay time.Duration
	// refuse lists client names whose Connect fails.
	refuse map[string]bool
	// failWrite returns an error for a path, or nil.
	failWrite func(p string) error
	// failList returns an error for a ListChildren call by client name, or nil.
	failList func(client string) error

	active atomic.Int32
	peak   atomic.Int32

	mu       sync.Mutex
	connects []string
}

func (c *fakeConnector) Connect(ctx context.Context, name string) (namespace.Client, error) {
	c.mu.Lock()
	c.connects = append(c.connects, name)
	c.mu.Unlock()

	if c.refuse[name] {
		return nil, errors.Wrapf(namespace.ErrConnection, "%s refused", name)
	}
	inner, err := c.inner.Connect(ctx, name)
	if err != nil {
		return nil, err
	}
	n := c.active.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return &fakeClient{Client: inner, name: name, conn: c}, nil
}

func (c *fakeConnector) connectsWithPrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, name := range c.connects {
		if strings.HasPrefix(name, prefix) {
			n++
		}
	}
	return n
}

type fakeClient struct {
	namespace.Client
	name   string
	conn   *fakeConnector
	closed atomic.Bool
}

func (f *fakeClient) CreateIfAbsent(ctx context.Context, p string, data []byte) (bool, error) {
	if f.conn.writeDelay > 0 {
		time.Sleep(f.conn.writeDelay)
	}
	if f.conn.failWrite != nil {
		if err := f.conn.failWrite(p); err != nil {
			return false, err
		}
	}
	return f.Client.CreateIfAbsent(ctx, p, data)
}

func (f *fakeClient) ListChildren(ctx context.Context, p string) ([]string, error) {
	if f.conn.failList != nil {
		if err := f.conn.failList(f.name); err != nil {
			return nil, err
		}
	}
	return f.Client.ListChildren(ctx, p)
}

func (f *fakeClient) Close() error {
	if f.closed.CompareAndSwap(false, true) {
		f.conn.active.Add(-1)
	}
	return f.Client.Close()
}

// fakeClock only moves when told to.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// slowListClient advances a fake clock on every ListChildren and optionally starts
// failing after a number of calls.
type slowListClient struct {
	namespace.Client
	clock     *fakeClock
	latency   time.Duration
	failAfter int
	calls     int
}

func (s *slowListClient) ListChildren(ctx context.Context, p string) ([]string, error) {
	s.calls++
	if s.failAfter > 0 && s.calls > s.failAfter {
		return nil, errors.New("read rejected")
	}
	s.clock.Advance(s.latency)
	return s.Client.ListChildren(ctx, p)
}

type countingProgress struct {
	n atomic.Int64
}

func (c *countingProgress) Add(n int) { c.n.Add(int64(n)) }
