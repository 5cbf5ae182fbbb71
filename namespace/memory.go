package namespace

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// MemoryStore is an in-process namespace. All clients connected through the same store
// see the same tree. It backs dry runs and tests.
type MemoryStore struct {
	root string

	mu    sync.Mutex
	nodes map[string]*memoryNode

	sessions atomic.Int64
}

type memoryNode struct {
	data     []byte
	children map[string]struct{}
}

// NewMemoryStore returns an empty store whose sessions ensure root on connect.
func NewMemoryStore(root string) *MemoryStore {
	return &MemoryStore{
		root:  root,
		nodes: map[string]*memoryNode{"/": {children: map[string]struct{}{}}},
	}
}

// Connect opens a session on the store.
func (s *MemoryStore) Connect(ctx context.Context, _ string) (Client, error) {
	client := &memoryClient{store: s}
	if _, err := client.CreateIfAbsent(ctx, s.root, nil); err != nil {
		return nil, err
	}
	s.sessions.Add(1)
	return client, nil
}

// OpenSessions is the number of sessions connected and not yet closed.
func (s *MemoryStore) OpenSessions() int {
	return int(s.sessions.Load())
}

func (s *MemoryStore) create(p string, data []byte) (bool, error) {
	if err := validatePath(p); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[p]; ok {
		return false, nil
	}
	for _, a := range append(ancestors(p), p) {
		if _, ok := s.nodes[a]; ok {
			continue
		}
		node := &memoryNode{children: map[string]struct{}{}}
		if a == p {
			node.data = append([]byte(nil), data...)
		}
		s.nodes[a] = node
		parent, name := split(a)
		s.nodes[parent].children[name] = struct{}{}
	}
	return true, nil
}

func (s *MemoryStore) list(p string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[p]
	if !ok {
		return nil, errors.Wrapf(ErrNoNode, "%s", p)
	}
	children := make([]string, 0, len(node.children))
	for name := range node.children {
		children = append(children, name)
	}
	sort.Strings(children)
	return children, nil
}

func (s *MemoryStore) get(p string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[p]
	if !ok {
		return nil, errors.Wrapf(ErrNoNode, "%s", p)
	}
	return append([]byte(nil), node.data...), nil
}

func (s *MemoryStore) delete(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[p]; !ok {
		return
	}
	s.deleteLocked(p)
	if p == "/" {
		s.nodes["/"] = &memoryNode{children: map[string]struct{}{}}
		return
	}
	parent, name := split(p)
	delete(s.nodes[parent].children, name)
}

func (s *MemoryStore) deleteLocked(p string) {
	for name := range s.nodes[p].children {
		s.deleteLocked(Join(p, name))
	}
	delete(s.nodes, p)
}

func split(p string) (parent, name string) {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			if i == 0 {
				return "/", p[1:]
			}
			return p[:i], p[i+1:]
		}
	}
	return "/", p
}

type memoryClient struct {
	store  *MemoryStore
	closed atomic.Bool
}

func (c *memoryClient) check(p string) error {
	if c.closed.Load() {
		return errors.Wrapf(ErrConnection, "%s: session closed", p)
	}
	return validatePath(p)
}

func (c *memoryClient) CreateIfAbsent(_ context.Context, p string, data []byte) (bool, error) {
	if err := c.check(p); err != nil {
		return false, err
	}
	return c.store.create(p, data)
}

func (c *memoryClient) ListChildren(_ context.Context, p string) ([]string, error) {
	if err := c.check(p); err != nil {
		return nil, err
	}
	return c.store.list(p)
}

func (c *memoryClient) DeleteRecursive(_ context.Context, p string) error {
	if err := c.check(p); err != nil {
		return err
	}
	c.store.delete(p)
	return nil
}

func (c *memoryClient) Get(_ context.Context, p string) ([]byte, error) {
	if err := c.check(p); err != nil {
		return nil, err
	}
	return c.store.get(p)
}

func (c *memoryClient) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.store.sessions.Add(-1)
	}
	return nil
}
