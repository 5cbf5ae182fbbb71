// Package namespace wraps the coordination services the harness loads.
//
// A Connector hands out Clients, each owned by a single actor (one loader chunk, the
// measurer, or cleanup) and closed within that actor's scope. Use WithClient to get
// that guarantee.
package namespace

import (
	"context"
	"path"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"zkbenchmarker/config"
)

var (
	// ErrNoNode is returned when an operation targets a path that does not exist.
	ErrNoNode = errors.New("node does not exist")
	// ErrConnection marks failures of the session itself rather than of one operation.
	ErrConnection = errors.New("namespace connection failed")
)

// Client is a session against a coordination namespace.
type Client interface {
	// CreateIfAbsent creates path with data, creating missing ancestors empty. It reports
	// created=false without error if the node already exists, including when a concurrent
	// creator won the race.
	CreateIfAbsent(ctx context.Context, path string, data []byte) (created bool, err error)
	// ListChildren returns the names of the immediate children of path. A missing path
	// is an error matching ErrNoNode.
	ListChildren(ctx context.Context, path string) ([]string, error)
	// DeleteRecursive removes path and its subtree. A missing path is not an error.
	DeleteRecursive(ctx context.Context, path string) error
	// Get returns the payload stored at path.
	Get(ctx context.Context, path string) ([]byte, error)
	Close() error
}

// Connector opens sessions. Connect ensures the configured root path exists before returning.
type Connector interface {
	Connect(ctx context.Context, name string) (Client, error)
}

// NewConnector builds the connector for cfg.Backend.
func NewConnector(cfg config.NamespaceConfig) (Connector, error) {
	switch cfg.Backend {
	case config.BackendZookeeper:
		return &ZookeeperConnector{Hosts: cfg.Hosts, Root: cfg.Root, SessionTimeout: cfg.SessionTimeout}, nil
	case config.BackendEtcd:
		return &EtcdConnector{Endpoints: cfg.Hosts, Root: cfg.Root, DialTimeout: cfg.SessionTimeout}, nil
	case config.BackendMemory:
		return NewMemoryStore(cfg.Root), nil
	default:
		return nil, errors.Wrapf(config.ErrInvalidConfig, "unknown namespace backend %q", cfg.Backend)
	}
}

// WithClient connects, runs fn and always closes the session afterwards. The close error
// is returned only when fn itself succeeded.
func WithClient(ctx context.Context, connector Connector, name string, fn func(Client) error) (err error) {
	client, err := connector.Connect(ctx, name)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := client.Close(); cerr != nil {
			log.WithField("client", name).WithError(cerr).Warn("closing namespace session")
			if err == nil {
				err = cerr
			}
		}
	}()
	return fn(client)
}

// IsConnectionError reports whether err means the session is unusable.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrConnection)
}

// IsNoNode reports whether err means the target path is missing.
func IsNoNode(err error) bool {
	return errors.Is(err, ErrNoNode)
}

// Join builds a child path.
func Join(parent, name string) string {
	return path.Join(parent, name)
}

// ancestors returns every proper ancestor of p, shallowest first, excluding "/".
func ancestors(p string) []string {
	var out []string
	parts := strings.Split(strings.Trim(p, "/"), "/")
	for i := 1; i < len(parts); i++ {
		out = append(out, "/"+strings.Join(parts[:i], "/"))
	}
	return out
}

// validatePath accepts absolute, clean paths only: no empty, "." or ".." segments and no
// trailing slash.
func validatePath(p string) error {
	if p == "" || p[0] != '/' {
		return errors.Errorf("invalid namespace path %q", p)
	}
	if p == "/" {
		return nil
	}
	for _, seg := range strings.Split(p[1:], "/") {
		if seg == "" || seg == "." || seg == ".." {
			return errors.Errorf("invalid namespace path %q", p)
		}
	}
	return nil
}
