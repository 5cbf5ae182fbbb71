package namespace

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdConnector maps the namespace onto etcd keys: a node is the key equal to its path
// and its children are the keys exactly one segment below "path/".
type EtcdConnector struct {
	Endpoints   []string
	Root        string
	DialTimeout time.Duration
}

func (c *EtcdConnector) Connect(ctx context.Context, name string) (Client, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   c.Endpoints,
		DialTimeout: c.DialTimeout,
		Context:     ctx,
	})
	if err != nil {
		return nil, errors.Wrapf(ErrConnection, "dial %v: %v", c.Endpoints, err)
	}
	client := &etcdClient{cli: cli, timeout: c.DialTimeout, log: log.WithField("client", name)}

	// clientv3 dials lazily, so the root check doubles as the liveness probe.
	if _, err := client.CreateIfAbsent(ctx, c.Root, nil); err != nil {
		cli.Close()
		if !IsConnectionError(err) {
			err = errors.Wrapf(ErrConnection, "ensure root %s: %v", c.Root, err)
		}
		return nil, err
	}
	return client, nil
}

type etcdClient struct {
	cli     *clientv3.Client
	timeout time.Duration
	log     *log.Entry
}

func (c *etcdClient) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

func (c *etcdClient) CreateIfAbsent(ctx context.Context, p string, data []byte) (bool, error) {
	if err := validatePath(p); err != nil {
		return false, err
	}
	for _, parent := range ancestors(p) {
		if _, err := c.putIfAbsent(ctx, parent, nil); err != nil {
			return false, err
		}
	}
	return c.putIfAbsent(ctx, p, data)
}

func (c *etcdClient) putIfAbsent(ctx context.Context, key string, data []byte) (bool, error) {
	opCtx, cancel := c.opContext(ctx)
	defer cancel()
	resp, err := c.cli.Txn(opCtx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(data))).
		Commit()
	if err != nil {
		return false, etcdError(err, key)
	}
	return resp.Succeeded, nil
}

func (c *etcdClient) ListChildren(ctx context.Context, p string) ([]string, error) {
	if err := validatePath(p); err != nil {
		return nil, err
	}
	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	self, err := c.cli.Get(opCtx, p, clientv3.WithCountOnly())
	if err != nil {
		return nil, etcdError(err, p)
	}
	if self.Count == 0 && p != "/" {
		return nil, errors.Wrapf(ErrNoNode, "%s", p)
	}

	prefix := childPrefix(p)
	resp, err := c.cli.Get(opCtx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, etcdError(err, p)
	}
	children := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		rest := strings.TrimPrefix(string(kv.Key), prefix)
		if rest != "" && !strings.Contains(rest, "/") {
			children = append(children, rest)
		}
	}
	return children, nil
}

func (c *etcdClient) DeleteRecursive(ctx context.Context, p string) error {
	if err := validatePath(p); err != nil {
		return err
	}
	opCtx, cancel := c.opContext(ctx)
	defer cancel()
	_, err := c.cli.Txn(opCtx).Then(
		clientv3.OpDelete(childPrefix(p), clientv3.WithPrefix()),
		clientv3.OpDelete(p),
	).Commit()
	if err != nil {
		return etcdError(err, p)
	}
	return nil
}

func (c *etcdClient) Get(ctx context.Context, p string) ([]byte, error) {
	if err := validatePath(p); err != nil {
		return nil, err
	}
	opCtx, cancel := c.opContext(ctx)
	defer cancel()
	resp, err := c.cli.Get(opCtx, p)
	if err != nil {
		return nil, etcdError(err, p)
	}
	if len(resp.Kvs) == 0 {
		return nil, errors.Wrapf(ErrNoNode, "%s", p)
	}
	return resp.Kvs[0].Value, nil
}

func (c *etcdClient) Close() error {
	return c.cli.Close()
}

func childPrefix(p string) string {
	if p == "/" {
		return "/"
	}
	return p + "/"
}

func etcdError(err error, p string) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, clientv3.ErrNoAvailableEndpoints) {
		return errors.Wrapf(ErrConnection, "%s: %v", p, err)
	}
	return errors.Wrapf(err, "%s", p)
}
