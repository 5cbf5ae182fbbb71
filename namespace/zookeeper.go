package namespace

import (
	"context"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ZookeeperConnector opens ZooKeeper sessions.
type ZookeeperConnector struct {
	Hosts          []string
	Root           string
	SessionTimeout time.Duration
}

// Connect dials the ensemble and blocks until a session is established or SessionTimeout
// elapses. The go-zookeeper client does not take contexts; ctx only bounds this wait.
func (c *ZookeeperConnector) Connect(ctx context.Context, name string) (Client, error) {
	logger := log.WithField("client", name)
	conn, events, err := zk.Connect(c.Hosts, c.SessionTimeout, zk.WithLogger(zkLogger{logger}))
	if err != nil {
		return nil, errors.Wrapf(ErrConnection, "dial %v: %v", c.Hosts, err)
	}

	timer := time.NewTimer(c.SessionTimeout)
	defer timer.Stop()
wait:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil, errors.Wrapf(ErrConnection, "session to %v closed before it was established", c.Hosts)
			}
			if ev.State == zk.StateHasSession {
				break wait
			}
			if ev.State == zk.StateAuthFailed {
				conn.Close()
				return nil, errors.Wrapf(ErrConnection, "authentication to %v failed", c.Hosts)
			}
		case <-timer.C:
			conn.Close()
			return nil, errors.Wrapf(ErrConnection, "no session with %v after %s", c.Hosts, c.SessionTimeout)
		case <-ctx.Done():
			conn.Close()
			return nil, errors.Wrap(ErrConnection, ctx.Err().Error())
		}
	}
	// The event channel is closed by conn.Close.
	go func() {
		for range events {
		}
	}()

	client := &zookeeperClient{conn: conn, log: logger}
	if _, err := client.CreateIfAbsent(ctx, c.Root, nil); err != nil {
		conn.Close()
		return nil, errors.WithMessagef(err, "ensure root %s", c.Root)
	}
	return client, nil
}

type zookeeperClient struct {
	conn *zk.Conn
	log  *log.Entry
}

func (c *zookeeperClient) CreateIfAbsent(_ context.Context, p string, data []byte) (bool, error) {
	if err := validatePath(p); err != nil {
		return false, err
	}
	exists, _, err := c.conn.Exists(p)
	if err != nil {
		return false, zkError(err, p)
	}
	if exists {
		return false, nil
	}
	for _, parent := range ancestors(p) {
		if _, err := c.conn.Create(parent, nil, 0, zk.WorldACL(zk.PermAll)); err != nil && err != zk.ErrNodeExists {
			return false, zkError(err, parent)
		}
	}
	_, err = c.conn.Create(p, data, 0, zk.WorldACL(zk.PermAll))
	switch {
	case err == zk.ErrNodeExists:
		return false, nil
	case err != nil:
		return false, zkError(err, p)
	}
	return true, nil
}

func (c *zookeeperClient) ListChildren(_ context.Context, p string) ([]string, error) {
	children, _, err := c.conn.Children(p)
	if err != nil {
		return nil, zkError(err, p)
	}
	return children, nil
}

func (c *zookeeperClient) DeleteRecursive(ctx context.Context, p string) error {
	if err := validatePath(p); err != nil {
		return err
	}
	children, _, err := c.conn.Children(p)
	if err == zk.ErrNoNode {
		return nil
	}
	if err != nil {
		return zkError(err, p)
	}
	for _, child := range children {
		if err := c.DeleteRecursive(ctx, Join(p, child)); err != nil {
			return err
		}
	}
	if err := c.conn.Delete(p, -1); err != nil && err != zk.ErrNoNode {
		return zkError(err, p)
	}
	return nil
}

func (c *zookeeperClient) Get(_ context.Context, p string) ([]byte, error) {
	data, _, err := c.conn.Get(p)
	if err != nil {
		return nil, zkError(err, p)
	}
	return data, nil
}

func (c *zookeeperClient) Close() error {
	c.conn.Close()
	return nil
}

// zkError maps go-zookeeper errors onto this package's sentinels.
func zkError(err error, p string) error {
	switch err {
	case zk.ErrNoNode:
		return errors.Wrapf(ErrNoNode, "%s", p)
	case zk.ErrConnectionClosed, zk.ErrNoServer, zk.ErrSessionExpired, zk.ErrClosing, zk.ErrSessionMoved:
		return errors.Wrapf(ErrConnection, "%s: %v", p, err)
	}
	return errors.Wrapf(err, "%s", p)
}

// zkLogger routes the client's internal logging through logrus at debug level.
type zkLogger struct {
	entry *log.Entry
}

func (l zkLogger) Printf(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}
