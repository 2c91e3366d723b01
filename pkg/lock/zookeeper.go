package lock

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"

	pkgerrors "github.com/angelmondragon/keymart-backend/pkg/errors"
	"github.com/angelmondragon/keymart-backend/pkg/logger"
)

const (
	zkNodePrefix = "lock-"
	zkSeqDigits  = 10
)

type zkConn interface {
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	CreateProtectedEphemeralSequential(path string, data []byte, acl []zk.ACL) (string, error)
	Children(path string) ([]string, *zk.Stat, error)
	Exists(path string) (bool, *zk.Stat, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	Delete(path string, version int32) error
}

// ZooKeeperLocker implements Locker with ephemeral sequential nodes. Leases live as
// long as the zookeeper session, so the ttl argument is not used.
type ZooKeeperLocker struct {
	conn zkConn
	root string
	acl  []zk.ACL
}

func NewZooKeeperLocker(conn zkConn, root string) *ZooKeeperLocker {
	if root == "" {
		root = "/keymart/locks"
	}
	return &ZooKeeperLocker{
		conn: conn,
		root: "/" + strings.Trim(root, "/"),
		acl:  zk.WorldACL(zk.PermAll),
	}
}

// DialZooKeeper opens a session and routes the client's logging through logg.
func DialZooKeeper(servers []string, sessionTimeout time.Duration, logg *logger.Logger) (*zk.Conn, error) {
	var (
		conn *zk.Conn
		err  error
	)
	if logg != nil {
		conn, _, err = zk.Connect(servers, sessionTimeout, zk.WithLogger(zkLogger{logg: logg}))
	} else {
		conn, _, err = zk.Connect(servers, sessionTimeout)
	}
	if err != nil {
		return nil, fmt.Errorf("connect zookeeper: %w", err)
	}
	return conn, nil
}

type zkLogger struct {
	logg *logger.Logger
}

func (l zkLogger) Printf(format string, args ...any) {
	l.logg.Debug(context.Background(), "zookeeper: "+fmt.Sprintf(format, args...))
}

func (l *ZooKeeperLocker) TryAcquire(ctx context.Context, name string, wait, _ time.Duration) (Lease, error) {
	lockPath := path.Join(l.root, strings.ReplaceAll(name, "/", "_"))
	if err := l.ensurePath(lockPath); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("prepare lock %s", name))
	}

	node, err := l.conn.CreateProtectedEphemeralSequential(lockPath+"/"+zkNodePrefix, nil, l.acl)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("create lock node %s", name))
	}
	lease := &zkLease{conn: l.conn, name: name, node: node}
	mine := path.Base(node)

	deadline := time.Now().Add(wait)
	for {
		children, _, err := l.conn.Children(lockPath)
		if err != nil {
			_ = lease.Release(ctx)
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("list lock %s", name))
		}
		sortBySequence(children)

		idx := indexOf(children, mine)
		if idx < 0 {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, errors.New("lock node vanished"), name)
		}
		if idx == 0 {
			return lease, nil
		}

		exists, _, events, err := l.conn.ExistsW(path.Join(lockPath, children[idx-1]))
		if err != nil && !errors.Is(err, zk.ErrNoNode) {
			_ = lease.Release(ctx)
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("watch lock %s", name))
		}
		if !exists {
			continue
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			_ = lease.Release(ctx)
			return nil, NewTimeoutError(name, wait)
		}
		timer := time.NewTimer(remaining)
		select {
		case <-events:
			timer.Stop()
		case <-timer.C:
			_ = lease.Release(ctx)
			return nil, NewTimeoutError(name, wait)
		case <-ctx.Done():
			timer.Stop()
			_ = lease.Release(context.WithoutCancel(ctx))
			return nil, NewTimeoutError(name, wait)
		}
	}
}

func (l *ZooKeeperLocker) ensurePath(full string) error {
	current := ""
	for _, part := range strings.Split(strings.Trim(full, "/"), "/") {
		current += "/" + part
		if _, err := l.conn.Create(current, nil, 0, l.acl); err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return err
		}
	}
	return nil
}

type zkLease struct {
	conn zkConn
	name string
	node string
}

func (l *zkLease) Name() string { return l.name }

func (l *zkLease) Release(context.Context) error {
	if err := l.conn.Delete(l.node, -1); err != nil && !errors.Is(err, zk.ErrNoNode) {
		return fmt.Errorf("release lock %s: %w", l.name, err)
	}
	return nil
}

// Extend has nothing to push: the node lives as long as the session. It only
// confirms the node still exists.
func (l *zkLease) Extend(context.Context, time.Duration) error {
	exists, _, err := l.conn.Exists(l.node)
	if err != nil {
		return fmt.Errorf("extend lock %s: %w", l.name, err)
	}
	if !exists {
		return ErrNotAcquired
	}
	return nil
}

// Protected nodes carry a random prefix, so order on the sequence suffix only.
func sortBySequence(children []string) {
	sort.SliceStable(children, func(i, j int) bool {
		return sequenceOf(children[i]) < sequenceOf(children[j])
	})
}

func sequenceOf(node string) int64 {
	if len(node) < zkSeqDigits {
		return -1
	}
	seq, err := strconv.ParseInt(node[len(node)-zkSeqDigits:], 10, 64)
	if err != nil {
		return -1
	}
	return seq
}

func indexOf(items []string, target string) int {
	for i, item := range items {
		if item == target {
			return i
		}
	}
	return -1
}
