package lock

import (
	"fmt"
	"strings"

	"github.com/angelmondragon/keymart-backend/pkg/config"
	"github.com/angelmondragon/keymart-backend/pkg/instance"
	"github.com/angelmondragon/keymart-backend/pkg/logger"
)

// FromConfig builds the configured Locker. The returned close func releases any
// connection the locker owns; the redis client stays owned by the caller.
func FromConfig(cfg config.LockConfig, store redisStore, logg *logger.Logger) (Locker, func() error, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", config.LockBackendRedis:
		if store == nil {
			return nil, nil, fmt.Errorf("redis store required for redis lock backend")
		}
		locker := NewRedisLocker(store,
			WithRetryInterval(cfg.RetryInterval),
			WithOwner(instance.GetID()),
			WithKeyPrefix(cfg.RedisPrefix),
		)
		return locker, func() error { return nil }, nil
	case config.LockBackendZooKeeper:
		conn, err := DialZooKeeper(cfg.ZooKeeperServers, cfg.ZooKeeperSession, logg)
		if err != nil {
			return nil, nil, err
		}
		return NewZooKeeperLocker(conn, cfg.ZooKeeperRoot), func() error {
			conn.Close()
			return nil
		}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported lock backend %q", cfg.Backend)
	}
}
