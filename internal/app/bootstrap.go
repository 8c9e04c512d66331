package app

import (
	"fmt"
	"time"

	"github.com/jmehdipour/entitlements/internal/cache"
	"github.com/jmehdipour/entitlements/internal/config"
	"github.com/jmehdipour/entitlements/internal/db"
	"github.com/jmehdipour/entitlements/internal/repository/memory"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Runtime is a fully connected App plus the handles the commands need.
type Runtime struct {
	*App
	Redis *redis.Client
	close []func()
}

// Bootstrap connects the configured store and cache backends and builds the App.
func Bootstrap(cfg config.Config, log *zap.Logger) (*Runtime, error) {
	rt := &Runtime{}

	var repos Repositories
	switch cfg.Store.Backend {
	case "", "mysql":
		mysqlDB, err := db.NewMySQL(cfg.MySQL)
		if err != nil {
			return nil, fmt.Errorf("mysql connect: %w", err)
		}
		rt.onClose(func() { _ = mysqlDB.Close() })

		chDB, err := db.NewClickHouse(cfg.ClickHouse)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("clickhouse connect: %w", err)
		}
		rt.onClose(func() { _ = chDB.Close() })
		repos = MySQLRepositories(mysqlDB, chDB)
	case "memory":
		store := memory.New()
		DemoData(time.Now().UTC()).Load(store)
		repos = MemoryRepositories(store)
		log.Warn("using in-memory store; state is lost on exit")
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	var backend cache.Backend
	switch cfg.Cache.Backend {
	case "", "redis":
		rdb, err := db.NewRedis(cfg.Redis)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("redis connect: %w", err)
		}
		rt.Redis = rdb
		rt.onClose(func() { _ = rdb.Close() })
		backend = cache.NewRedisBackend(rdb, "entl:")
	case "memory":
		backend = cache.NewMemoryBackend(cfg.Cache.MemorySize)
	default:
		rt.Close()
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}

	tier := cache.NewTier(backend, CacheOptions(cfg.Cache, log))
	rt.App = New(repos, tier, cfg, log, nil)
	return rt, nil
}

func (rt *Runtime) onClose(fn func()) { rt.close = append(rt.close, fn) }

// Close drains the App and closes connections in reverse order.
func (rt *Runtime) Close() {
	if rt.App != nil {
		rt.App.Close()
	}
	for i := len(rt.close) - 1; i >= 0; i-- {
		rt.close[i]()
	}
}
