package main

import (
	"context"
	"fmt"

	"github.com/CamberLoid/chimata-ledger/internal/config"
	"github.com/CamberLoid/chimata-ledger/internal/db"
	"github.com/CamberLoid/chimata-ledger/internal/fhe"
	"github.com/CamberLoid/chimata-ledger/internal/key"
	"github.com/CamberLoid/chimata-ledger/internal/ledger"
	"github.com/CamberLoid/chimata-ledger/internal/logger"
	"github.com/CamberLoid/chimata-ledger/internal/metrics"
	"github.com/CamberLoid/chimata-ledger/internal/store"
	"github.com/CamberLoid/chimata-ledger/internal/store/postgres"
	"github.com/CamberLoid/chimata-ledger/internal/store/redisstore"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/tuneinsight/lattigo/v4/ckks"
	"github.com/urfave/cli/v2"
)

// runtime 是一次命令执行所需的全部组件
type runtime struct {
	cfg     *config.Config
	log     zerolog.Logger
	params  ckks.Parameters
	fhe     *fhe.Context
	store   store.Store
	engine  *ledger.Engine
	metrics *metrics.Metrics
}

// loadBase 读取配置、初始化日志和 CKKS 参数
func loadBase(c *cli.Context) (*runtime, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}

	rt := &runtime{cfg: cfg, log: logger.New(cfg.Log.Level, cfg.Log.Pretty)}
	if rt.params, err = fhe.NewParameters(cfg.CKKS); err != nil {
		return nil, err
	}
	return rt, nil
}

// newRuntime 在 loadBase 的基础上加载密钥、打开存储并创建引擎
func newRuntime(c *cli.Context) (*runtime, error) {
	rt, err := loadBase(c)
	if err != nil {
		return nil, err
	}

	kc, err := key.LoadCKKSKeyChain(rt.cfg.Key.Path, rt.params, []byte(rt.cfg.Key.Passphrase))
	if err != nil {
		return nil, errors.Wrap(err, "load key file (run `keygen` first)")
	}
	if rt.fhe, err = fhe.New(rt.params, kc, fhe.WithMaxMagnitude(rt.cfg.CKKS.MaxMagnitude)); err != nil {
		return nil, err
	}

	if rt.store, err = openStore(c.Context, rt.cfg, rt.log); err != nil {
		return nil, err
	}

	rt.metrics = metrics.New()
	rt.engine = ledger.New(rt.fhe, rt.store, rt.log,
		ledger.WithConfig(rt.cfg.Ledger),
		ledger.WithMetrics(rt.metrics),
	)
	rt.log.Debug().
		Str("driver", rt.cfg.Store.Driver).
		Str("context", rt.fhe.Fingerprint().String()).
		Msg("ledger runtime ready")
	return rt, nil
}

func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		return store.NewMemoryStore(), nil
	case config.DriverSQLite:
		return db.Open(cfg.Store.SQLitePath, logger.Component(log, "sqlite"))
	case config.DriverPostgres:
		pool, err := postgres.NewPool(ctx, cfg.Database, log)
		if err != nil {
			return nil, err
		}
		if err = postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		return postgres.NewAccountRepo(pool), nil
	case config.DriverRedis:
		client, err := redisstore.NewClient(ctx, cfg.Redis, log)
		if err != nil {
			return nil, err
		}
		return redisstore.NewAccountStore(client, cfg.Redis.Prefix), nil
	default:
		return nil, errors.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// close 关闭存储，需要时输出指标
func (rt *runtime) close(c *cli.Context) error {
	if c.Bool("metrics") && rt.metrics != nil {
		dump, err := rt.metrics.Dump()
		if err != nil {
			return err
		}
		fmt.Fprint(c.App.ErrWriter, dump)
	}
	if rt.store != nil {
		return rt.store.Close()
	}
	return nil
}

// withRuntime 包装需要完整运行时的命令
func withRuntime(fn func(c *cli.Context, rt *runtime) error) cli.ActionFunc {
	return func(c *cli.Context) (err error) {
		rt, err := newRuntime(c)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := rt.close(c); err == nil {
				err = cerr
			}
		}()
		return fn(c, rt)
	}
}
