// Package redisstore implements store.Store on Redis.
//
// Layout, under the configured prefix:
//
//	account:<uuid>    hash {username, balance, version, created_at, updated_at}
//	username:<name>   string <uuid>
//	accounts          set of <uuid>
//
// Writes are optimistic: WATCH the account hashes, check versions, then
// MULTI/EXEC. An aborted EXEC is reported as a store conflict.
package redisstore

import (
	"context"

	"github.com/CamberLoid/chimata-ledger/internal/config"
	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// NewClient creates a Redis client and verifies connectivity.
func NewClient(ctx context.Context, cfg config.RedisConfig, log zerolog.Logger) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Verify connectivity
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "pinging redis")
	}

	log.Info().
		Str("addr", cfg.Addr()).
		Int("db", cfg.DB).
		Msg("Redis connection established")

	return client, nil
}
