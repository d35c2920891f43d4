package redisstore

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/CamberLoid/chimata-ledger/internal/apperr"
	"github.com/CamberLoid/chimata-ledger/internal/store"
	"github.com/CamberLoid/chimata-ledger/internal/users"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
)

const (
	fieldUsername  = "username"
	fieldBalance   = "balance"
	fieldVersion   = "version"
	fieldCreatedAt = "created_at"
	fieldUpdatedAt = "updated_at"
)

// AccountStore implements store.Store.
type AccountStore struct {
	client *goredis.Client
	prefix string
}

var _ store.Store = (*AccountStore)(nil)

// NewAccountStore creates a store whose keys all start with prefix.
func NewAccountStore(client *goredis.Client, prefix string) *AccountStore {
	return &AccountStore{client: client, prefix: prefix}
}

func (s *AccountStore) accountKey(id uuid.UUID) string {
	return s.prefix + "account:" + id.String()
}

func (s *AccountStore) usernameKey(name string) string {
	return s.prefix + "username:" + name
}

func (s *AccountStore) setKey() string {
	return s.prefix + "accounts"
}

// Create stores a new account. The username index is watched so two
// concurrent registrations of one name cannot both succeed.
func (s *AccountStore) Create(ctx context.Context, rec *store.Record) error {
	id := rec.User.UserIdentifier
	nameKey := s.usernameKey(rec.User.UserName)
	now := time.Now().UTC()

	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		n, err := tx.Exists(ctx, nameKey, s.accountKey(id)).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return apperr.AccountExists(rec.User.UserName)
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, s.accountKey(id),
				fieldUsername, rec.User.UserName,
				fieldBalance, rec.Balance,
				fieldVersion, 1,
				fieldCreatedAt, now.UnixNano(),
				fieldUpdatedAt, now.UnixNano(),
			)
			pipe.Set(ctx, nameKey, id.String(), 0)
			pipe.SAdd(ctx, s.setKey(), id.String())
			return nil
		})
		return err
	}, nameKey)

	switch {
	case err == nil:
	case errors.Is(err, goredis.TxFailedErr):
		return apperr.AccountExists(rec.User.UserName)
	case apperr.CodeOf(err) != "":
		return err
	default:
		return apperr.StoreFailure("redis: create account", err)
	}

	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now
	return nil
}

func parseRecord(id uuid.UUID, fields map[string]string) (*store.Record, error) {
	version, err := strconv.ParseUint(fields[fieldVersion], 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "parse version")
	}
	createdAt, err := strconv.ParseInt(fields[fieldCreatedAt], 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "parse created_at")
	}
	updatedAt, err := strconv.ParseInt(fields[fieldUpdatedAt], 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "parse updated_at")
	}

	rec := &store.Record{
		User:      users.User{UserIdentifier: id, UserName: fields[fieldUsername]},
		Version:   version,
		CreatedAt: time.Unix(0, createdAt).UTC(),
		UpdatedAt: time.Unix(0, updatedAt).UTC(),
	}
	if b := fields[fieldBalance]; b != "" {
		rec.Balance = []byte(b)
	}
	return rec, nil
}

func (s *AccountStore) Get(ctx context.Context, id uuid.UUID) (*store.Record, error) {
	fields, err := s.client.HGetAll(ctx, s.accountKey(id)).Result()
	if err != nil {
		return nil, apperr.StoreFailure("redis: get account", err)
	}
	if len(fields) == 0 {
		return nil, apperr.AccountNotFound(id)
	}
	rec, err := parseRecord(id, fields)
	if err != nil {
		return nil, apperr.StoreFailure("redis: decode account", err)
	}
	return rec, nil
}

func (s *AccountStore) GetByUsername(ctx context.Context, name string) (*store.Record, error) {
	raw, err := s.client.Get(ctx, s.usernameKey(name)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, apperr.New(apperr.CodeAccountNotFound, "account not found: "+name)
	}
	if err != nil {
		return nil, apperr.StoreFailure("redis: resolve username", err)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, apperr.StoreFailure("redis: decode username index", err)
	}
	return s.Get(ctx, id)
}

// List reads every account hash inside one MULTI/EXEC, so a committed
// PutTransaction is seen either completely or not at all.
func (s *AccountStore) List(ctx context.Context) ([]*store.Record, error) {
	members, err := s.client.SMembers(ctx, s.setKey()).Result()
	if err != nil {
		return nil, apperr.StoreFailure("redis: list accounts", err)
	}

	ids := make([]uuid.UUID, len(members))
	for i, m := range members {
		if ids[i], err = uuid.Parse(m); err != nil {
			return nil, apperr.StoreFailure("redis: decode account set", err)
		}
	}

	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.accountKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, apperr.StoreFailure("redis: list accounts", err)
	}

	out := make([]*store.Record, 0, len(ids))
	for i, id := range ids {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			continue
		}
		rec, err := parseRecord(id, fields)
		if err != nil {
			return nil, apperr.StoreFailure("redis: decode account", err)
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User.UserName < out[j].User.UserName })
	return out, nil
}

func (s *AccountStore) Put(ctx context.Context, w store.Write) error {
	return s.PutTransaction(ctx, []store.Write{w})
}

// PutTransaction checks every version under WATCH and applies all writes in
// one MULTI/EXEC.
func (s *AccountStore) PutTransaction(ctx context.Context, ws []store.Write) error {
	if err := store.CheckWrites(ws); err != nil {
		return err
	}
	if len(ws) == 0 {
		return nil
	}

	keys := make([]string, len(ws))
	for i, w := range ws {
		keys[i] = s.accountKey(w.ID)
	}

	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		for i, w := range ws {
			raw, err := tx.HGet(ctx, keys[i], fieldVersion).Result()
			if errors.Is(err, goredis.Nil) {
				return apperr.AccountNotFound(w.ID)
			}
			if err != nil {
				return err
			}
			if raw != strconv.FormatUint(w.Version, 10) {
				return apperr.StoreConflict(w.ID)
			}
		}

		now := time.Now().UTC().UnixNano()
		_, err := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			for i, w := range ws {
				pipe.HSet(ctx, keys[i],
					fieldBalance, w.Balance,
					fieldVersion, w.Version+1,
					fieldUpdatedAt, now,
				)
			}
			return nil
		})
		return err
	}, keys...)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, goredis.TxFailedErr):
		return apperr.StoreConflict(ws[0].ID)
	case apperr.CodeOf(err) != "":
		return err
	default:
		return apperr.StoreFailure("redis: put balances", err)
	}
}

// Close closes the underlying client.
func (s *AccountStore) Close() error {
	return s.client.Close()
}
