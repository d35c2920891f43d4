package postgres

import (
	"context"
	"time"

	"github.com/CamberLoid/chimata-ledger/internal/apperr"
	"github.com/CamberLoid/chimata-ledger/internal/store"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

const uniqueViolation = "23505"

const selectAccount = `SELECT id, username, balance, version, created_at, updated_at
	FROM ledger_accounts `

// AccountRepo implements store.Store.
type AccountRepo struct {
	pool Pool
}

var _ store.Store = (*AccountRepo)(nil)

// NewAccountRepo creates a new AccountRepo.
func NewAccountRepo(pool Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

func scanRecord(row pgx.Row) (*store.Record, error) {
	rec := &store.Record{}
	err := row.Scan(
		&rec.User.UserIdentifier, &rec.User.UserName, &rec.Balance,
		&rec.Version, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Create inserts a new account with version 1.
func (r *AccountRepo) Create(ctx context.Context, rec *store.Record) error {
	query := `INSERT INTO ledger_accounts (id, username, balance, version, created_at, updated_at)
		VALUES ($1, $2, $3, 1, $4, $4)`

	now := time.Now().UTC().Truncate(time.Microsecond)
	_, err := r.pool.Exec(ctx, query, rec.User.UserIdentifier, rec.User.UserName, rec.Balance, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return apperr.AccountExists(rec.User.UserName)
		}
		return apperr.StoreFailure("insert account", err)
	}

	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now
	return nil
}

// Get fetches an account by its UUID.
func (r *AccountRepo) Get(ctx context.Context, id uuid.UUID) (*store.Record, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx, selectAccount+`WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.AccountNotFound(id)
		}
		return nil, apperr.StoreFailure("get account by id", err)
	}
	return rec, nil
}

// GetByUsername fetches an account by its unique username.
func (r *AccountRepo) GetByUsername(ctx context.Context, name string) (*store.Record, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx, selectAccount+`WHERE username = $1`, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New(apperr.CodeAccountNotFound, "account not found: "+name)
		}
		return nil, apperr.StoreFailure("get account by username", err)
	}
	return rec, nil
}

// List returns every account ordered by username.
func (r *AccountRepo) List(ctx context.Context) ([]*store.Record, error) {
	rows, err := r.pool.Query(ctx, selectAccount+`ORDER BY username`)
	if err != nil {
		return nil, apperr.StoreFailure("list accounts", err)
	}
	defer rows.Close()

	var out []*store.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, apperr.StoreFailure("scan account", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.StoreFailure("list accounts", err)
	}
	return out, nil
}

func (r *AccountRepo) Put(ctx context.Context, w store.Write) error {
	return r.PutTransaction(ctx, []store.Write{w})
}

// PutTransaction applies every write in one database transaction. Each
// UPDATE only matches the version the caller read.
func (r *AccountRepo) PutTransaction(ctx context.Context, ws []store.Write) error {
	if err := store.CheckWrites(ws); err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return apperr.StoreFailure("begin transaction", err)
	}

	if err := r.applyWrites(ctx, tx, ws); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return apperr.StoreFailure("commit transaction", err)
	}
	return nil
}

func (r *AccountRepo) applyWrites(ctx context.Context, tx pgx.Tx, ws []store.Write) error {
	query := `UPDATE ledger_accounts SET balance = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`

	now := time.Now().UTC()
	for _, w := range ws {
		tag, err := tx.Exec(ctx, query, w.Balance, now, w.ID, w.Version)
		if err != nil {
			return apperr.StoreFailure("update account balance", err)
		}
		if tag.RowsAffected() == 0 {
			return casFailure(ctx, tx, w.ID)
		}
	}
	return nil
}

func casFailure(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	var version uint64
	err := tx.QueryRow(ctx, `SELECT version FROM ledger_accounts WHERE id = $1`, id).Scan(&version)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return apperr.AccountNotFound(id)
	case err != nil:
		return apperr.StoreFailure("read account version", err)
	default:
		return apperr.StoreConflict(id)
	}
}

// Close releases the pool.
func (r *AccountRepo) Close() error {
	r.pool.Close()
	return nil
}
