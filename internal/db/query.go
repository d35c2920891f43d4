package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/CamberLoid/chimata-ledger/internal/apperr"
	"github.com/CamberLoid/chimata-ledger/internal/store"
	"github.com/CamberLoid/chimata-ledger/internal/transaction"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const selectAccount = `
	SELECT uuid, userName, balance, version, createdAt, updatedAt
	FROM Accounts
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*store.Record, error) {
	var (
		rec                  store.Record
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&rec.User.UserIdentifier,
		&rec.User.UserName,
		&rec.Balance,
		&rec.Version,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &rec, nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint
	}
	return false
}

// Create 添加新的账户
func (s *SQLiteStore) Create(ctx context.Context, rec *store.Record) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO Accounts
		(uuid, userName, balance, version, createdAt, updatedAt)
		VALUES (?, ?, ?, 1, ?, ?)
	`, rec.User.UserIdentifier.String(), rec.User.UserName, rec.Balance, now.UnixNano(), now.UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.AccountExists(rec.User.UserName)
		}
		return apperr.StoreFailure("sqlite: insert account", err)
	}

	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now
	return nil
}

// 查询账户
func (s *SQLiteStore) Get(ctx context.Context, id uuid.UUID) (*store.Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, selectAccount+`WHERE uuid = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.AccountNotFound(id)
	}
	if err != nil {
		return nil, apperr.StoreFailure("sqlite: get account", err)
	}
	return rec, nil
}

func (s *SQLiteStore) GetByUsername(ctx context.Context, name string) (*store.Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, selectAccount+`WHERE userName = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.CodeAccountNotFound, "account not found: "+name)
	}
	if err != nil {
		return nil, apperr.StoreFailure("sqlite: get account by username", err)
	}
	return rec, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]*store.Record, error) {
	rows, err := s.db.QueryContext(ctx, selectAccount+`ORDER BY userName`)
	if err != nil {
		return nil, apperr.StoreFailure("sqlite: list accounts", err)
	}
	defer rows.Close()

	var out []*store.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, apperr.StoreFailure("sqlite: scan account", err)
		}
		out = append(out, rec)
	}
	if err = rows.Err(); err != nil {
		return nil, apperr.StoreFailure("sqlite: list accounts", err)
	}
	return out, nil
}

func (s *SQLiteStore) Put(ctx context.Context, w store.Write) error {
	return s.PutTransaction(ctx, []store.Write{w})
}

// PutTransaction 在一个 sql 事务中按版本号更新余额
func (s *SQLiteStore) PutTransaction(ctx context.Context, ws []store.Write) (err error) {
	if err = store.CheckWrites(ws); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.StoreFailure("sqlite: begin", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC().UnixNano()
	for i, w := range ws {
		res, err := tx.ExecContext(ctx, `
			UPDATE Accounts
			SET balance = ?, version = version + 1, updatedAt = ?
			WHERE uuid = ? AND version = ?
		`, w.Balance, now, w.ID.String(), w.Version)
		if err != nil {
			return apperr.StoreFailure("sqlite: update balance", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return apperr.StoreFailure("sqlite: update balance", err)
		}
		if n == 0 {
			return casFailure(ctx, tx, w.ID)
		}

		if s.afterWrite != nil {
			if err := s.afterWrite(i + 1); err != nil {
				return apperr.StoreFailure("sqlite: transaction aborted", err)
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return apperr.StoreFailure("sqlite: commit", err)
	}
	return nil
}

// casFailure 区分账户不存在和版本冲突
func casFailure(ctx context.Context, tx *sql.Tx, id uuid.UUID) error {
	var version uint64
	err := tx.QueryRowContext(ctx, `SELECT version FROM Accounts WHERE uuid = ?`, id.String()).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return apperr.AccountNotFound(id)
	case err != nil:
		return apperr.StoreFailure("sqlite: read version", err)
	default:
		return apperr.StoreConflict(id)
	}
}

// --- 回执 ---

func nullableID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id.String()
}

// AppendReceipt 将回执写入 Transactions 表
func (s *SQLiteStore) AppendReceipt(ctx context.Context, tx *transaction.Transaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO Transactions
		(uuid, kind, confirmingPhase, sender, receipt, amount, attempts, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (uuid) DO UPDATE SET
			confirmingPhase = excluded.confirmingPhase,
			attempts = excluded.attempts,
			timestamp = excluded.timestamp
	`,
		tx.UUID.String(), string(tx.Kind), tx.ConfirmingPhase,
		nullableID(tx.Sender), nullableID(tx.Receipt),
		tx.Amount, tx.Attempts, tx.TimeStamp,
	)
	if err != nil {
		return apperr.StoreFailure("sqlite: write receipt", err)
	}
	return nil
}

// Receipts 按时间顺序返回涉及该账户的回执
func (s *SQLiteStore) Receipts(ctx context.Context, account uuid.UUID) ([]*transaction.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid, kind, confirmingPhase, sender, receipt, amount, attempts, timestamp
		FROM Transactions
		WHERE sender = ? OR receipt = ?
		ORDER BY timestamp, rowid
	`, account.String(), account.String())
	if err != nil {
		return nil, apperr.StoreFailure("sqlite: list receipts", err)
	}
	defer rows.Close()

	var out []*transaction.Transaction
	for rows.Next() {
		var (
			tx              transaction.Transaction
			kind            string
			sender, receipt sql.NullString
		)
		if err = rows.Scan(&tx.UUID, &kind, &tx.ConfirmingPhase, &sender, &receipt,
			&tx.Amount, &tx.Attempts, &tx.TimeStamp); err != nil {
			return nil, apperr.StoreFailure("sqlite: scan receipt", err)
		}
		tx.Kind = transaction.Kind(kind)
		if sender.Valid {
			tx.Sender, _ = uuid.Parse(sender.String)
		}
		if receipt.Valid {
			tx.Receipt, _ = uuid.Parse(receipt.String)
		}
		out = append(out, &tx)
	}
	if err = rows.Err(); err != nil {
		return nil, apperr.StoreFailure("sqlite: list receipts", err)
	}
	return out, nil
}
