// 包 db 是基于 sqlite 的账本存储
package db

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	"github.com/CamberLoid/chimata-ledger/internal/store"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// --- 初始化：建表 ---

// table Accounts:
// uuid TEXT PRIMARY KEY,
// userName TEXT UNIQUE
// balance BLOB <- fhe 信封格式的密文，原样保存
// version INTEGER, 每次写入加 1
// createdAt, updatedAt INTEGER, unix 纳秒
func CreateAccountTable() string {
	return `
		CREATE TABLE IF NOT EXISTS Accounts (
			uuid TEXT PRIMARY KEY NOT NULL,
			userName TEXT NOT NULL UNIQUE,
			balance BLOB,
			version INTEGER NOT NULL,
			createdAt INTEGER NOT NULL,
			updatedAt INTEGER NOT NULL
		);
	`
}

// table Transactions: 已提交操作的回执，不含任何余额
func CreateTransactionTable() string {
	return `
		CREATE TABLE IF NOT EXISTS Transactions (
			uuid TEXT PRIMARY KEY NOT NULL,
			kind TEXT NOT NULL,
			confirmingPhase TEXT NOT NULL,
			sender TEXT,
			receipt TEXT,
			amount REAL NOT NULL,
			attempts INTEGER NOT NULL,
			timestamp INTEGER NOT NULL
		);
	`
}

func CreateTransactionIndex() string {
	return `
		CREATE INDEX IF NOT EXISTS TransactionsByAccount
		ON Transactions (sender, receipt, timestamp);
	`
}

// SQLiteStore 实现 store.Store 和 store.Journal
type SQLiteStore struct {
	db  *sql.DB
	log zerolog.Logger

	// afterWrite 在事务内每条 UPDATE 之后调用，测试用
	afterWrite store.FaultHook
}

var (
	_ store.Store   = (*SQLiteStore)(nil)
	_ store.Journal = (*SQLiteStore)(nil)
)

// Open 打开/创建数据库并建表
// 目录不存在时自动创建
func Open(path string, log zerolog.Logger) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, errors.Wrap(err, "create database directory")
		}
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// sqlite 只允许一个写者，连接池退化为单连接，事务自然串行
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, log: log}
	if err = s.init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	for _, stmt := range []struct {
		name string
		sql  string
	}{
		{"Account", CreateAccountTable()},
		{"Transaction", CreateTransactionTable()},
		{"Transaction index", CreateTransactionIndex()},
	} {
		s.log.Debug().Str("table", stmt.name).Msg("database: initializing")
		if _, err := s.db.ExecContext(ctx, stmt.sql); err != nil {
			return errors.Wrapf(err, "create %s", stmt.name)
		}
	}
	return nil
}

// SetFaultHook 注入事务内两次写入之间的故障，测试用
func (s *SQLiteStore) SetFaultHook(h store.FaultHook) {
	s.afterWrite = h
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
