package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/CamberLoid/chimata-ledger/internal/apperr"
	"github.com/CamberLoid/chimata-ledger/internal/transaction"
	"github.com/google/uuid"
)

// FaultHook 在事务内每暂存一条写入后被调用，written 为已暂存的条数
// 返回非空错误即模拟进程在两次写入之间崩溃，整个事务被丢弃
type FaultHook func(written int) error

// MemoryStore 是进程内的 Store 实现，读写都拷贝记录
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID]*Record
	byName map[string]uuid.UUID
	fault  FaultHook
	closed bool

	receipts []transaction.Transaction
	now      func() time.Time
}

var (
	_ Store   = (*MemoryStore)(nil)
	_ Journal = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[uuid.UUID]*Record),
		byName: make(map[string]uuid.UUID),
		now:    time.Now,
	}
}

// SetFaultHook 设置 PutTransaction 的故障注入，传 nil 取消
func (s *MemoryStore) SetFaultHook(h FaultHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = h
}

func (s *MemoryStore) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed {
		return apperr.StoreFailure("memory store", ErrClosed)
	}
	return nil
}

func (s *MemoryStore) Create(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}

	if _, ok := s.byName[rec.User.UserName]; ok {
		return apperr.AccountExists(rec.User.UserName)
	}
	if _, ok := s.byID[rec.User.UserIdentifier]; ok {
		return apperr.AccountExists(rec.User.UserIdentifier.String())
	}

	now := s.now().UTC()
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now
	s.byID[rec.User.UserIdentifier] = rec.Clone()
	s.byName[rec.User.UserName] = rec.User.UserIdentifier
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	rec, ok := s.byID[id]
	if !ok {
		return nil, apperr.AccountNotFound(id)
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) GetByUsername(ctx context.Context, name string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	id, ok := s.byName[name]
	if !ok {
		return nil, apperr.New(apperr.CodeAccountNotFound, "account not found: "+name)
	}
	return s.byID[id].Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	out := make([]*Record, 0, len(s.byID))
	for _, rec := range s.byID {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User.UserName < out[j].User.UserName })
	return out, nil
}

func (s *MemoryStore) Put(ctx context.Context, w Write) error {
	return s.PutTransaction(ctx, []Write{w})
}

func (s *MemoryStore) PutTransaction(ctx context.Context, ws []Write) error {
	if err := CheckWrites(ws); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}

	// 先全部校验并暂存，再一次性替换
	now := s.now().UTC()
	staged := make([]*Record, 0, len(ws))
	for i, w := range ws {
		cur, ok := s.byID[w.ID]
		if !ok {
			return apperr.AccountNotFound(w.ID)
		}
		if cur.Version != w.Version {
			return apperr.StoreConflict(w.ID)
		}
		next := cur.Clone()
		next.Balance = append([]byte(nil), w.Balance...)
		next.Version = cur.Version + 1
		next.UpdatedAt = now
		staged = append(staged, next)

		if s.fault != nil {
			if err := s.fault(i + 1); err != nil {
				return apperr.StoreFailure("memory store: transaction aborted", err)
			}
		}
	}

	for _, rec := range staged {
		s.byID[rec.User.UserIdentifier] = rec
	}
	return nil
}

func (s *MemoryStore) AppendReceipt(ctx context.Context, tx *transaction.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	// 同一 UUID 的回执只保留最新一份
	for i := range s.receipts {
		if s.receipts[i].UUID == tx.UUID {
			s.receipts[i] = *tx
			return nil
		}
	}
	s.receipts = append(s.receipts, *tx)
	return nil
}

func (s *MemoryStore) Receipts(ctx context.Context, account uuid.UUID) ([]*transaction.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	var out []*transaction.Transaction
	for i := range s.receipts {
		tx := s.receipts[i]
		if tx.Sender == account || tx.Receipt == account {
			out = append(out, &tx)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TimeStamp < out[j].TimeStamp })
	return out, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
