package ledger

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// lockTable 是进程内按账户划分的锁
// 多个账户总是按 UUID 字节序加锁，两笔反向的转账不会互相等待
type lockTable struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*accountLock
}

type accountLock struct {
	ch   chan struct{}
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[uuid.UUID]*accountLock)}
}

// lockOrder 去重并排序
func lockOrder(ids []uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(ids))
	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

func (t *lockTable) ref(id uuid.UUID) *accountLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[id]
	if !ok {
		l = &accountLock{ch: make(chan struct{}, 1)}
		t.locks[id] = l
	}
	l.refs++
	return l
}

func (t *lockTable) unref(id uuid.UUID, l *accountLock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(t.locks, id)
	}
}

// acquire 锁住所有账户，ctx 结束时放弃已拿到的锁
func (t *lockTable) acquire(ctx context.Context, ids ...uuid.UUID) (release func(), err error) {
	type held struct {
		id uuid.UUID
		l  *accountLock
	}
	var locked []held

	releaseAll := func() {
		for i := len(locked) - 1; i >= 0; i-- {
			<-locked[i].l.ch
			t.unref(locked[i].id, locked[i].l)
		}
		locked = nil
	}

	for _, id := range lockOrder(ids) {
		l := t.ref(id)
		select {
		case l.ch <- struct{}{}:
			locked = append(locked, held{id: id, l: l})
		case <-ctx.Done():
			t.unref(id, l)
			releaseAll()
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() { once.Do(releaseAll) }, nil
}

// size 返回仍被引用的账户锁数量，测试用
func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
