// Package storetest holds behaviour tests shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"sync"
	"testing"

	"github.com/CamberLoid/chimata-ledger/internal/apperr"
	"github.com/CamberLoid/chimata-ledger/internal/store"
	"github.com/CamberLoid/chimata-ledger/internal/transaction"
	"github.com/CamberLoid/chimata-ledger/internal/users"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store. The store is closed by the suite.
type Factory func(t *testing.T) store.Store

// NewRecord builds an unsaved record with an opaque balance.
func NewRecord(t *testing.T, name string, balance []byte) *store.Record {
	t.Helper()
	u, err := users.NewUserWithUserName(name)
	require.NoError(t, err)
	return &store.Record{User: *u, Balance: balance}
}

// Run exercises the store contract.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"DuplicateUsername", testDuplicateUsername},
		{"NotFound", testNotFound},
		{"List", testList},
		{"PutBumpsVersion", testPutBumpsVersion},
		{"PutStaleVersion", testPutStaleVersion},
		{"PutTransactionAllOrNothing", testPutTransactionAllOrNothing},
		{"PutTransactionMissingAccount", testPutTransactionMissingAccount},
		{"PutTransactionDuplicateWrite", testPutTransactionDuplicateWrite},
		{"ConcurrentCAS", testConcurrentCAS},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

var ignoreTimes = cmpopts.IgnoreFields(store.Record{}, "CreatedAt", "UpdatedAt")

func testCreateAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := NewRecord(t, "alice", []byte{0x01, 0x02, 0x03})
	require.NoError(t, s.Create(ctx, rec))
	assert.Equal(t, uint64(1), rec.Version)
	assert.False(t, rec.CreatedAt.IsZero())

	got, err := s.Get(ctx, rec.User.UserIdentifier)
	require.NoError(t, err)
	if diff := cmp.Diff(rec, got, ignoreTimes); diff != "" {
		t.Errorf("Get mismatch (-want +got):\n%s", diff)
	}

	byName, err := s.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, rec.User.UserIdentifier, byName.User.UserIdentifier)

	// 返回的记录是拷贝
	got.Balance[0] = 0xff
	again, err := s.Get(ctx, rec.User.UserIdentifier)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, again.Balance)
}

func testDuplicateUsername(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, NewRecord(t, "alice", []byte{1})))

	err := s.Create(ctx, NewRecord(t, "alice", []byte{2}))
	assert.True(t, errors.Is(err, apperr.ErrAccountExists), "got %v", err)
}

func testNotFound(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.Get(ctx, uuid.New())
	assert.True(t, errors.Is(err, apperr.ErrAccountNotFound), "got %v", err)

	_, err = s.GetByUsername(ctx, "nobody")
	assert.True(t, errors.Is(err, apperr.ErrAccountNotFound), "got %v", err)

	err = s.Put(ctx, store.Write{ID: uuid.New(), Balance: []byte{1}, Version: 1})
	assert.True(t, errors.Is(err, apperr.ErrAccountNotFound), "got %v", err)
}

func testList(t *testing.T, s store.Store) {
	ctx := context.Background()
	for _, name := range []string{"carol", "alice", "bob"} {
		require.NoError(t, s.Create(ctx, NewRecord(t, name, []byte(name))))
	}

	recs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	names := []string{recs[0].User.UserName, recs[1].User.UserName, recs[2].User.UserName}
	assert.Equal(t, []string{"alice", "bob", "carol"}, names)
	assert.Equal(t, []byte("bob"), recs[1].Balance)
}

func testPutBumpsVersion(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := NewRecord(t, "alice", []byte{1})
	require.NoError(t, s.Create(ctx, rec))
	id := rec.User.UserIdentifier

	require.NoError(t, s.Put(ctx, store.Write{ID: id, Balance: []byte{2}, Version: 1}))
	require.NoError(t, s.Put(ctx, store.Write{ID: id, Balance: []byte{3}, Version: 2}))

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.Version)
	assert.Equal(t, []byte{3}, got.Balance)
	assert.False(t, got.UpdatedAt.Before(got.CreatedAt))
}

func testPutStaleVersion(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := NewRecord(t, "alice", []byte{1})
	require.NoError(t, s.Create(ctx, rec))
	id := rec.User.UserIdentifier

	require.NoError(t, s.Put(ctx, store.Write{ID: id, Balance: []byte{2}, Version: 1}))
	err := s.Put(ctx, store.Write{ID: id, Balance: []byte{9}, Version: 1})
	assert.True(t, errors.Is(err, apperr.ErrStoreConflict), "got %v", err)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, got.Balance)
	assert.Equal(t, uint64(2), got.Version)
}

func testPutTransactionAllOrNothing(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := NewRecord(t, "alice", []byte{10})
	b := NewRecord(t, "bob", []byte{20})
	require.NoError(t, s.Create(ctx, a))
	require.NoError(t, s.Create(ctx, b))
	aid, bid := a.User.UserIdentifier, b.User.UserIdentifier

	// bob 的版本过期，alice 的写入也不能生效
	require.NoError(t, s.Put(ctx, store.Write{ID: bid, Balance: []byte{21}, Version: 1}))
	err := s.PutTransaction(ctx, []store.Write{
		{ID: aid, Balance: []byte{11}, Version: 1},
		{ID: bid, Balance: []byte{22}, Version: 1},
	})
	assert.True(t, errors.Is(err, apperr.ErrStoreConflict), "got %v", err)

	gotA, err := s.Get(ctx, aid)
	require.NoError(t, err)
	assert.Equal(t, []byte{10}, gotA.Balance)
	assert.Equal(t, uint64(1), gotA.Version)

	require.NoError(t, s.PutTransaction(ctx, []store.Write{
		{ID: aid, Balance: []byte{11}, Version: 1},
		{ID: bid, Balance: []byte{22}, Version: 2},
	}))
	gotA, err = s.Get(ctx, aid)
	require.NoError(t, err)
	gotB, err := s.Get(ctx, bid)
	require.NoError(t, err)
	assert.Equal(t, []byte{11}, gotA.Balance)
	assert.Equal(t, []byte{22}, gotB.Balance)
	assert.Equal(t, uint64(3), gotB.Version)
}

func testPutTransactionMissingAccount(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := NewRecord(t, "alice", []byte{10})
	require.NoError(t, s.Create(ctx, a))

	err := s.PutTransaction(ctx, []store.Write{
		{ID: a.User.UserIdentifier, Balance: []byte{11}, Version: 1},
		{ID: uuid.New(), Balance: []byte{1}, Version: 1},
	})
	assert.True(t, errors.Is(err, apperr.ErrAccountNotFound), "got %v", err)

	got, err := s.Get(ctx, a.User.UserIdentifier)
	require.NoError(t, err)
	assert.Equal(t, []byte{10}, got.Balance)
}

func testPutTransactionDuplicateWrite(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := NewRecord(t, "alice", []byte{10})
	require.NoError(t, s.Create(ctx, a))
	id := a.User.UserIdentifier

	err := s.PutTransaction(ctx, []store.Write{
		{ID: id, Balance: []byte{11}, Version: 1},
		{ID: id, Balance: []byte{12}, Version: 1},
	})
	assert.True(t, errors.Is(err, apperr.ErrInvalidArgument), "got %v", err)
}

// 多个写者从同一版本出发，只能有一个成功
func testConcurrentCAS(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := NewRecord(t, "alice", []byte{0})
	require.NoError(t, s.Create(ctx, rec))
	id := rec.User.UserIdentifier

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(b byte) {
			defer wg.Done()
			err := s.Put(ctx, store.Write{ID: id, Balance: []byte{b}, Version: 1})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, apperr.ErrStoreConflict), "got %v", err)
		}(byte(i + 1))
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Version)
}

// JournalStore is a store that also keeps receipts.
type JournalStore interface {
	store.Store
	store.Journal
}

// RunJournal exercises the receipt journal.
func RunJournal(t *testing.T, newStore func(t *testing.T) JournalStore) {
	s := newStore(t)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()
	deposit := transaction.NewDeposit(alice, 100).Confirm(1)
	transfer := transaction.NewTransfer(alice, bob, 40).Confirm(2)
	other := transaction.NewWithdraw(carol, 5).Confirm(1)
	for _, tx := range []*transaction.Transaction{deposit, transfer, other} {
		require.NoError(t, s.AppendReceipt(ctx, tx))
	}

	got, err := s.Receipts(ctx, alice)
	require.NoError(t, err)
	if diff := cmp.Diff([]*transaction.Transaction{deposit, transfer}, got); diff != "" {
		t.Errorf("alice receipts mismatch (-want +got):\n%s", diff)
	}

	got, err = s.Receipts(ctx, bob)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, transfer.UUID, got[0].UUID)
	assert.Equal(t, transaction.KindTransfer, got[0].Kind)

	got, err = s.Receipts(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, got)

	// 重复写入同一回执只更新，不新增
	replay := *deposit
	replay.Attempts = 3
	require.NoError(t, s.AppendReceipt(ctx, &replay))
	got, err = s.Receipts(ctx, alice)
	require.NoError(t, err)
	if diff := cmp.Diff([]*transaction.Transaction{&replay, transfer}, got); diff != "" {
		t.Errorf("alice receipts after replay mismatch (-want +got):\n%s", diff)
	}
}
