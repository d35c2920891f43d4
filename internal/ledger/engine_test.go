package ledger_test

import (
	"bytes"
	"context"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/CamberLoid/chimata-ledger/internal/apperr"
	"github.com/CamberLoid/chimata-ledger/internal/codec"
	"github.com/CamberLoid/chimata-ledger/internal/fhe"
	"github.com/CamberLoid/chimata-ledger/internal/fhe/fhetest"
	"github.com/CamberLoid/chimata-ledger/internal/ledger"
	"github.com/CamberLoid/chimata-ledger/internal/logger"
	"github.com/CamberLoid/chimata-ledger/internal/metrics"
	"github.com/CamberLoid/chimata-ledger/internal/store"
	"github.com/CamberLoid/chimata-ledger/internal/store/mocks"
	"github.com/CamberLoid/chimata-ledger/internal/transaction"
	"github.com/CamberLoid/chimata-ledger/internal/users"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/sync/errgroup"
)

type testDeps struct {
	engine *ledger.Engine
	store  *store.MemoryStore
	fhe    *fhe.Context
}

func setupEngine(t *testing.T, opts ...ledger.Option) *testDeps {
	t.Helper()
	d := &testDeps{store: store.NewMemoryStore(), fhe: fhetest.Context(t)}
	d.engine = ledger.New(d.fhe, d.store, zerolog.Nop(), opts...)
	return d
}

func register(t *testing.T, e *ledger.Engine, name string) uuid.UUID {
	t.Helper()
	id, err := e.Register(context.Background(), name)
	require.NoError(t, err)
	return id
}

func balanceOf(t *testing.T, e *ledger.Engine, id uuid.UUID) float64 {
	t.Helper()
	v, err := e.GetDisplayBalance(context.Background(), id)
	require.NoError(t, err)
	return v
}

func rawRecord(t *testing.T, s store.Store, id uuid.UUID) *store.Record {
	t.Helper()
	rec, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func TestScenario_AliceAndBob(t *testing.T) {
	d := setupEngine(t)
	ctx := context.Background()

	alice := register(t, d.engine, "alice")
	bob := register(t, d.engine, "bob")
	assert.Equal(t, 0.0, balanceOf(t, d.engine, alice))

	tx, err := d.engine.Deposit(ctx, alice, 100)
	require.NoError(t, err)
	assert.Equal(t, transaction.KindDeposit, tx.Kind)
	assert.True(t, tx.IsConfirmed())
	assert.Equal(t, 1, tx.Attempts)

	tx, err = d.engine.Transfer(ctx, ledger.TransferIntent{SenderID: alice, RecipientID: bob, Amount: 40})
	require.NoError(t, err)
	assert.Equal(t, alice, tx.Sender)
	assert.Equal(t, bob, tx.Receipt)

	assert.Equal(t, 60.0, balanceOf(t, d.engine, alice))
	assert.Equal(t, 40.0, balanceOf(t, d.engine, bob))

	before := rawRecord(t, d.store, bob)
	_, err = d.engine.Withdraw(ctx, bob, 50)
	assert.True(t, errors.Is(err, apperr.ErrInsufficientFunds), "got %v", err)
	assert.Equal(t, 40.0, balanceOf(t, d.engine, bob))

	after := rawRecord(t, d.store, bob)
	assert.True(t, bytes.Equal(before.Balance, after.Balance), "rejected withdraw must not touch the blob")
	assert.Equal(t, before.Version, after.Version)

	_, err = d.engine.Withdraw(ctx, bob, 40)
	require.NoError(t, err)
	assert.Equal(t, 0.0, balanceOf(t, d.engine, bob))
}

func TestResolveAccount(t *testing.T) {
	d := setupEngine(t)
	alice := register(t, d.engine, "alice")

	got, err := d.engine.ResolveAccount(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, alice, got)

	_, err = d.engine.ResolveAccount(context.Background(), "mallory")
	assert.True(t, errors.Is(err, apperr.ErrAccountNotFound))
}

func TestRegister_Rejections(t *testing.T) {
	d := setupEngine(t)
	register(t, d.engine, "alice")

	for _, name := range []string{"", "   "} {
		_, err := d.engine.Register(context.Background(), name)
		assert.True(t, errors.Is(err, apperr.ErrInvalidArgument), "name %q: %v", name, err)
	}
	_, err := d.engine.Register(context.Background(), "alice")
	assert.True(t, errors.Is(err, apperr.ErrAccountExists), "got %v", err)

	// 首尾空白不产生新用户名
	_, err = d.engine.Register(context.Background(), " alice ")
	assert.True(t, errors.Is(err, apperr.ErrAccountExists), "got %v", err)
}

func TestMutations_InvalidAmount(t *testing.T) {
	d := setupEngine(t)
	ctx := context.Background()
	alice := register(t, d.engine, "alice")
	bob := register(t, d.engine, "bob")
	_, err := d.engine.Deposit(ctx, alice, 10)
	require.NoError(t, err)

	for _, amount := range []float64{0, -5, math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := d.engine.Deposit(ctx, alice, amount)
		assert.True(t, errors.Is(err, apperr.ErrInvalidAmount), "deposit %v: %v", amount, err)

		_, err = d.engine.Withdraw(ctx, alice, amount)
		assert.True(t, errors.Is(err, apperr.ErrInvalidAmount), "withdraw %v: %v", amount, err)

		_, err = d.engine.Transfer(ctx, ledger.TransferIntent{SenderID: alice, RecipientID: bob, Amount: amount})
		assert.True(t, errors.Is(err, apperr.ErrInvalidAmount), "transfer %v: %v", amount, err)
	}

	_, err = d.engine.Deposit(ctx, alice, d.fhe.MaxMagnitude()*10)
	assert.True(t, errors.Is(err, apperr.ErrEncoding), "got %v", err)

	assert.Equal(t, 10.0, balanceOf(t, d.engine, alice))
	assert.Equal(t, 0.0, balanceOf(t, d.engine, bob))
}

func TestMutations_SubCentAmount(t *testing.T) {
	d := setupEngine(t)
	ctx := context.Background()
	alice := register(t, d.engine, "alice")
	bob := register(t, d.engine, "bob")

	_, err := d.engine.Deposit(ctx, alice, 0.006)
	assert.True(t, errors.Is(err, apperr.ErrInvalidAmount), "got %v", err)

	// 余额为 0 时，0.01 不能取出
	_, err = d.engine.Withdraw(ctx, alice, 0.01)
	assert.True(t, errors.Is(err, apperr.ErrInsufficientFunds), "got %v", err)

	_, err = d.engine.Deposit(ctx, alice, 10)
	require.NoError(t, err)
	for _, amount := range []float64{0.001, 0.005, 1.005, 9.999} {
		_, err = d.engine.Withdraw(ctx, alice, amount)
		assert.True(t, errors.Is(err, apperr.ErrInvalidAmount), "withdraw %v: %v", amount, err)

		_, err = d.engine.Transfer(ctx, ledger.TransferIntent{SenderID: alice, RecipientID: bob, Amount: amount})
		assert.True(t, errors.Is(err, apperr.ErrInvalidAmount), "transfer %v: %v", amount, err)
	}

	_, err = d.engine.Withdraw(ctx, alice, 0.01)
	require.NoError(t, err)

	raw, err := codec.DecodeBalance(rawRecord(t, d.store, alice).Balance, d.fhe)
	require.NoError(t, err)
	assert.InDelta(t, 9.99, raw, 1e-4)
	assert.Equal(t, 0.0, balanceOf(t, d.engine, bob))
}

func TestResolveAccount_NormalizesUsername(t *testing.T) {
	d := setupEngine(t)
	ctx := context.Background()
	alice := register(t, d.engine, "alice")
	bob := register(t, d.engine, "  bob  ")

	for _, name := range []string{"bob", "  bob  ", "bob\t"} {
		id, err := d.engine.ResolveAccount(ctx, name)
		require.NoError(t, err, "resolve %q", name)
		assert.Equal(t, bob, id)
	}

	_, err := d.engine.ResolveAccount(ctx, "   ")
	assert.True(t, errors.Is(err, apperr.ErrAccountNotFound), "got %v", err)

	_, err = d.engine.Deposit(ctx, alice, 20)
	require.NoError(t, err)
	_, err = d.engine.TransferToUser(ctx, alice, "  bob  ", 5)
	require.NoError(t, err)
	assert.Equal(t, 5.0, balanceOf(t, d.engine, bob))

	_, err = d.engine.TransferToUser(ctx, alice, "   ", 1)
	assert.True(t, errors.Is(err, apperr.ErrRecipientNotFound), "got %v", err)
	assert.Equal(t, 15.0, balanceOf(t, d.engine, alice))
}

func TestMutations_UnknownAccount(t *testing.T) {
	d := setupEngine(t)
	ctx := context.Background()
	alice := register(t, d.engine, "alice")
	ghost := uuid.New()

	_, err := d.engine.Deposit(ctx, ghost, 1)
	assert.True(t, errors.Is(err, apperr.ErrAccountNotFound), "got %v", err)

	_, err = d.engine.Withdraw(ctx, ghost, 1)
	assert.True(t, errors.Is(err, apperr.ErrAccountNotFound), "got %v", err)

	_, err = d.engine.GetDisplayBalance(ctx, ghost)
	assert.True(t, errors.Is(err, apperr.ErrAccountNotFound), "got %v", err)

	_, err = d.engine.Transfer(ctx, ledger.TransferIntent{SenderID: alice, RecipientID: ghost, Amount: 1})
	assert.True(t, errors.Is(err, apperr.ErrRecipientNotFound), "got %v", err)

	_, err = d.engine.Transfer(ctx, ledger.TransferIntent{SenderID: ghost, RecipientID: alice, Amount: 1})
	assert.True(t, errors.Is(err, apperr.ErrAccountNotFound), "got %v", err)

	_, err = d.engine.TransferToUser(ctx, alice, "nobody", 1)
	assert.True(t, errors.Is(err, apperr.ErrRecipientNotFound), "got %v", err)
}

func TestTransfer_SelfTransfer(t *testing.T) {
	d := setupEngine(t)
	ctx := context.Background()
	alice := register(t, d.engine, "alice")
	_, err := d.engine.Deposit(ctx, alice, 10)
	require.NoError(t, err)

	_, err = d.engine.Transfer(ctx, ledger.TransferIntent{SenderID: alice, RecipientID: alice, Amount: 5})
	assert.True(t, errors.Is(err, apperr.ErrSelfTransfer), "got %v", err)

	_, err = d.engine.TransferToUser(ctx, alice, "alice", 5)
	assert.True(t, errors.Is(err, apperr.ErrSelfTransfer), "got %v", err)
	assert.Equal(t, 10.0, balanceOf(t, d.engine, alice))
}

func TestTransferToUser(t *testing.T) {
	d := setupEngine(t)
	ctx := context.Background()
	alice := register(t, d.engine, "alice")
	bob := register(t, d.engine, "bob")
	_, err := d.engine.Deposit(ctx, alice, 25.5)
	require.NoError(t, err)

	tx, err := d.engine.TransferToUser(ctx, alice, "bob", 10.25)
	require.NoError(t, err)
	assert.Equal(t, bob, tx.Receipt)
	assert.Equal(t, 15.25, balanceOf(t, d.engine, alice))
	assert.Equal(t, 10.25, balanceOf(t, d.engine, bob))
}

func TestTransfer_Conservation(t *testing.T) {
	d := setupEngine(t)
	ctx := context.Background()

	ids := []uuid.UUID{
		register(t, d.engine, "alice"),
		register(t, d.engine, "bob"),
		register(t, d.engine, "carol"),
	}
	for _, id := range ids {
		_, err := d.engine.Deposit(ctx, id, 100)
		require.NoError(t, err)
	}

	total, err := d.engine.TotalBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 300.0, total)

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 30; i++ {
		from, to := rng.Intn(3), rng.Intn(3)
		if from == to {
			continue
		}
		amount := float64(rng.Intn(5000)+1) / 100
		_, err := d.engine.Transfer(ctx, ledger.TransferIntent{SenderID: ids[from], RecipientID: ids[to], Amount: amount})
		if err != nil {
			require.True(t, errors.Is(err, apperr.ErrInsufficientFunds), "unexpected error %v", err)
		}
	}

	sum := 0.0
	for _, id := range ids {
		v := balanceOf(t, d.engine, id)
		assert.GreaterOrEqual(t, v, 0.0)
		sum += v
	}
	assert.InDelta(t, 300.0, sum, 0.02)

	total, err = d.engine.TotalBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 300.0, total)
}

func TestTransfer_AtomicUnderCrash(t *testing.T) {
	d := setupEngine(t)
	ctx := context.Background()
	alice := register(t, d.engine, "alice")
	bob := register(t, d.engine, "bob")
	_, err := d.engine.Deposit(ctx, alice, 100)
	require.NoError(t, err)

	beforeA, beforeB := rawRecord(t, d.store, alice), rawRecord(t, d.store, bob)

	crash := errors.New("power loss")
	d.store.SetFaultHook(func(written int) error {
		if written == 1 {
			return crash
		}
		return nil
	})
	_, err = d.engine.Transfer(ctx, ledger.TransferIntent{SenderID: alice, RecipientID: bob, Amount: 30})
	assert.True(t, errors.Is(err, apperr.ErrStoreFailure), "got %v", err)
	assert.False(t, apperr.IsRetryable(err))

	afterA, afterB := rawRecord(t, d.store, alice), rawRecord(t, d.store, bob)
	assert.Equal(t, beforeA.Balance, afterA.Balance)
	assert.Equal(t, beforeB.Balance, afterB.Balance)

	d.store.SetFaultHook(nil)
	assert.Equal(t, 100.0, balanceOf(t, d.engine, alice))
	assert.Equal(t, 0.0, balanceOf(t, d.engine, bob))
}

func TestConcurrentDeposits(t *testing.T) {
	d := setupEngine(t)
	alice := register(t, d.engine, "alice")

	const n = 20
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < n; i++ {
		g.Go(func() error {
			_, err := d.engine.Deposit(ctx, alice, 1)
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, float64(n), balanceOf(t, d.engine, alice))
	assert.Equal(t, uint64(n+1), rawRecord(t, d.store, alice).Version)
}

// 两个引擎不共享账户锁，只靠存储的版本号发现冲突
func TestConcurrentEnginesShareStore(t *testing.T) {
	c := fhetest.Context(t)
	st := store.NewMemoryStore()
	m := metrics.New()
	opts := []ledger.Option{ledger.WithMaxAttempts(100), ledger.WithRetryBackoff(time.Millisecond), ledger.WithMetrics(m)}
	e1 := ledger.New(c, st, zerolog.Nop(), opts...)
	e2 := ledger.New(c, st, zerolog.Nop(), opts...)

	alice := register(t, e1, "alice")

	const perEngine = 10
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < perEngine; i++ {
		g.Go(func() error {
			_, err := e1.Deposit(ctx, alice, 1)
			return err
		})
		g.Go(func() error {
			_, err := e2.Deposit(ctx, alice, 1)
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, float64(2*perEngine), balanceOf(t, e1, alice))
	assert.Equal(t, float64(2*perEngine), balanceOf(t, e2, alice))
	assert.Equal(t, uint64(2*perEngine+1), rawRecord(t, st, alice).Version)
}

func TestConcurrentOpposingTransfers(t *testing.T) {
	d := setupEngine(t)
	ctx := context.Background()
	alice := register(t, d.engine, "alice")
	bob := register(t, d.engine, "bob")
	_, err := d.engine.Deposit(ctx, alice, 50)
	require.NoError(t, err)
	_, err = d.engine.Deposit(ctx, bob, 50)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := d.engine.Transfer(ctx, ledger.TransferIntent{SenderID: alice, RecipientID: bob, Amount: 1})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := d.engine.Transfer(ctx, ledger.TransferIntent{SenderID: bob, RecipientID: alice, Amount: 2})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 60.0, balanceOf(t, d.engine, alice))
	assert.Equal(t, 40.0, balanceOf(t, d.engine, bob))
}

// slowFHE 让密文加法变慢，用于超时测试
type slowFHE struct {
	*fhe.Context
	delay time.Duration
}

func (s slowFHE) Add(a, b *fhe.Ciphertext) (*fhe.Ciphertext, error) {
	time.Sleep(s.delay)
	return s.Context.Add(a, b)
}

func TestOperationTimeout(t *testing.T) {
	c := fhetest.Context(t)
	st := store.NewMemoryStore()
	slow := ledger.New(slowFHE{Context: c, delay: 300 * time.Millisecond}, st, zerolog.Nop(),
		ledger.WithOpTimeout(50*time.Millisecond))

	// 注册走不限时的引擎，只让 Deposit 受超时约束
	alice := register(t, ledger.New(c, st, zerolog.Nop()), "alice")
	before := rawRecord(t, st, alice)

	_, err := slow.Deposit(context.Background(), alice, 10)
	assert.True(t, errors.Is(err, apperr.ErrTimeout), "got %v", err)
	assert.True(t, apperr.IsRetryable(err))

	// 超时后的运算结果不会被写入
	time.Sleep(400 * time.Millisecond)
	after := rawRecord(t, st, alice)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.Balance, after.Balance)
}

func TestCallerContextCanceled(t *testing.T) {
	d := setupEngine(t)
	alice := register(t, d.engine, "alice")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.engine.Deposit(ctx, alice, 1)
	assert.True(t, errors.Is(err, apperr.ErrTimeout), "got %v", err)
	assert.Equal(t, 0.0, balanceOf(t, d.engine, alice))
}

func TestReceipts(t *testing.T) {
	d := setupEngine(t)
	ctx := context.Background()
	alice := register(t, d.engine, "alice")
	bob := register(t, d.engine, "bob")

	dep, err := d.engine.Deposit(ctx, alice, 30)
	require.NoError(t, err)
	tr, err := d.engine.Transfer(ctx, ledger.TransferIntent{SenderID: alice, RecipientID: bob, Amount: 5})
	require.NoError(t, err)
	_, err = d.engine.Withdraw(ctx, bob, 100)
	require.Error(t, err)

	got, err := d.engine.Receipts(ctx, alice)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, dep.UUID, got[0].UUID)
	assert.Equal(t, tr.UUID, got[1].UUID)

	got, err = d.engine.Receipts(ctx, bob)
	require.NoError(t, err)
	require.Len(t, got, 1, "rejected operations are not journaled")

	_, err = d.engine.Receipts(ctx, uuid.New())
	assert.True(t, errors.Is(err, apperr.ErrAccountNotFound))
}

// --- 基于 mock 存储的重试测试 ---

func mockRecord(t *testing.T, c *fhe.Context, balance float64) *store.Record {
	t.Helper()
	blob, err := codec.EncodeBalance(balance, c)
	require.NoError(t, err)
	u, err := users.NewUserWithUserName("alice")
	require.NoError(t, err)
	return &store.Record{User: *u, Balance: blob, Version: 7}
}

func TestRetriesExhausted(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	c := fhetest.Context(t)
	st := mocks.NewMockStore(ctrl)
	rec := mockRecord(t, c, 100)
	id := rec.User.UserIdentifier

	st.EXPECT().Get(gomock.Any(), id).Return(rec, nil).Times(3)
	st.EXPECT().Put(gomock.Any(), gomock.Any()).Return(apperr.StoreConflict(id)).Times(3)

	e := ledger.New(c, st, zerolog.Nop(), ledger.WithMaxAttempts(3), ledger.WithRetryBackoff(0))
	_, err := e.Withdraw(context.Background(), id, 10)

	assert.True(t, errors.Is(err, apperr.ErrTransientFailure), "got %v", err)
	assert.True(t, errors.Is(err, apperr.ErrStoreConflict))
	assert.True(t, apperr.IsRetryable(err))
}

func TestRetryAfterConflict(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	c := fhetest.Context(t)
	st := mocks.NewMockStore(ctrl)
	stale := mockRecord(t, c, 100)
	id := stale.User.UserIdentifier
	fresh := stale.Clone()
	fresh.Version = 8

	var logs bytes.Buffer
	m := metrics.New()

	gomock.InOrder(
		st.EXPECT().Get(gomock.Any(), id).Return(stale, nil),
		st.EXPECT().Put(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, w store.Write) error {
			assert.Equal(t, uint64(7), w.Version)
			return apperr.StoreConflict(id)
		}),
		st.EXPECT().Get(gomock.Any(), id).Return(fresh, nil),
		st.EXPECT().Put(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, w store.Write) error {
			assert.Equal(t, uint64(8), w.Version)
			got, err := codec.DecodeBalance(w.Balance, c)
			assert.NoError(t, err)
			assert.InDelta(t, 125.0, got, 1e-4)
			return nil
		}),
	)

	e := ledger.New(c, st, logger.NewWithWriter("debug", &logs),
		ledger.WithRetryBackoff(0), ledger.WithMetrics(m))
	tx, err := e.Deposit(context.Background(), id, 25)
	require.NoError(t, err)
	assert.Equal(t, 2, tx.Attempts)

	assert.Contains(t, logs.String(), "store conflict, retrying")
	assert.Contains(t, logs.String(), `"component":"ledger"`)

	dump, err := m.Dump()
	require.NoError(t, err)
	assert.Contains(t, dump, "ledger_store_conflicts_total 1")
	assert.Contains(t, dump, `ledger_operations_total{op="deposit",result="ok"} 1`)
}

func TestTransferUsesSingleStoreTransaction(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	c := fhetest.Context(t)
	st := mocks.NewMockStore(ctrl)
	from := mockRecord(t, c, 50)
	to := mockRecord(t, c, 0)
	to.User.UserIdentifier = uuid.New()
	to.User.UserName = "bob"

	st.EXPECT().Get(gomock.Any(), from.User.UserIdentifier).Return(from, nil)
	st.EXPECT().Get(gomock.Any(), to.User.UserIdentifier).Return(to, nil)
	st.EXPECT().PutTransaction(gomock.Any(), gomock.Len(2)).Return(nil)

	e := ledger.New(c, st, zerolog.Nop())
	_, err := e.Transfer(context.Background(), ledger.TransferIntent{
		SenderID: from.User.UserIdentifier, RecipientID: to.User.UserIdentifier, Amount: 20,
	})
	require.NoError(t, err)
}

func TestReceipts_NoJournal(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	e := ledger.New(fhetest.Context(t), mocks.NewMockStore(ctrl), zerolog.Nop())
	_, err := e.Receipts(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ledger.ErrNoJournal)
}
