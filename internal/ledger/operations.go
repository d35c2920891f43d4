package ledger

import (
	"context"
	"time"

	"github.com/CamberLoid/chimata-ledger/internal/apperr"
	"github.com/CamberLoid/chimata-ledger/internal/codec"
	"github.com/CamberLoid/chimata-ledger/internal/fhe"
	"github.com/CamberLoid/chimata-ledger/internal/misc"
	"github.com/CamberLoid/chimata-ledger/internal/store"
	"github.com/CamberLoid/chimata-ledger/internal/transaction"
	"github.com/CamberLoid/chimata-ledger/internal/users"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	opRegister = "register"
	opResolve  = "resolve"
	opBalance  = "balance"
	opDeposit  = "deposit"
	opWithdraw = "withdraw"
	opTransfer = "transfer"
	opTotal    = "total"
	opReceipts = "receipts"
)

// validAmount 要求金额为正，且精确到分
// 授权比较使用舍入到分的余额，不足一分的金额会绕过余额检查
func validAmount(amount float64) error {
	if !misc.IsFiniteAmount(amount) || amount <= 0 || amount != misc.CKKSMsgRound(amount) {
		return apperr.InvalidAmount(amount)
	}
	return nil
}

// Register 创建余额为 Encrypt(0) 的新账户
func (e *Engine) Register(ctx context.Context, username string) (uuid.UUID, error) {
	start := time.Now()
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	u, err := users.NewUserWithUserName(username)
	if err != nil {
		return uuid.Nil, e.finish(opRegister, start, apperr.InvalidArgument(err.Error()))
	}

	blob, err := codec.EncodeBalance(0, e.fhe)
	if err != nil {
		return uuid.Nil, e.finish(opRegister, start, err)
	}

	if err = e.store.Create(ctx, &store.Record{User: *u, Balance: blob}); err != nil {
		return uuid.Nil, e.finish(opRegister, start, err)
	}

	e.log.Info().Str("account", u.UserIdentifier.String()).Msg("account registered")
	return u.UserIdentifier, e.finish(opRegister, start, nil)
}

// ResolveAccount 按用户名查找账户
func (e *Engine) ResolveAccount(ctx context.Context, username string) (uuid.UUID, error) {
	start := time.Now()
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	// 与 Register 使用相同的规范化，非法用户名不可能存在
	name, err := users.NormalizeUserName(username)
	if err != nil {
		return uuid.Nil, e.finish(opResolve, start,
			apperr.Wrap(apperr.CodeAccountNotFound, "account not found: "+username, err))
	}
	rec, err := e.store.GetByUsername(ctx, name)
	if err != nil {
		return uuid.Nil, e.finish(opResolve, start, err)
	}
	return rec.User.UserIdentifier, e.finish(opResolve, start, nil)
}

// GetDisplayBalance 解密余额并舍入到分，只用于展示
func (e *Engine) GetDisplayBalance(ctx context.Context, id uuid.UUID) (float64, error) {
	start := time.Now()
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return 0, e.finish(opBalance, start, err)
	}
	v, err := codec.DecodeBalance(rec.Balance, e.fhe)
	if err != nil {
		return 0, e.finish(opBalance, start, err)
	}
	return misc.CKKSMsgRound(v), e.finish(opBalance, start, nil)
}

// authorize 解密当前余额并与金额比较，余额不足时返回 InsufficientFunds
func (e *Engine) authorize(cur *fhe.Ciphertext, amount float64) error {
	balance, err := e.fhe.Decrypt(cur)
	if err != nil {
		return err
	}
	if misc.CKKSMsgRound(balance) < amount {
		return apperr.ErrInsufficientFunds
	}
	return nil
}

func (e *Engine) write(rec *store.Record, ct *fhe.Ciphertext) (store.Write, error) {
	blob, err := codec.Store(ct, e.fhe)
	if err != nil {
		return store.Write{}, err
	}
	return store.Write{ID: rec.User.UserIdentifier, Balance: blob, Version: rec.Version}, nil
}

// Deposit 存款：new = cur + Encrypt(amount)
func (e *Engine) Deposit(ctx context.Context, id uuid.UUID, amount float64) (*transaction.Transaction, error) {
	if err := validAmount(amount); err != nil {
		return nil, e.finish(opDeposit, time.Now(), err)
	}

	return e.execute(ctx, mutation{
		op:       opDeposit,
		receipt:  transaction.NewDeposit(id, amount),
		accounts: []uuid.UUID{id},
		plan: func(recs []*store.Record) ([]store.Write, error) {
			cur, err := codec.Load(recs[0].Balance, e.fhe)
			if err != nil {
				return nil, err
			}
			delta, err := e.fhe.Encrypt(amount)
			if err != nil {
				return nil, err
			}
			next, err := e.fhe.Add(cur, delta)
			if err != nil {
				return nil, err
			}
			w, err := e.write(recs[0], next)
			if err != nil {
				return nil, err
			}
			return []store.Write{w}, nil
		},
	})
}

// Withdraw 取款：余额足够时 new = cur - Encrypt(amount)
func (e *Engine) Withdraw(ctx context.Context, id uuid.UUID, amount float64) (*transaction.Transaction, error) {
	if err := validAmount(amount); err != nil {
		return nil, e.finish(opWithdraw, time.Now(), err)
	}

	return e.execute(ctx, mutation{
		op:       opWithdraw,
		receipt:  transaction.NewWithdraw(id, amount),
		accounts: []uuid.UUID{id},
		plan: func(recs []*store.Record) ([]store.Write, error) {
			cur, err := codec.Load(recs[0].Balance, e.fhe)
			if err != nil {
				return nil, err
			}
			if err = e.authorize(cur, amount); err != nil {
				return nil, err
			}
			delta, err := e.fhe.Encrypt(amount)
			if err != nil {
				return nil, err
			}
			next, err := e.fhe.Sub(cur, delta)
			if err != nil {
				return nil, err
			}
			w, err := e.write(recs[0], next)
			if err != nil {
				return nil, err
			}
			return []store.Write{w}, nil
		},
	})
}

// Transfer 转账：两个新余额在同一个存储事务中提交
func (e *Engine) Transfer(ctx context.Context, intent TransferIntent) (*transaction.Transaction, error) {
	if err := validAmount(intent.Amount); err != nil {
		return nil, e.finish(opTransfer, time.Now(), err)
	}
	if intent.SenderID == intent.RecipientID {
		return nil, e.finish(opTransfer, time.Now(), apperr.ErrSelfTransfer)
	}

	sender, recipient := intent.SenderID, intent.RecipientID
	return e.execute(ctx, mutation{
		op:       opTransfer,
		receipt:  transaction.NewTransfer(sender, recipient, intent.Amount),
		accounts: []uuid.UUID{sender, recipient},
		notFound: func(id uuid.UUID) error {
			if id == recipient {
				return apperr.RecipientNotFound(id.String())
			}
			return apperr.AccountNotFound(id)
		},
		plan: func(recs []*store.Record) ([]store.Write, error) {
			from, err := codec.Load(recs[0].Balance, e.fhe)
			if err != nil {
				return nil, err
			}
			to, err := codec.Load(recs[1].Balance, e.fhe)
			if err != nil {
				return nil, err
			}
			if err = e.authorize(from, intent.Amount); err != nil {
				return nil, err
			}

			delta, err := e.fhe.Encrypt(intent.Amount)
			if err != nil {
				return nil, err
			}
			nextFrom, err := e.fhe.Sub(from, delta)
			if err != nil {
				return nil, err
			}
			nextTo, err := e.fhe.Add(to, delta)
			if err != nil {
				return nil, err
			}

			wFrom, err := e.write(recs[0], nextFrom)
			if err != nil {
				return nil, err
			}
			wTo, err := e.write(recs[1], nextTo)
			if err != nil {
				return nil, err
			}
			return []store.Write{wFrom, wTo}, nil
		},
	})
}

// TransferToUser 按用户名查找收款方后转账
func (e *Engine) TransferToUser(ctx context.Context, senderID uuid.UUID, recipientName string, amount float64) (*transaction.Transaction, error) {
	recipient, err := e.ResolveAccount(ctx, recipientName)
	if err != nil {
		if errors.Is(err, apperr.ErrAccountNotFound) {
			return nil, apperr.RecipientNotFound(recipientName)
		}
		return nil, err
	}
	return e.Transfer(ctx, TransferIntent{SenderID: senderID, RecipientID: recipient, Amount: amount})
}

// TotalBalance 在密文上累加所有账户余额，只解密一次
func (e *Engine) TotalBalance(ctx context.Context) (float64, error) {
	start := time.Now()
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	recs, err := e.store.List(ctx)
	if err != nil {
		return 0, e.finish(opTotal, start, err)
	}

	sum, err := e.fhe.Encrypt(0)
	if err != nil {
		return 0, e.finish(opTotal, start, err)
	}
	for _, rec := range recs {
		ct, err := codec.Load(rec.Balance, e.fhe)
		if err != nil {
			return 0, e.finish(opTotal, start, err)
		}
		if sum, err = e.fhe.Add(sum, ct); err != nil {
			return 0, e.finish(opTotal, start, err)
		}
	}

	total, err := e.fhe.Decrypt(sum)
	if err != nil {
		return 0, e.finish(opTotal, start, err)
	}
	return misc.CKKSMsgRound(total), e.finish(opTotal, start, nil)
}

// ErrNoJournal 表示存储不保存回执
var ErrNoJournal = errors.New("ledger: store does not keep receipts")

// Receipts 返回账户的操作回执
func (e *Engine) Receipts(ctx context.Context, id uuid.UUID) ([]*transaction.Transaction, error) {
	start := time.Now()
	j, ok := e.store.(store.Journal)
	if !ok {
		return nil, e.finish(opReceipts, start, ErrNoJournal)
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	if _, err := e.store.Get(ctx, id); err != nil {
		return nil, e.finish(opReceipts, start, err)
	}
	txs, err := j.Receipts(ctx, id)
	return txs, e.finish(opReceipts, start, err)
}
