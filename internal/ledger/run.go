package ledger

import (
	"context"
	"time"

	"github.com/CamberLoid/chimata-ledger/internal/apperr"
	"github.com/CamberLoid/chimata-ledger/internal/metrics"
	"github.com/CamberLoid/chimata-ledger/internal/store"
	"github.com/CamberLoid/chimata-ledger/internal/transaction"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// planFunc 根据读到的记录计算要写入的新余额，不能修改 recs
type planFunc func(recs []*store.Record) ([]store.Write, error)

// mutation 描述一次读改写
type mutation struct {
	op       string
	receipt  *transaction.Transaction
	accounts []uuid.UUID
	// notFound 把缺失的账户映射成对外的错误，nil 时返回 AccountNotFound
	notFound func(id uuid.UUID) error
	plan     planFunc
}

// classify 把错误归类为指标中的结果
func classify(err error) string {
	switch apperr.CodeOf(err) {
	case "":
		if err == nil {
			return metrics.ResultOK
		}
		return metrics.ResultError
	case apperr.CodeAccountNotFound, apperr.CodeRecipientNotFound, apperr.CodeAccountExists,
		apperr.CodeInsufficientFunds, apperr.CodeInvalidAmount, apperr.CodeInvalidArgument,
		apperr.CodeSelfTransfer:
		return metrics.ResultRejected
	default:
		return metrics.ResultError
	}
}

// finish 记录指标和日志，并把 ctx 错误转换为 Timeout
func (e *Engine) finish(op string, start time.Time, err error) error {
	if err != nil && apperr.CodeOf(err) == "" &&
		(errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		err = apperr.Timeout(err)
	}

	result := classify(err)
	e.metrics.Observe(op, result, time.Since(start))

	switch result {
	case metrics.ResultOK:
	case metrics.ResultRejected:
		e.log.Info().Str("op", op).Str("code", string(apperr.CodeOf(err))).Msg("operation rejected")
	default:
		e.log.Error().Err(err).Str("op", op).Msg("operation failed")
	}
	return err
}

// execute 在账户锁内执行读改写，版本冲突时重新读取并重算
func (e *Engine) execute(ctx context.Context, m mutation) (*transaction.Transaction, error) {
	start := time.Now()
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	log := e.log.With().Str("op", m.op).Str("tx", m.receipt.UUID.String()).Logger()
	log.Debug().Interface("accounts", m.accounts).Float64("amount", m.receipt.Amount).Msg("operation started")

	release, err := e.locks.acquire(ctx, m.accounts...)
	if err != nil {
		return nil, e.finish(m.op, start, err)
	}
	defer release()

	for attempt := 1; ; attempt++ {
		err = e.attempt(ctx, m)
		if err == nil {
			m.receipt.Confirm(attempt)
			e.journal(ctx, m.receipt)
			log.Debug().Int("attempts", attempt).Msg("operation committed")
			return m.receipt, e.finish(m.op, start, nil)
		}
		if !errors.Is(err, apperr.ErrStoreConflict) {
			m.receipt.Fail(attempt)
			return nil, e.finish(m.op, start, err)
		}

		e.metrics.Conflict()
		if attempt >= e.maxAttempts {
			m.receipt.Fail(attempt)
			return nil, e.finish(m.op, start, apperr.TransientFailure(attempt, err))
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("store conflict, retrying")

		if err = sleep(ctx, e.retryBackoff*time.Duration(attempt)); err != nil {
			m.receipt.Fail(attempt)
			return nil, e.finish(m.op, start, err)
		}
	}
}

func (e *Engine) attempt(ctx context.Context, m mutation) error {
	recs := make([]*store.Record, len(m.accounts))
	for i, id := range m.accounts {
		rec, err := e.store.Get(ctx, id)
		if err != nil {
			if m.notFound != nil && errors.Is(err, apperr.ErrAccountNotFound) {
				return m.notFound(id)
			}
			return err
		}
		recs[i] = rec
	}

	writes, err := compute(ctx, func() ([]store.Write, error) { return m.plan(recs) })
	if err != nil {
		return err
	}

	// 超时发生在提交之前时不写入
	if err = ctx.Err(); err != nil {
		return err
	}
	if len(writes) == 1 {
		return e.store.Put(ctx, writes[0])
	}
	return e.store.PutTransaction(ctx, writes)
}

// compute 在独立的 goroutine 中做密文运算，ctx 结束时不再等待结果
func compute(ctx context.Context, fn func() ([]store.Write, error)) ([]store.Write, error) {
	type result struct {
		writes []store.Write
		err    error
	}
	done := make(chan result, 1)
	go func() {
		ws, err := fn()
		done <- result{ws, err}
	}()

	select {
	case r := <-done:
		return r.writes, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// journal 保存回执；余额已经提交，失败只记录日志
func (e *Engine) journal(ctx context.Context, tx *transaction.Transaction) {
	j, ok := e.store.(store.Journal)
	if !ok {
		return
	}
	if err := j.AppendReceipt(ctx, tx); err != nil {
		e.log.Warn().Err(err).Str("tx", tx.UUID.String()).Msg("failed to journal receipt")
	}
}
