// 包 ledger 是账本引擎：注册、存款、取款、转账和余额展示
//
// 余额始终以密文形式存取，加减法在密文上完成。只有授权检查（余额是否足够）
// 和余额展示需要解密。同一账户的读改写由进程内账户锁串行化，跨进程的
// 并发写入由存储层的版本号比对发现，冲突时整笔操作重算重试。
package ledger

import (
	"context"
	"time"

	"github.com/CamberLoid/chimata-ledger/internal/config"
	"github.com/CamberLoid/chimata-ledger/internal/fhe"
	"github.com/CamberLoid/chimata-ledger/internal/logger"
	"github.com/CamberLoid/chimata-ledger/internal/metrics"
	"github.com/CamberLoid/chimata-ledger/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxAttempts  = 5
	DefaultOpTimeout    = 10 * time.Second
	DefaultRetryBackoff = 5 * time.Millisecond
)

// TransferIntent 是一次转账请求
type TransferIntent struct {
	SenderID    uuid.UUID
	RecipientID uuid.UUID
	Amount      float64
}

type Engine struct {
	fhe     fhe.Decrypter
	store   store.Store
	locks   *lockTable
	log     zerolog.Logger
	metrics *metrics.Metrics

	maxAttempts  int
	opTimeout    time.Duration
	retryBackoff time.Duration
}

type Option func(*Engine)

// WithConfig 应用配置文件中的 ledger 段
func WithConfig(cfg config.LedgerConfig) Option {
	return func(e *Engine) {
		WithMaxAttempts(cfg.MaxAttempts)(e)
		WithOpTimeout(cfg.OpTimeout)(e)
		WithRetryBackoff(cfg.RetryBackoff)(e)
	}
}

// WithMaxAttempts 设置版本冲突时的最大尝试次数
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithOpTimeout 设置单次操作的超时，0 表示只受调用方 ctx 限制
func WithOpTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.opTimeout = d
		}
	}
}

func WithRetryBackoff(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.retryBackoff = d
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// New 创建账本引擎
// dec 必须持有私钥，授权检查需要解密
func New(dec fhe.Decrypter, st store.Store, log zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		fhe:          dec,
		store:        st,
		locks:        newLockTable(),
		log:          logger.Component(log, "ledger"),
		maxAttempts:  DefaultMaxAttempts,
		opTimeout:    DefaultOpTimeout,
		retryBackoff: DefaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store 返回引擎使用的存储
func (e *Engine) Store() store.Store {
	return e.store
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.opTimeout > 0 {
		return context.WithTimeout(ctx, e.opTimeout)
	}
	return context.WithCancel(ctx)
}
