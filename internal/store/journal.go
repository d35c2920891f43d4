package store

import (
	"context"

	"github.com/CamberLoid/chimata-ledger/internal/transaction"
	"github.com/google/uuid"
)

// Journal 是可选能力：保存已提交操作的回执
// 回执在余额提交之后写入，写入失败不影响已提交的余额
type Journal interface {
	AppendReceipt(ctx context.Context, tx *transaction.Transaction) error
	// Receipts 按时间顺序返回涉及该账户的回执
	Receipts(ctx context.Context, account uuid.UUID) ([]*transaction.Transaction, error)
}
