package transaction

import (
	"time"

	"github.com/google/uuid"
)

// Kind 是账本操作的类型
type Kind string

const (
	KindDeposit  Kind = "deposit"
	KindWithdraw Kind = "withdraw"
	KindTransfer Kind = "transfer"
)

// ConfirmingPhase 可能是 "processing", "confirmed", "failed"
const (
	PhaseProcessing = "processing"
	PhaseConfirmed  = "confirmed"
	PhaseFailed     = "failed"
)

// Transaction 是单笔账本操作的回执，
// 包含了操作类型、发起者、接收者、金额、时间戳等信息。具体如下：
// deposit：Sender 为空，Receipt 为入账账户
// withdraw：Sender 为出账账户，Receipt 为空
// transfer：Sender、Receipt 均不为空
// 回执不包含任何余额信息
type Transaction struct {
	ConfirmingPhase string    `json:"confirmingPhase"`
	Kind            Kind      `json:"kind"`
	UUID            uuid.UUID `json:"uuid"`
	Sender          uuid.UUID `json:"sender"`
	Receipt         uuid.UUID `json:"receipt"`
	Amount          float64   `json:"amount"`
	Attempts        int       `json:"attempts"`  // 提交时的尝试次数，冲突重试会使其大于 1
	TimeStamp       int64     `json:"timestamp"` //unix时间戳
}

func newTransaction(kind Kind, sender, receipt uuid.UUID, amount float64) *Transaction {
	return &Transaction{
		ConfirmingPhase: PhaseProcessing,
		Kind:            kind,
		UUID:            uuid.New(),
		Sender:          sender,
		Receipt:         receipt,
		Amount:          amount,
		TimeStamp:       time.Now().Unix(),
	}
}

func NewDeposit(account uuid.UUID, amount float64) *Transaction {
	return newTransaction(KindDeposit, uuid.Nil, account, amount)
}

func NewWithdraw(account uuid.UUID, amount float64) *Transaction {
	return newTransaction(KindWithdraw, account, uuid.Nil, amount)
}

func NewTransfer(sender, receipt uuid.UUID, amount float64) *Transaction {
	return newTransaction(KindTransfer, sender, receipt, amount)
}

// Confirm 标记为已提交
func (t *Transaction) Confirm(attempts int) *Transaction {
	t.ConfirmingPhase = PhaseConfirmed
	t.Attempts = attempts
	t.TimeStamp = time.Now().Unix()
	return t
}

// Fail 标记为失败
func (t *Transaction) Fail(attempts int) *Transaction {
	t.ConfirmingPhase = PhaseFailed
	t.Attempts = attempts
	return t
}

func (t *Transaction) IsConfirmed() bool {
	return t.ConfirmingPhase == PhaseConfirmed
}

// Accounts 返回该操作涉及的账户
func (t *Transaction) Accounts() []uuid.UUID {
	ids := make([]uuid.UUID, 0, 2)
	if t.Sender != uuid.Nil {
		ids = append(ids, t.Sender)
	}
	if t.Receipt != uuid.Nil {
		ids = append(ids, t.Receipt)
	}
	return ids
}
