// 包 apperr 定义账本引擎对外返回的结构化错误
package apperr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code 是错误类别，调用方（web 层）据此生成提示信息
type Code string

const (
	CodeAccountNotFound      Code = "LEDGER_ACCOUNT_NOT_FOUND"
	CodeRecipientNotFound    Code = "LEDGER_RECIPIENT_NOT_FOUND"
	CodeAccountExists        Code = "LEDGER_ACCOUNT_EXISTS"
	CodeInsufficientFunds    Code = "LEDGER_INSUFFICIENT_FUNDS"
	CodeInvalidAmount        Code = "LEDGER_INVALID_AMOUNT"
	CodeInvalidArgument      Code = "LEDGER_INVALID_ARGUMENT"
	CodeSelfTransfer         Code = "LEDGER_SELF_TRANSFER"
	CodeIncompatibleContext  Code = "FHE_INCOMPATIBLE_CONTEXT"
	CodeEncodingError        Code = "FHE_ENCODING"
	CodeDeserializationError Code = "FHE_DESERIALIZATION"
	CodeStoreConflict        Code = "STORE_CONFLICT"
	CodeStoreFailure         Code = "STORE_FAILURE"
	CodeTransientFailure     Code = "LEDGER_TRANSIENT"
	CodeTimeout              Code = "LEDGER_TIMEOUT"
)

// Error 是账本的结构化错误
// errors.Is 只比较 Code，下面的哨兵错误可以直接作为比较目标
type Error struct {
	Code    Code   `json:"error_code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap 附带底层错误
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// 哨兵错误，用于 errors.Is
var (
	ErrAccountNotFound     = New(CodeAccountNotFound, "account not found")
	ErrRecipientNotFound   = New(CodeRecipientNotFound, "recipient not found")
	ErrAccountExists       = New(CodeAccountExists, "username already exists")
	ErrInsufficientFunds   = New(CodeInsufficientFunds, "insufficient funds")
	ErrInvalidAmount       = New(CodeInvalidAmount, "invalid amount")
	ErrInvalidArgument     = New(CodeInvalidArgument, "invalid argument")
	ErrSelfTransfer        = New(CodeSelfTransfer, "sender and recipient are the same account")
	ErrIncompatibleContext = New(CodeIncompatibleContext, "ciphertext was produced under a different encryption context")
	ErrEncoding            = New(CodeEncodingError, "amount cannot be encoded")
	ErrDeserialization     = New(CodeDeserializationError, "malformed encrypted balance")
	ErrStoreConflict       = New(CodeStoreConflict, "concurrent update detected")
	ErrStoreFailure        = New(CodeStoreFailure, "ledger store failure")
	ErrTransientFailure    = New(CodeTransientFailure, "operation did not complete, retry later")
	ErrTimeout             = New(CodeTimeout, "operation timed out")
)

// --- 构造函数 ---

func AccountNotFound(id fmt.Stringer) *Error {
	return New(CodeAccountNotFound, "account not found: "+id.String())
}

func RecipientNotFound(who string) *Error {
	return New(CodeRecipientNotFound, "recipient not found: "+who)
}

func AccountExists(name string) *Error {
	return New(CodeAccountExists, "username already exists: "+name)
}

func InvalidAmount(amount float64) *Error {
	return New(CodeInvalidAmount, fmt.Sprintf("invalid amount %v", amount))
}

func InvalidArgument(msg string) *Error {
	return New(CodeInvalidArgument, msg)
}

func Encoding(msg string, err error) *Error {
	return Wrap(CodeEncodingError, msg, err)
}

func Deserialization(msg string, err error) *Error {
	return Wrap(CodeDeserializationError, msg, err)
}

func IncompatibleContext(msg string) *Error {
	return New(CodeIncompatibleContext, msg)
}

func StoreConflict(id fmt.Stringer) *Error {
	return New(CodeStoreConflict, "version mismatch on account "+id.String())
}

// StoreFailure 包装存储层的底层错误，保留调用位置
func StoreFailure(op string, err error) *Error {
	return Wrap(CodeStoreFailure, op, errors.WithStack(err))
}

func TransientFailure(attempts int, err error) *Error {
	return Wrap(CodeTransientFailure, fmt.Sprintf("gave up after %d attempts", attempts), err)
}

func Timeout(err error) *Error {
	return Wrap(CodeTimeout, "operation timed out", err)
}

// IsRetryable 判断调用方能否原样重试该操作
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientFailure) || errors.Is(err, ErrTimeout)
}

// CodeOf 返回错误链中第一个 *Error 的 Code，没有时返回空串
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
