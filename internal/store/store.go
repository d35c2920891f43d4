// 包 store 定义账本的持久化接口
//
// 存储层把余额当作不透明的字节逐字保存，不理解密文。每条记录带一个
// 版本号，写入时比对版本（compare-and-swap），用于发现并发的读改写。
package store

//go:generate mockgen -source=store.go -destination=mocks/mock_store.go -package=mocks

import (
	"context"
	"time"

	"github.com/CamberLoid/chimata-ledger/internal/apperr"
	"github.com/CamberLoid/chimata-ledger/internal/users"
	"github.com/google/uuid"
)

// Record 是一个账户的存储记录
// Version 在 Create 时为 1，每次成功写入加 1
type Record struct {
	User      users.User `json:"user"`
	Balance   []byte     `json:"balance"`
	Version   uint64     `json:"version"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Clone 返回深拷贝，调用方可以随意修改
func (r *Record) Clone() *Record {
	c := *r
	c.Balance = append([]byte(nil), r.Balance...)
	return &c
}

// Write 是一次余额替换
// Version 是计算新余额时读到的版本，存储中的版本不一致时写入被拒绝
type Write struct {
	ID      uuid.UUID
	Balance []byte
	Version uint64
}

type Store interface {
	// Create 新增账户，用户名已存在时返回 AccountExists
	// 成功后 rec 的 Version、CreatedAt、UpdatedAt 被填充
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id uuid.UUID) (*Record, error)
	GetByUsername(ctx context.Context, name string) (*Record, error)
	// List 按用户名排序返回所有账户
	List(ctx context.Context) ([]*Record, error)
	// Put 返回 nil、StoreConflict 或 AccountNotFound
	Put(ctx context.Context, w Write) error
	// PutTransaction 原子地提交多条写入：要么全部生效，要么都不生效
	PutTransaction(ctx context.Context, ws []Write) error
	Close() error
}

// CheckWrites 检查一批写入是否合法：账户不能重复
func CheckWrites(ws []Write) error {
	seen := make(map[uuid.UUID]struct{}, len(ws))
	for _, w := range ws {
		if w.ID == uuid.Nil {
			return apperr.InvalidArgument("write without account id")
		}
		if _, ok := seen[w.ID]; ok {
			return apperr.InvalidArgument("duplicate write for account " + w.ID.String())
		}
		seen[w.ID] = struct{}{}
	}
	return nil
}
