// 包 users 包含了账户的结构体和方法
package users

import (
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// MaxUserNameLength 是用户名的最大长度（按字符计）
const MaxUserNameLength = 64

var ErrInvalidUserName = errors.New("invalid username")

// 账本中的账户，只包含标识符和唯一的用户名
// 余额密文由存储层保存，不放在 User 里
type User struct {
	UserIdentifier uuid.UUID `json:"uuid"`
	UserName       string    `json:"userName"`
}

// 生成一个新的空值用户
func NewUser() *User {
	user := new(User)
	user.UserIdentifier = uuid.New()
	return user
}

// 生成一个新的用户，包含用户名
// 用户名会去掉首尾空白；不合法时返回 ErrInvalidUserName
func NewUserWithUserName(userName string) (*User, error) {
	name, err := NormalizeUserName(userName)
	if err != nil {
		return nil, err
	}
	user := NewUser()
	user.UserName = name
	return user, nil
}

// NormalizeUserName 去掉首尾空白并检查用户名
func NormalizeUserName(userName string) (string, error) {
	name := strings.TrimSpace(userName)
	switch {
	case name == "":
		return "", errors.Wrap(ErrInvalidUserName, "username is empty")
	case !utf8.ValidString(name):
		return "", errors.Wrap(ErrInvalidUserName, "username is not valid utf-8")
	case utf8.RuneCountInString(name) > MaxUserNameLength:
		return "", errors.Wrapf(ErrInvalidUserName, "username longer than %d characters", MaxUserNameLength)
	}
	return name, nil
}

func (user *User) String() string {
	return user.UserName + "(" + user.UserIdentifier.String() + ")"
}
