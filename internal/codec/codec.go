// 包 codec 负责余额与存储字节之间的转换
//
// 存储层只看到不透明的字节；空字节视为尚未初始化的余额，按 0 处理
package codec

import (
	"fmt"

	"github.com/CamberLoid/chimata-ledger/internal/apperr"
	"github.com/CamberLoid/chimata-ledger/internal/fhe"
	"github.com/CamberLoid/chimata-ledger/internal/misc"
)

// EncryptedBalance 是序列化后的余额密文，只整体替换，不原地修改
type EncryptedBalance []byte

// Absent 表示该余额从未写入
func (b EncryptedBalance) Absent() bool {
	return len(b) == 0
}

// EncodeBalance 加密金额并序列化
func EncodeBalance(amount float64, enc fhe.Encrypter) (EncryptedBalance, error) {
	if !misc.IsFiniteAmount(amount) {
		return nil, apperr.Encoding(fmt.Sprintf("amount %v is not finite", amount), nil)
	}
	ct, err := enc.Encrypt(amount)
	if err != nil {
		return nil, err
	}
	return Store(ct, enc)
}

// Store 序列化一个已经算好的余额密文
func Store(ct *fhe.Ciphertext, enc fhe.Encrypter) (EncryptedBalance, error) {
	data, err := enc.Marshal(ct)
	if err != nil {
		return nil, err
	}
	return EncryptedBalance(data), nil
}

// Load 反序列化余额密文；空余额返回 Encrypt(0)
func Load(blob EncryptedBalance, enc fhe.Encrypter) (*fhe.Ciphertext, error) {
	if blob.Absent() {
		return enc.Encrypt(0)
	}
	return enc.Unmarshal(blob)
}

// DecodeBalance 解密余额，不做舍入；空余额为 0
func DecodeBalance(blob EncryptedBalance, dec fhe.Decrypter) (float64, error) {
	if blob.Absent() {
		return 0, nil
	}
	ct, err := dec.Unmarshal(blob)
	if err != nil {
		return 0, err
	}
	return dec.Decrypt(ct)
}
