// 包 key 包含账本使用的 CKKS 密钥对的生成、导入与导出
//
// 账本采用单方信任模型：同一份密钥链既能加密也能解密。
// 需要只加密能力的组件应当只拿到 fhe.PublicContext。
package key

import (
	"github.com/google/uuid"
	"github.com/tuneinsight/lattigo/v4/ckks"
	"github.com/tuneinsight/lattigo/v4/rlwe"
)

// CKKSKeyChain 是一对 CKKS 密钥，以及生成它们时使用的参数
type CKKSKeyChain struct {
	Identifier     uuid.UUID
	Params         ckks.Parameters
	CKKSPrivateKey *rlwe.SecretKey
	CKKSPublicKey  *rlwe.PublicKey
}

// GenerateCKKSKeyChain 在给定参数下生成新的密钥对
func GenerateCKKSKeyChain(params ckks.Parameters) *CKKSKeyChain {
	sk, pk := ckks.NewKeyGenerator(params).GenKeyPair()
	return &CKKSKeyChain{
		Identifier:     uuid.New(),
		Params:         params,
		CKKSPrivateKey: sk,
		CKKSPublicKey:  pk,
	}
}

// PublicOnly 返回去掉私钥的副本
func (kc *CKKSKeyChain) PublicOnly() *CKKSKeyChain {
	return &CKKSKeyChain{
		Identifier:    kc.Identifier,
		Params:        kc.Params,
		CKKSPublicKey: kc.CKKSPublicKey,
	}
}

// HasSecretKey 判断能否用于解密
func (kc *CKKSKeyChain) HasSecretKey() bool {
	return kc.CKKSPrivateKey != nil
}
