package misc

import (
	"crypto/rand"
	"math/big"
)

// GenRandFloat 生成 [0, 10000) 之间、精确到分的随机金额，测试用
func GenRandFloat() float64 {
	randInt, _ := rand.Int(rand.Reader, big.NewInt(1000000))
	return float64(randInt.Int64()) / 100.0
}
