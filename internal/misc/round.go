package misc

import (
	"math"
	"strconv"
)

// CKKSMsgRound 将解密出的近似值四舍五入到分（两位小数）
// 只用于展示和授权比较，存储的密文不做舍入
func CKKSMsgRound(v float64) float64 {
	value, _ := strconv.ParseFloat(strconv.FormatFloat(v, 'f', 2, 64), 64)
	// -0.00 来自噪声，统一为 0
	if value == 0 {
		return 0
	}
	return value
}

// IsFiniteAmount 判断金额是否为有限实数
func IsFiniteAmount(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
