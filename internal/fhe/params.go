package fhe

import (
	"math"
	"sort"

	"github.com/CamberLoid/chimata-ledger/internal/config"
	"github.com/pkg/errors"
	"github.com/tuneinsight/lattigo/v4/ckks"
)

// 预设的 CKKS 安全参数
var presets = map[string]ckks.ParametersLiteral{
	"PN12QP109": ckks.PN12QP109,
	"PN13QP218": ckks.PN13QP218,
	"PN14QP438": ckks.PN14QP438,
	"PN15QP880": ckks.PN15QP880,
}

// Presets 返回支持的预设名称
func Presets() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewParameters 根据配置构造 CKKS 参数
// 自定义参数以 PN13QP218 为模板，只替换环维度、模数链、scale 和槽数，
// 误差与密钥分布沿用模板
func NewParameters(cfg config.CKKSConfig) (ckks.Parameters, error) {
	if cfg.Preset != "" {
		lit, ok := presets[cfg.Preset]
		if !ok {
			return ckks.Parameters{}, errors.Errorf("unknown ckks preset %q, accept %v", cfg.Preset, Presets())
		}
		params, err := ckks.NewParametersFromLiteral(lit)
		return params, errors.Wrap(err, "ckks preset "+cfg.Preset)
	}

	if cfg.LogN <= 0 || len(cfg.LogQ) == 0 || cfg.LogScale <= 0 {
		return ckks.Parameters{}, errors.New("ckks: log_n, log_q and log_scale are required without a preset")
	}

	lit := ckks.PN13QP218
	lit.LogN = cfg.LogN
	lit.Q = nil
	lit.P = nil
	lit.LogQ = append([]int(nil), cfg.LogQ...)
	lit.LogP = append([]int(nil), cfg.LogP...)
	lit.DefaultScale = math.Exp2(float64(cfg.LogScale))
	lit.LogSlots = cfg.LogSlots
	if lit.LogSlots <= 0 || lit.LogSlots >= cfg.LogN {
		lit.LogSlots = cfg.LogN - 1
	}

	params, err := ckks.NewParametersFromLiteral(lit)
	if err != nil {
		return ckks.Parameters{}, errors.Wrap(err, "ckks custom parameters")
	}
	return params, nil
}
