// 包 fhe 是账本的加密上下文：持有 CKKS 参数与密钥，负责加密、解密、
// 密文加减法和密文序列化
//
// 上下文在进程内只初始化一次，之后只读，可被任意 goroutine 共享；
// 每次调用都会新建 lattigo 的 encoder/encryptor/evaluator，不共享内部缓冲。
package fhe

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/CamberLoid/chimata-ledger/internal/apperr"
	"github.com/CamberLoid/chimata-ledger/internal/key"
	"github.com/CamberLoid/chimata-ledger/internal/misc"
	"github.com/pkg/errors"
	"github.com/tuneinsight/lattigo/v4/ckks"
	"github.com/tuneinsight/lattigo/v4/rlwe"
	"github.com/zeebo/blake3"
)

// DefaultMaxMagnitude 是可加密金额绝对值的默认上限
const DefaultMaxMagnitude = 1e12

// Fingerprint 标识一个加密上下文（参数 + 公钥）
type Fingerprint [16]byte

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Encrypter 是只有加密能力的句柄，可以广泛共享
type Encrypter interface {
	Fingerprint() Fingerprint
	Parameters() ckks.Parameters
	Encrypt(v float64) (*Ciphertext, error)
	Add(a, b *Ciphertext) (*Ciphertext, error)
	Sub(a, b *Ciphertext) (*Ciphertext, error)
	Marshal(ct *Ciphertext) ([]byte, error)
	Unmarshal(data []byte) (*Ciphertext, error)
}

// Decrypter 额外持有私钥，只应交给授权检查和余额展示路径
type Decrypter interface {
	Encrypter
	Decrypt(ct *Ciphertext) (float64, error)
}

type Option func(*PublicContext)

// WithMaxMagnitude 设置可加密金额绝对值的上限
func WithMaxMagnitude(v float64) Option {
	return func(c *PublicContext) {
		if v > 0 {
			c.maxMagnitude = v
		}
	}
}

// PublicContext 只持有公钥
type PublicContext struct {
	params       ckks.Parameters
	pk           *rlwe.PublicKey
	fp           Fingerprint
	maxMagnitude float64
}

// Context 持有公钥与私钥
type Context struct {
	*PublicContext
	sk *rlwe.SecretKey
}

var (
	_ Encrypter = (*PublicContext)(nil)
	_ Decrypter = (*Context)(nil)
)

// NewPublic 创建只能加密的上下文
func NewPublic(params ckks.Parameters, kc *key.CKKSKeyChain, opts ...Option) (*PublicContext, error) {
	if kc == nil || kc.CKKSPublicKey == nil {
		return nil, errors.New("fhe: key chain has no public key")
	}

	paramsBytes, err := params.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "fhe: marshal params")
	}
	kcParamsBytes, err := kc.Params.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "fhe: marshal key chain params")
	}
	if !bytes.Equal(paramsBytes, kcParamsBytes) {
		return nil, key.ErrParamsMismatch
	}

	pkBytes, err := key.MarshalCKKSPayload(kc.CKKSPublicKey)
	if err != nil {
		return nil, err
	}

	c := &PublicContext{
		params:       params,
		pk:           kc.CKKSPublicKey,
		fp:           fingerprint(paramsBytes, pkBytes),
		maxMagnitude: DefaultMaxMagnitude,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// New 创建同时能加密和解密的上下文
func New(params ckks.Parameters, kc *key.CKKSKeyChain, opts ...Option) (*Context, error) {
	pub, err := NewPublic(params, kc, opts...)
	if err != nil {
		return nil, err
	}
	if !kc.HasSecretKey() {
		return nil, errors.New("fhe: key chain has no secret key")
	}
	return &Context{PublicContext: pub, sk: kc.CKKSPrivateKey}, nil
}

func fingerprint(paramsBytes, pkBytes []byte) (fp Fingerprint) {
	h := blake3.New()
	h.Write(paramsBytes)
	h.Write(pkBytes)
	copy(fp[:], h.Sum(nil))
	return
}

// Public 返回只能加密的句柄
func (c *Context) Public() *PublicContext {
	return c.PublicContext
}

func (c *PublicContext) Fingerprint() Fingerprint {
	return c.fp
}

func (c *PublicContext) Parameters() ckks.Parameters {
	return c.params
}

func (c *PublicContext) MaxMagnitude() float64 {
	return c.maxMagnitude
}

// Encrypt 将金额编码到第一个槽并用公钥加密
func (c *PublicContext) Encrypt(v float64) (ct *Ciphertext, err error) {
	if !misc.IsFiniteAmount(v) {
		return nil, apperr.Encoding(fmt.Sprintf("amount %v is not finite", v), nil)
	}
	if math.Abs(v) > c.maxMagnitude {
		return nil, apperr.Encoding(fmt.Sprintf("amount %v exceeds the supported range ±%v", v, c.maxMagnitude), nil)
	}

	// 处理 lattigo 可能出现的 panic
	defer func() {
		if p := recover(); p != nil {
			ct = nil
			err = apperr.Encoding("encrypt failed", fmt.Errorf("got panic: %v", p))
		}
	}()

	params := c.params
	pt := ckks.NewEncoder(params).EncodeNew(
		[]float64{v}, params.MaxLevel(), params.DefaultScale(), params.LogSlots(),
	)
	return &Ciphertext{
		ct: ckks.NewEncryptor(params, c.pk).EncryptNew(pt),
		fp: c.fp,
	}, nil
}

func (c *PublicContext) check(cts ...*Ciphertext) error {
	for _, ct := range cts {
		if ct == nil || ct.ct == nil {
			return apperr.IncompatibleContext("nil ciphertext")
		}
		if ct.fp != c.fp {
			return apperr.IncompatibleContext(
				fmt.Sprintf("ciphertext context %s, expected %s", ct.fp, c.fp))
		}
	}
	return nil
}

// Add 计算 a + b
func (c *PublicContext) Add(a, b *Ciphertext) (*Ciphertext, error) {
	return c.arith("add", a, b)
}

// Sub 计算 a - b
func (c *PublicContext) Sub(a, b *Ciphertext) (*Ciphertext, error) {
	return c.arith("sub", a, b)
}

func (c *PublicContext) arith(op string, a, b *Ciphertext) (out *Ciphertext, err error) {
	if err = c.check(a, b); err != nil {
		return nil, err
	}

	defer func() {
		if p := recover(); p != nil {
			out = nil
			err = apperr.Wrap(apperr.CodeIncompatibleContext,
				"calculating ciphertext failed", fmt.Errorf("%s: %v", op, p))
		}
	}()

	evaluator := ckks.NewEvaluator(c.params, rlwe.EvaluationKey{})
	var res *rlwe.Ciphertext
	switch op {
	case "add":
		res = evaluator.AddNew(a.ct, b.ct)
	default:
		res = evaluator.SubNew(a.ct, b.ct)
	}
	return &Ciphertext{ct: res, fp: c.fp}, nil
}

// Decrypt 解密并返回第一个槽的实部，不做舍入
func (c *Context) Decrypt(ct *Ciphertext) (v float64, err error) {
	if err = c.check(ct); err != nil {
		return 0, err
	}

	defer func() {
		if p := recover(); p != nil {
			v = 0
			err = apperr.Deserialization("decrypt failed", fmt.Errorf("got panic: %v", p))
		}
	}()

	params := c.params
	pt := ckks.NewDecryptor(params, c.sk).DecryptNew(ct.ct)
	values := ckks.NewEncoder(params).Decode(pt, params.LogSlots())
	if len(values) == 0 {
		return 0, apperr.Deserialization("decrypt produced no slots", nil)
	}
	return real(values[0]), nil
}
