package fhe

import (
	"bytes"
	"fmt"

	"github.com/CamberLoid/chimata-ledger/internal/apperr"
	"github.com/tuneinsight/lattigo/v4/ckks"
	"github.com/tuneinsight/lattigo/v4/rlwe"
)

// 序列化格式：
// magic (4 bytes) | fingerprint (16 bytes) | rlwe.Ciphertext.MarshalBinary()
var envelopeMagic = []byte("CHL1")

const envelopeHeaderSize = 4 + len(Fingerprint{})

// Ciphertext 是带上下文标识的 rlwe 密文，只承载一个有效槽
type Ciphertext struct {
	ct *rlwe.Ciphertext
	fp Fingerprint
}

func (c *Ciphertext) Fingerprint() Fingerprint {
	return c.fp
}

func (c *Ciphertext) Level() int {
	return c.ct.Level()
}

// Marshal 序列化密文，附带上下文标识
func (c *PublicContext) Marshal(ct *Ciphertext) ([]byte, error) {
	if err := c.check(ct); err != nil {
		return nil, err
	}
	body, err := ct.ct.MarshalBinary()
	if err != nil {
		return nil, apperr.Encoding("marshal ciphertext", err)
	}
	out := make([]byte, 0, envelopeHeaderSize+len(body))
	out = append(out, envelopeMagic...)
	out = append(out, ct.fp[:]...)
	return append(out, body...), nil
}

// Unmarshal 反序列化密文；标识不属于本上下文时返回 IncompatibleContext
func (c *PublicContext) Unmarshal(data []byte) (ct *Ciphertext, err error) {
	if len(data) <= envelopeHeaderSize || !bytes.Equal(data[:4], envelopeMagic) {
		return nil, apperr.Deserialization(fmt.Sprintf("bad envelope header (%d bytes)", len(data)), nil)
	}

	var fp Fingerprint
	copy(fp[:], data[4:envelopeHeaderSize])
	if fp != c.fp {
		return nil, apperr.IncompatibleContext(
			fmt.Sprintf("ciphertext context %s, expected %s", fp, c.fp))
	}

	defer func() {
		if p := recover(); p != nil {
			ct = nil
			err = apperr.Deserialization("unmarshal ciphertext", fmt.Errorf("got panic: %v", p))
		}
	}()

	params := c.params
	raw := ckks.NewCiphertext(params, 1, params.MaxLevel())
	if err = raw.UnmarshalBinary(data[envelopeHeaderSize:]); err != nil {
		return nil, apperr.Deserialization("unmarshal ciphertext", err)
	}
	if raw.Degree() != 1 || raw.Level() > params.MaxLevel() {
		return nil, apperr.Deserialization(
			fmt.Sprintf("unexpected ciphertext shape: degree %d, level %d", raw.Degree(), raw.Level()), nil)
	}
	return &Ciphertext{ct: raw, fp: fp}, nil
}
