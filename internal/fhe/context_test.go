package fhe_test

import (
	"math"
	"sync"
	"testing"

	"github.com/CamberLoid/chimata-ledger/internal/apperr"
	"github.com/CamberLoid/chimata-ledger/internal/config"
	"github.com/CamberLoid/chimata-ledger/internal/fhe"
	"github.com/CamberLoid/chimata-ledger/internal/fhe/fhetest"
	"github.com/CamberLoid/chimata-ledger/internal/key"
	"github.com/CamberLoid/chimata-ledger/internal/misc"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tolerance = 1e-4

func encryptDecrypt(t *testing.T, c *fhe.Context, v float64) float64 {
	t.Helper()
	ct, err := c.Encrypt(v)
	require.NoError(t, err)
	got, err := c.Decrypt(ct)
	require.NoError(t, err)
	return got
}

func TestEncryptAndDecrypt(t *testing.T) {
	c := fhetest.Context(t)
	for _, v := range []float64{0, 0.01, 1, 100, 40.5, -60.25, 123456.78, 1e9, misc.GenRandFloat()} {
		got := encryptDecrypt(t, c, v)
		assert.InDelta(t, v, got, tolerance, "value %v", v)
	}
}

func TestAddAndSub(t *testing.T) {
	c := fhetest.Context(t)

	a, err := c.Encrypt(100)
	require.NoError(t, err)
	b, err := c.Encrypt(40)
	require.NoError(t, err)

	sum, err := c.Add(a, b)
	require.NoError(t, err)
	diff, err := c.Sub(a, b)
	require.NoError(t, err)

	gotSum, err := c.Decrypt(sum)
	require.NoError(t, err)
	gotDiff, err := c.Decrypt(diff)
	require.NoError(t, err)

	assert.InDelta(t, 140.0, gotSum, tolerance)
	assert.InDelta(t, 60.0, gotDiff, tolerance)
	assert.Equal(t, a.Level(), sum.Level(), "addition must not consume levels")
}

func TestRepeatedAdditionStaysAccurate(t *testing.T) {
	c := fhetest.Context(t)

	acc, err := c.Encrypt(0)
	require.NoError(t, err)
	ten, err := c.Encrypt(10)
	require.NoError(t, err)
	for i := 0; i < 200; i++ {
		acc, err = c.Add(acc, ten)
		require.NoError(t, err)
	}
	got, err := c.Decrypt(acc)
	require.NoError(t, err)
	assert.InDelta(t, 2000.0, got, tolerance)
}

func TestEncryptRejectsNonFinite(t *testing.T) {
	c := fhetest.Context(t)
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := c.Encrypt(v)
		assert.True(t, errors.Is(err, apperr.ErrEncoding), "value %v: %v", v, err)
	}
}

func TestEncryptRejectsOutOfRange(t *testing.T) {
	c := fhetest.Context(t)
	_, err := c.Encrypt(c.MaxMagnitude() * 2)
	assert.True(t, errors.Is(err, apperr.ErrEncoding))
}

func TestMarshalRoundTrip(t *testing.T) {
	c := fhetest.Context(t)
	ct, err := c.Encrypt(42.42)
	require.NoError(t, err)

	data, err := c.Marshal(ct)
	require.NoError(t, err)

	back, err := c.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, c.Fingerprint(), back.Fingerprint())

	got, err := c.Decrypt(back)
	require.NoError(t, err)
	assert.InDelta(t, 42.42, got, tolerance)

	again, err := c.Marshal(back)
	require.NoError(t, err)
	assert.Equal(t, data, again, "serialization must be byte-stable")
}

func TestUnmarshalMalformed(t *testing.T) {
	c := fhetest.Context(t)
	ct, err := c.Encrypt(1)
	require.NoError(t, err)
	good, err := c.Marshal(ct)
	require.NoError(t, err)

	badMagic := append([]byte("XXXX"), good[4:]...)
	truncated := good[:len(good)/2]

	for name, data := range map[string][]byte{
		"nil":       nil,
		"short":     []byte("CHL1"),
		"bad magic": badMagic,
		"truncated": truncated,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := c.Unmarshal(data)
			assert.True(t, errors.Is(err, apperr.ErrDeserialization), "got %v", err)
		})
	}
}

func TestIncompatibleContext(t *testing.T) {
	c1 := fhetest.Context(t)
	c2 := fhetest.NewContext(t)
	require.NotEqual(t, c1.Fingerprint(), c2.Fingerprint())

	a, err := c1.Encrypt(5)
	require.NoError(t, err)
	b, err := c2.Encrypt(5)
	require.NoError(t, err)

	_, err = c1.Add(a, b)
	assert.True(t, errors.Is(err, apperr.ErrIncompatibleContext))

	_, err = c2.Decrypt(a)
	assert.True(t, errors.Is(err, apperr.ErrIncompatibleContext))

	data, err := c1.Marshal(a)
	require.NoError(t, err)
	_, err = c2.Unmarshal(data)
	assert.True(t, errors.Is(err, apperr.ErrIncompatibleContext))
}

func TestPublicContextCannotDecrypt(t *testing.T) {
	c := fhetest.Context(t)
	var pub fhe.Encrypter = c.Public()

	_, ok := pub.(fhe.Decrypter)
	assert.False(t, ok)

	// 公钥加密的密文仍能被完整上下文解密
	ct, err := pub.Encrypt(7.5)
	require.NoError(t, err)
	got, err := c.Decrypt(ct)
	require.NoError(t, err)
	assert.InDelta(t, 7.5, got, tolerance)
}

func TestNewRejectsPublicOnlyKeyChain(t *testing.T) {
	params, err := fhe.NewParameters(fhetest.CKKSConfig())
	require.NoError(t, err)
	kc := key.GenerateCKKSKeyChain(params).PublicOnly()

	_, err = fhe.New(params, kc)
	assert.Error(t, err)

	pub, err := fhe.NewPublic(params, kc)
	require.NoError(t, err)
	assert.NotNil(t, pub)
}

func TestNewRejectsForeignParams(t *testing.T) {
	params, err := fhe.NewParameters(config.CKKSConfig{Preset: "PN12QP109"})
	require.NoError(t, err)
	other, err := fhe.NewParameters(fhetest.CKKSConfig())
	require.NoError(t, err)

	_, err = fhe.New(other, key.GenerateCKKSKeyChain(params))
	assert.True(t, errors.Is(err, key.ErrParamsMismatch))
}

func TestNewParameters(t *testing.T) {
	params, err := fhe.NewParameters(fhetest.CKKSConfig())
	require.NoError(t, err)
	assert.Equal(t, 13, params.LogN())
	assert.Equal(t, 2, params.MaxLevel())

	_, err = fhe.NewParameters(config.CKKSConfig{Preset: "PN99"})
	assert.Error(t, err)

	_, err = fhe.NewParameters(config.CKKSConfig{LogN: 13})
	assert.Error(t, err)

	assert.Contains(t, fhe.Presets(), "PN12QP109")
}

func TestConcurrentUse(t *testing.T) {
	c := fhetest.Context(t)
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(v float64) {
			defer wg.Done()
			ct, err := c.Encrypt(v)
			if err != nil {
				errs <- err
				return
			}
			got, err := c.Decrypt(ct)
			if err != nil {
				errs <- err
				return
			}
			if math.Abs(got-v) > tolerance {
				errs <- errors.Errorf("got %v, expected %v", got, v)
			}
		}(float64(i) * 11.11)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func BenchmarkAdd(b *testing.B) {
	c := fhetest.Context(b)
	x, _ := c.Encrypt(misc.GenRandFloat())
	y, _ := c.Encrypt(misc.GenRandFloat())
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.Add(x, y); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkEncrypt(b *testing.B) {
	c := fhetest.Context(b)
	for i := 0; i < b.N; i++ {
		if _, err := c.Encrypt(misc.GenRandFloat()); err != nil {
			b.Fatal(err)
		}
	}
}
