// Package fhetest builds encryption contexts for tests. Key generation is the
// slow part, so Context hands out one shared context per test binary.
package fhetest

import (
	"sync"
	"testing"

	"github.com/CamberLoid/chimata-ledger/internal/config"
	"github.com/CamberLoid/chimata-ledger/internal/fhe"
	"github.com/CamberLoid/chimata-ledger/internal/key"
)

// CKKSConfig mirrors the default configuration: N = 2^13, [60, 40, 40] + [60], scale 2^40.
func CKKSConfig() config.CKKSConfig {
	return config.CKKSConfig{
		LogN:         13,
		LogQ:         []int{60, 40, 40},
		LogP:         []int{60},
		LogScale:     40,
		LogSlots:     12,
		MaxMagnitude: fhe.DefaultMaxMagnitude,
	}
}

var (
	once    sync.Once
	shared  *fhe.Context
	initErr error
)

// Context returns the shared context, generating keys on first use.
func Context(tb testing.TB) *fhe.Context {
	tb.Helper()
	once.Do(func() {
		shared, initErr = newContext()
	})
	if initErr != nil {
		tb.Fatalf("fhetest: %v", initErr)
	}
	return shared
}

// NewContext returns a fresh context with its own key pair.
func NewContext(tb testing.TB) *fhe.Context {
	tb.Helper()
	ctx, err := newContext()
	if err != nil {
		tb.Fatalf("fhetest: %v", err)
	}
	return ctx
}

func newContext() (*fhe.Context, error) {
	params, err := fhe.NewParameters(CKKSConfig())
	if err != nil {
		return nil, err
	}
	return fhe.New(params, key.GenerateCKKSKeyChain(params))
}
