package key

import (
	"crypto/rand"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Argon2id 参数
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	saltSize     = 16
)

var ErrWrongPassphrase = errors.New("key: wrong passphrase or corrupted key file")

func deriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
}

// seal 使用 XChaCha20-Poly1305 加密私钥，ad 绑定密钥链标识
func seal(plaintext, passphrase, ad []byte) (salt, nonce, ciphertext []byte, err error) {
	salt = make([]byte, saltSize)
	if _, err = rand.Read(salt); err != nil {
		return nil, nil, nil, errors.Wrap(err, "read salt")
	}
	aead, err := chacha20poly1305.NewX(deriveKey(passphrase, salt))
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "init aead")
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, nil, nil, errors.Wrap(err, "read nonce")
	}
	return salt, nonce, aead.Seal(nil, nonce, plaintext, ad), nil
}

func open(ciphertext, passphrase, salt, nonce, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(deriveKey(passphrase, salt))
	if err != nil {
		return nil, errors.Wrap(err, "init aead")
	}
	if len(nonce) != aead.NonceSize() {
		return nil, ErrWrongPassphrase
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return plaintext, nil
}
