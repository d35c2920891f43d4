package key

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tuneinsight/lattigo/v4/ckks"
)

var ErrParamsMismatch = errors.New("key: key file was generated under different CKKS parameters")

// --- 密钥文件的 JSON 格式 --- //
// {'identifier', 'params', 'publicKey', 'secretKey', 'sealed', 'salt', 'nonce'}
// []byte 字段由 encoding/json 编码为 base64
type CKKSKeyFileJSON struct {
	Identifier uuid.UUID `json:"identifier"`
	Params     []byte    `json:"params"`
	PublicKey  []byte    `json:"publicKey"`
	SecretKey  []byte    `json:"secretKey,omitempty"`
	Sealed     bool      `json:"sealed"`
	Salt       []byte    `json:"salt,omitempty"`
	Nonce      []byte    `json:"nonce,omitempty"`
}

// EncodeCKKSKeyChainToJSON 将密钥链编码为 JSON
// passphrase 非空时，私钥被加密保存
func EncodeCKKSKeyChainToJSON(kc *CKKSKeyChain, passphrase []byte) ([]byte, error) {
	paramsBytes, err := kc.Params.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "marshal params")
	}
	pkBytes, err := MarshalCKKSPayload(kc.CKKSPublicKey)
	if err != nil {
		return nil, err
	}

	file := CKKSKeyFileJSON{
		Identifier: kc.Identifier,
		Params:     paramsBytes,
		PublicKey:  pkBytes,
	}

	if kc.CKKSPrivateKey != nil {
		skBytes, err := MarshalCKKSPayload(kc.CKKSPrivateKey)
		if err != nil {
			return nil, err
		}
		if len(passphrase) > 0 {
			file.Salt, file.Nonce, file.SecretKey, err = seal(skBytes, passphrase, kc.Identifier[:])
			if err != nil {
				return nil, err
			}
			file.Sealed = true
		} else {
			file.SecretKey = skBytes
		}
	}

	return json.Marshal(file)
}

// DecodeJSONToCKKSKeyChain 解析密钥文件，并检查参数是否与当前配置一致
func DecodeJSONToCKKSKeyChain(data []byte, params ckks.Parameters, passphrase []byte) (*CKKSKeyChain, error) {
	file := new(CKKSKeyFileJSON)
	if err := json.Unmarshal(data, file); err != nil {
		return nil, errors.Wrap(err, "parse key file")
	}

	expected, err := params.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "marshal params")
	}
	if !bytes.Equal(expected, file.Params) {
		return nil, ErrParamsMismatch
	}

	pk, err := UnmarshalCKKSPublicKey(params, file.PublicKey)
	if err != nil {
		return nil, err
	}

	kc := &CKKSKeyChain{
		Identifier:    file.Identifier,
		Params:        params,
		CKKSPublicKey: pk,
	}

	if len(file.SecretKey) == 0 {
		return kc, nil
	}

	skBytes := file.SecretKey
	if file.Sealed {
		if len(passphrase) == 0 {
			return nil, errors.New("key: key file is sealed, passphrase required")
		}
		if skBytes, err = open(file.SecretKey, passphrase, file.Salt, file.Nonce, file.Identifier[:]); err != nil {
			return nil, err
		}
	}

	if kc.CKKSPrivateKey, err = UnmarshalCKKSSecretKey(params, skBytes); err != nil {
		return nil, err
	}
	return kc, nil
}

// Save 将密钥链写入文件，权限 0600
func (kc *CKKSKeyChain) Save(path string, passphrase []byte) error {
	data, err := EncodeCKKSKeyChainToJSON(kc, passphrase)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return errors.Wrap(err, "create key directory")
	}
	return errors.Wrap(os.WriteFile(path, data, 0600), "write key file")
}

// LoadCKKSKeyChain 从文件读取密钥链
func LoadCKKSKeyChain(path string, params ckks.Parameters, passphrase []byte) (*CKKSKeyChain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read key file")
	}
	return DecodeJSONToCKKSKeyChain(data, params, passphrase)
}
