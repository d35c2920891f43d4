package key

import (
	"github.com/pkg/errors"
	"github.com/tuneinsight/lattigo/v4/ckks"
	"github.com/tuneinsight/lattigo/v4/rlwe"
)

type CKKSPayload interface {
	MarshalBinary() ([]byte, error)
	UnmarshalBinary([]byte) error
}

func MarshalCKKSPayload(p CKKSPayload) ([]byte, error) {
	data, err := p.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "marshal ckks payload")
	}
	return data, nil
}

func UnmarshalCKKSPublicKey(params ckks.Parameters, data []byte) (pk *rlwe.PublicKey, err error) {
	pk = rlwe.NewPublicKey(params.Parameters)
	if err = pk.UnmarshalBinary(data); err != nil {
		return nil, errors.Wrap(err, "unmarshal ckks public key")
	}
	return pk, nil
}

func UnmarshalCKKSSecretKey(params ckks.Parameters, data []byte) (sk *rlwe.SecretKey, err error) {
	sk = rlwe.NewSecretKey(params.Parameters)
	if err = sk.UnmarshalBinary(data); err != nil {
		return nil, errors.Wrap(err, "unmarshal ckks secret key")
	}
	return sk, nil
}
