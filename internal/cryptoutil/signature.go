package cryptoutil

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"errors"

	"github.com/keithlinneman/linnemanlabs-bundles/internal/xerrors"
)

// ErrSignatureMismatch marks a well-formed check that did not verify.
var ErrSignatureMismatch = errors.New("signature mismatch")

// ecdsaHashes pairs each supported curve with the digest KMS signs with.
var ecdsaHashes = map[elliptic.Curve]crypto.Hash{
	elliptic.P256(): crypto.SHA256,
	elliptic.P384(): crypto.SHA384,
}

// VerifySignature checks an ASN.1 ECDSA (P-256/SHA-256, P-384/SHA-384) or
// RSA-PSS/SHA-256 signature over message. allowPKCS1v15 additionally
// accepts RSA PKCS#1 v1.5.
func VerifySignature(pub crypto.PublicKey, message, signature []byte, allowPKCS1v15 bool) error {
	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		h, ok := ecdsaHashes[key.Curve]
		if !ok {
			return xerrors.Newf("unsupported ECDSA curve %s", key.Curve.Params().Name)
		}
		if !ecdsa.VerifyASN1(key, digest(h, message), signature) {
			return xerrors.Mark(xerrors.Newf("ecdsa %s/%s", key.Curve.Params().Name, h), ErrSignatureMismatch)
		}
		return nil

	case *rsa.PublicKey:
		d := digest(crypto.SHA256, message)
		err := rsa.VerifyPSS(key, crypto.SHA256, d, signature, nil)
		if err != nil && allowPKCS1v15 {
			err = rsa.VerifyPKCS1v15(key, crypto.SHA256, d, signature)
		}
		if err != nil {
			return xerrors.Mark(xerrors.Wrap(err, "rsa"), ErrSignatureMismatch)
		}
		return nil

	default:
		return xerrors.Newf("unsupported public key type %T", pub)
	}
}

func digest(h crypto.Hash, message []byte) []byte {
	hh := h.New()
	hh.Write(message)
	return hh.Sum(nil)
}
