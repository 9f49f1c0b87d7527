package ap

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// DecodePEM decodes the first PEM block in data. Exported so the
// HTTP-Signature verifier shares this path instead of hand-rolling its
// own parse.
func DecodePEM(data []byte) (*pem.Block, []byte) {
	return pem.Decode(data)
}

// ParsePublicKey parses a DER-encoded PKIX public key and requires it to be
// RSA, matching sec:publicKeyPem's only supported key type in this module.
func ParsePublicKey(b []byte) (*rsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(b)
	if err != nil {
		return nil, fmt.Errorf("parse PKIX public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return rsaPub, nil
}

// ParsePublicKeyPEM combines DecodePEM and ParsePublicKey for the common
// case of a PEM-wrapped sec:publicKeyPem string.
func ParsePublicKeyPEM(data string) (*rsa.PublicKey, error) {
	block, _ := DecodePEM([]byte(data))
	if block == nil {
		return nil, fmt.Errorf("invalid PEM block")
	}
	return ParsePublicKey(block.Bytes)
}
