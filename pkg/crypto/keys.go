package crypto

import (
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"strings"

	"github.com/vaultline/auditcore/pkg/event"
)

// NewSigner builds a signer for the named algorithm from PEM-encoded
// key material. The private key may be empty for verify-only use; the
// public key is derived from the private key when omitted. The empty
// algorithm selects RSA-SHA256.
func NewSigner(algorithm, privateKeyPEM, publicKeyPEM string) (Signer, error) {
	switch normalizeAlgorithm(algorithm) {
	case AlgRSASHA256:
		return newRSASigner(privateKeyPEM, publicKeyPEM)
	case AlgEd25519:
		return newEdSigner(privateKeyPEM, publicKeyPEM)
	default:
		return nil, event.Ef(event.CodeInvalidConfiguration, "unknown signing algorithm %q", algorithm)
	}
}

func normalizeAlgorithm(algorithm string) string {
	switch strings.ToLower(algorithm) {
	case "", "rsa-sha256", "rsa":
		return AlgRSASHA256
	case "ed25519":
		return AlgEd25519
	default:
		return algorithm
	}
}

func newRSASigner(privPEM, pubPEM string) (Signer, error) {
	s := &rsaSigner{}
	if privPEM != "" {
		priv, err := parseRSAPrivateKey([]byte(privPEM))
		if err != nil {
			return nil, err
		}
		s.priv = priv
		s.pub = &priv.PublicKey
	}
	if pubPEM != "" {
		pub, err := parseRSAPublicKey([]byte(pubPEM))
		if err != nil {
			return nil, err
		}
		s.pub = pub
	}
	if s.priv == nil && s.pub == nil {
		return nil, event.E(event.CodeInvalidConfiguration, "rsa signer requires key material")
	}
	return s, nil
}

func newEdSigner(privPEM, pubPEM string) (Signer, error) {
	s := &edSigner{}
	if privPEM != "" {
		block, err := pemBlock([]byte(privPEM))
		if err != nil {
			return nil, err
		}
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, event.Wrap(event.CodeInvalidConfiguration, "ed25519 private key unreadable", err)
		}
		priv, ok := key.(ed25519.PrivateKey)
		if !ok {
			return nil, event.E(event.CodeInvalidConfiguration, "private key is not ed25519")
		}
		s.priv = priv
		s.pub = priv.Public().(ed25519.PublicKey)
	}
	if pubPEM != "" {
		block, err := pemBlock([]byte(pubPEM))
		if err != nil {
			return nil, err
		}
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, event.Wrap(event.CodeInvalidConfiguration, "ed25519 public key unreadable", err)
		}
		pub, ok := key.(ed25519.PublicKey)
		if !ok {
			return nil, event.E(event.CodeInvalidConfiguration, "public key is not ed25519")
		}
		s.pub = pub
	}
	if s.priv == nil && s.pub == nil {
		return nil, event.E(event.CodeInvalidConfiguration, "ed25519 signer requires key material")
	}
	return s, nil
}

// parseRSAPrivateKey accepts PKCS#1 and PKCS#8 encodings.
func parseRSAPrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, err := pemBlock(data)
	if err != nil {
		return nil, err
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, event.Wrap(event.CodeInvalidConfiguration, "rsa private key unreadable", err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, event.E(event.CodeInvalidConfiguration, "private key is not rsa")
	}
	return priv, nil
}

// parseRSAPublicKey accepts PKIX and PKCS#1 encodings.
func parseRSAPublicKey(data []byte) (*rsa.PublicKey, error) {
	block, err := pemBlock(data)
	if err != nil {
		return nil, err
	}
	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		pub, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, event.E(event.CodeInvalidConfiguration, "public key is not rsa")
		}
		return pub, nil
	}
	pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, event.Wrap(event.CodeInvalidConfiguration, "rsa public key unreadable", err)
	}
	return pub, nil
}

func pemBlock(data []byte) (*pem.Block, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, event.E(event.CodeInvalidConfiguration, "key material is not PEM encoded")
	}
	return block, nil
}
