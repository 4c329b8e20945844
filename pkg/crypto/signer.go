package crypto

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"

	"github.com/vaultline/auditcore/pkg/event"
)

// Signing algorithm names accepted in configuration.
const (
	AlgRSASHA256 = "RSA-SHA256"
	AlgEd25519   = "ed25519"
)

// Signer signs canonical bytes and verifies signatures against the
// public key. Sign returns a standard-base64 signature. Verify never
// fails fatally: malformed input and bad signatures both report false,
// leaving classification to the verifier.
type Signer interface {
	Sign(data []byte) (string, error)
	Verify(data []byte, signatureB64 string) bool
	Algorithm() string
}

// rsaSigner implements RSASSA-PKCS1-v1_5 over SHA-256.
type rsaSigner struct {
	priv *rsa.PrivateKey
	pub  *rsa.PublicKey
}

func (s *rsaSigner) Sign(data []byte) (string, error) {
	if s.priv == nil {
		return "", event.E(event.CodeInvalidConfiguration, "signing requires a private key")
	}
	sum := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.priv, crypto.SHA256, sum[:])
	if err != nil {
		return "", event.Wrap(event.CodeStorage, "rsa signing failed", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func (s *rsaSigner) Verify(data []byte, signatureB64 string) bool {
	if s.pub == nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false
	}
	sum := sha256.Sum256(data)
	return rsa.VerifyPKCS1v15(s.pub, crypto.SHA256, sum[:], sig) == nil
}

func (s *rsaSigner) Algorithm() string { return AlgRSASHA256 }

// edSigner implements Ed25519 over the raw canonical bytes.
type edSigner struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

func (s *edSigner) Sign(data []byte) (string, error) {
	if s.priv == nil {
		return "", event.E(event.CodeInvalidConfiguration, "signing requires a private key")
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.priv, data)), nil
}

func (s *edSigner) Verify(data []byte, signatureB64 string) bool {
	if len(s.pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false
	}
	return ed25519.Verify(s.pub, data, sig)
}

func (s *edSigner) Algorithm() string { return AlgEd25519 }
