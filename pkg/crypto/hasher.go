// Package crypto computes digests and signatures over canonical event
// bytes. Keys are loaded once at startup and are read-only afterwards;
// they are never logged.
package crypto

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"hash"

	"golang.org/x/crypto/sha3"

	"github.com/vaultline/auditcore/pkg/event"
)

// Hash algorithm names accepted in configuration.
const (
	HashSHA256  = "sha256"
	HashSHA512  = "sha512"
	HashSHA3256 = "sha3-256"
)

// Hasher produces lowercase-hex digests of canonical bytes.
type Hasher interface {
	Digest(data []byte) string
	Algorithm() string
}

type fnHasher struct {
	name string
	fn   func() hash.Hash
}

func (h fnHasher) Digest(data []byte) string {
	sum := h.fn()
	sum.Write(data)
	return hex.EncodeToString(sum.Sum(nil))
}

func (h fnHasher) Algorithm() string { return h.name }

// NewHasher returns the hasher for the named algorithm. The empty
// string selects sha256.
func NewHasher(algorithm string) (Hasher, error) {
	switch algorithm {
	case "", HashSHA256:
		return fnHasher{HashSHA256, sha256.New}, nil
	case HashSHA512:
		return fnHasher{HashSHA512, sha512.New}, nil
	case HashSHA3256:
		return fnHasher{HashSHA3256, sha3.New256}, nil
	default:
		return nil, event.Ef(event.CodeInvalidConfiguration, "unknown hash algorithm %q", algorithm)
	}
}

// EqualHex compares two hex digests in constant time.
func EqualHex(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
