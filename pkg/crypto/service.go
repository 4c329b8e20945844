package crypto

// Options selects the algorithms and key material for a Service.
type Options struct {
	// Algorithm is the signing algorithm, default RSA-SHA256.
	Algorithm string
	// HashAlgorithm is the digest algorithm, default sha256.
	HashAlgorithm string
	// PrivateKeyPEM signs new events. Optional for verify-only use.
	PrivateKeyPEM string
	// PublicKeyPEM verifies signatures. Derived from the private key
	// when omitted.
	PublicKeyPEM string
}

// Service bundles the digest and signature primitives the chain engine
// and the verifier share. Safe for concurrent use.
type Service struct {
	hasher Hasher
	signer Signer
}

// New builds a Service from options, failing with invalid_configuration
// on unknown algorithms or unreadable keys.
func New(opts Options) (*Service, error) {
	hasher, err := NewHasher(opts.HashAlgorithm)
	if err != nil {
		return nil, err
	}
	signer, err := NewSigner(opts.Algorithm, opts.PrivateKeyPEM, opts.PublicKeyPEM)
	if err != nil {
		return nil, err
	}
	return &Service{hasher: hasher, signer: signer}, nil
}

// Digest returns the lowercase-hex digest of data.
func (s *Service) Digest(data []byte) string { return s.hasher.Digest(data) }

// Sign returns the base64 signature over data.
func (s *Service) Sign(data []byte) (string, error) { return s.signer.Sign(data) }

// Verify reports whether signatureB64 validates data under the public
// key. It never returns an error; malformed signatures report false.
func (s *Service) Verify(data []byte, signatureB64 string) bool {
	return s.signer.Verify(data, signatureB64)
}

// Algorithm names the configured signing algorithm.
func (s *Service) Algorithm() string { return s.signer.Algorithm() }

// HashAlgorithm names the configured digest algorithm.
func (s *Service) HashAlgorithm() string { return s.hasher.Algorithm() }
