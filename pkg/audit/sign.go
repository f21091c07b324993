package audit

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ErrNoPrivateKey is returned when a signer is constructed without a key.
var ErrNoPrivateKey = errors.New("audit: private key must not be nil")

// Signature attests that an export has not been altered since signing.
type Signature struct {
	Algorithm   string    `json:"algorithm"`
	KeyID       string    `json:"keyId"`
	SignedAt    time.Time `json:"signedAt"`
	ContentHash string    `json:"contentHash"` // hex SHA-256 of the content
	Signature   string    `json:"signature"`   // base64 RSA signature of the hash
}

// SignatureAlgorithm is the only algorithm this signer produces.
const SignatureAlgorithm = "RSA-SHA256"

// Signer signs export content with an RSA private key.
type Signer struct {
	key   *rsa.PrivateKey
	keyID string
}

// NewSigner wraps a caller-supplied private key and key id.
func NewSigner(key *rsa.PrivateKey, keyID string) (*Signer, error) {
	if key == nil {
		return nil, ErrNoPrivateKey
	}
	return &Signer{key: key, keyID: keyID}, nil
}

// Sign hashes the exact content bytes and signs the hash.
func (s *Signer) Sign(content []byte, signedAt time.Time) (*Signature, error) {
	digest := sha256.Sum256(content)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("audit: rsa sign: %w", err)
	}
	return &Signature{
		Algorithm:   SignatureAlgorithm,
		KeyID:       s.keyID,
		SignedAt:    signedAt.UTC(),
		ContentHash: hex.EncodeToString(digest[:]),
		Signature:   base64.StdEncoding.EncodeToString(sig),
	}, nil
}

// VerifyExportSignature checks an export against its attestation. Both
// the stored content hash and the RSA signature must verify. Mismatches
// and malformed signatures are verification failures, never errors: a
// tampered export is an expected input here.
func VerifyExportSignature(content []byte, sig *Signature, pub *rsa.PublicKey) bool {
	if sig == nil || pub == nil || sig.Algorithm != SignatureAlgorithm {
		return false
	}
	digest := sha256.Sum256(content)
	if hex.EncodeToString(digest[:]) != sig.ContentHash {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(sig.Signature)
	if err != nil {
		return false
	}
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], raw) == nil
}
