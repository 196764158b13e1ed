package audit

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrUnsigned is returned when verifying a record without a signature.
var ErrUnsigned = errors.New("audit: record is not signed")

// Signer signs record hashes with an ed25519 key. The key never leaves the
// process; exports carry only the public half.
type Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	KeyID   string
}

// NewSigner generates a fresh keypair.
func NewSigner(keyID string) (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("audit: key generation failed: %w", err)
	}
	return &Signer{privKey: priv, pubKey: pub, KeyID: keyID}, nil
}

// NewSignerFromKey wraps an existing private key, e.g. one loaded from a
// provisioned robot identity.
func NewSignerFromKey(priv ed25519.PrivateKey, keyID string) *Signer {
	return &Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		KeyID:   keyID,
	}
}

// Sign returns the hex-encoded signature over data.
func (s *Signer) Sign(data []byte) (string, error) {
	sig := ed25519.Sign(s.privKey, data)
	return hex.EncodeToString(sig), nil
}

// PublicKey returns the hex-encoded public key.
func (s *Signer) PublicKey() string {
	return hex.EncodeToString(s.pubKey)
}

// PublicKeyBytes returns the raw public key.
func (s *Signer) PublicKeyBytes() []byte {
	return s.pubKey
}

// VerifyRecord checks r's signature against this signer's public key. The
// signature covers the record hash, so callers verify the chain first.
func (s *Signer) VerifyRecord(r *Record) (bool, error) {
	if r.Signature == "" {
		return false, ErrUnsigned
	}
	return VerifySignature(s.PublicKey(), r.Signature, []byte(r.RecordHash))
}

// VerifySignature checks a hex signature over data against a hex public
// key. Used off-robot, where only the exported public key is available.
func VerifySignature(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("audit: invalid public key hex: %w", err)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("audit: invalid signature hex: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("audit: invalid public key size %d", len(pubKey))
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), data, sig), nil
}
