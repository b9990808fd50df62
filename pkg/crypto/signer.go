package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"

	"github.com/contractmesh/dimebox/pkg/contracts"
)

// Signer is the signing capability a node holds for one identity.
type Signer interface {
	Sign(data []byte) (string, error)
	PublicKey() contracts.PublicKey
	PublicKeyPEM() (string, error)
}

// Ed25519Signer implementation.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	KeyID   string
}

func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  pub,
		KeyID:   keyID,
	}, nil
}

func NewEd25519SignerFromKey(priv ed25519.PrivateKey, keyID string) *Ed25519Signer {
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		KeyID:   keyID,
	}
}

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	sig := ed25519.Sign(s.privKey, data)
	return hex.EncodeToString(sig), nil
}

func (s *Ed25519Signer) PublicKey() contracts.PublicKey {
	return contracts.PublicKey(hex.EncodeToString(s.pubKey))
}

// PublicKeyPEM returns the PKIX PEM encoding used in signature lists.
func (s *Ed25519Signer) PublicKeyPEM() (string, error) {
	return EncodePublicKeyPEM(s.pubKey)
}

// SignEnvelope signs the canonical JSON form of e and appends the signature.
func (s *Ed25519Signer) SignEnvelope(e *contracts.Envelope) (contracts.Signature, error) {
	payload, err := CanonicalMarshal(envelopeSigningView(e))
	if err != nil {
		return contracts.Signature{}, err
	}
	sig, err := s.Sign(payload)
	if err != nil {
		return contracts.Signature{}, err
	}
	pemKey, err := s.PublicKeyPEM()
	if err != nil {
		return contracts.Signature{}, err
	}
	return contracts.Signature{Signature: sig, PublicKeyPEM: pemKey}, nil
}

// Verify verifies a hex signature against a hex-encoded public key.
func Verify(pubKey contracts.PublicKey, sigHex string, data []byte) (bool, error) {
	raw, err := hex.DecodeString(string(pubKey))
	if err != nil {
		return false, fmt.Errorf("invalid public key hex: %w", err)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size")
	}
	return ed25519.Verify(ed25519.PublicKey(raw), data, sig), nil
}

// VerifyEnvelopeSignature checks one signature entry against the canonical
// envelope bytes, resolving the signer key from its PEM encoding.
func VerifyEnvelopeSignature(e *contracts.Envelope, sig contracts.Signature) (bool, error) {
	pub, err := DecodePublicKeyPEM(sig.PublicKeyPEM)
	if err != nil {
		return false, err
	}
	payload, err := CanonicalMarshal(envelopeSigningView(e))
	if err != nil {
		return false, err
	}
	raw, err := hex.DecodeString(sig.Signature)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	return ed25519.Verify(pub, payload, raw), nil
}

// envelopeSigningView strips the signature list so signatures cover the same
// bytes no matter how many parties have already signed.
func envelopeSigningView(e *contracts.Envelope) contracts.Envelope {
	view := *e
	view.Signatures = nil
	return view
}

// PublicKeyFromPEM converts a PKIX PEM block into the hex key form recitals
// carry, so a signature's key can be matched against the contract parties.
func PublicKeyFromPEM(s string) (contracts.PublicKey, error) {
	pub, err := DecodePublicKeyPEM(s)
	if err != nil {
		return "", err
	}
	return contracts.PublicKey(hex.EncodeToString(pub)), nil
}

// EncodePublicKeyPEM renders an ed25519 public key as a PKIX PEM block.
func EncodePublicKeyPEM(pub ed25519.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// DecodePublicKeyPEM parses a PKIX PEM block into an ed25519 public key.
func DecodePublicKeyPEM(s string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an ed25519 public key")
	}
	return pub, nil
}
