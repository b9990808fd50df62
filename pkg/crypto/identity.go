package crypto

import (
	"fmt"

	"github.com/contractmesh/dimebox/pkg/contracts"
)

// Identity groups the key material one node controls for a single party: an
// ed25519 signing key and an X25519 encryption key. A node may hold several
// identities; the mailbox reaper polls one inbox per identity.
type Identity struct {
	Signer  *Ed25519Signer
	KeyPair *X25519KeyPair
}

// NewIdentity generates fresh signing and encryption keys.
func NewIdentity(keyID string) (*Identity, error) {
	signer, err := NewEd25519Signer(keyID)
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}
	kp, err := NewX25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}
	return &Identity{Signer: signer, KeyPair: kp}, nil
}

// SigningPublicKey returns the identity's hex-encoded signing key.
func (i *Identity) SigningPublicKey() contracts.PublicKey {
	return i.Signer.PublicKey()
}

// EncryptionPublicKey returns the identity's hex-encoded encryption key.
// This is the key the party's mailbox is addressed by.
func (i *Identity) EncryptionPublicKey() contracts.PublicKey {
	return i.KeyPair.PublicKey()
}

// Party returns the identity's public half as envelope recital material.
func (i *Identity) Party() contracts.Party {
	return contracts.Party{
		SigningPublicKey:    i.SigningPublicKey(),
		EncryptionPublicKey: i.EncryptionPublicKey(),
	}
}
