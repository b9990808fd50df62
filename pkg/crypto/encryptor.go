package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"

	"github.com/contractmesh/dimebox/pkg/contracts"
)

// Context is the encryption-context message carried as a frame's payload
// descriptor: the owner's encryption key plus one wrapped data-encryption key
// per audience member.
type Context struct {
	OwnerKey contracts.PublicKey `json:"owner_key"`
	Keys     []WrappedKey        `json:"keys"`
}

// WrappedKey is one recipient's copy of the payload DEK, sealed to its
// X25519 encryption key.
type WrappedKey struct {
	Recipient contracts.PublicKey `json:"recipient"`
	Ephemeral []byte              `json:"ephemeral_public_key"`
	Nonce     []byte              `json:"nonce"`
	Wrapped   []byte              `json:"wrapped_dek"`
}

// Marshal serializes the context for the wire.
func (c *Context) Marshal() ([]byte, error) {
	return CanonicalMarshal(c)
}

// ParseContext deserializes a payload descriptor.
func ParseContext(b []byte) (*Context, error) {
	var c Context
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse encryption context: %w", err)
	}
	return &c, nil
}

// Encryptor seals a payload for an audience of encryption public keys.
type Encryptor interface {
	Encrypt(plaintext []byte, audience []contracts.PublicKey) (*Context, []byte, error)
	PublicKey() contracts.PublicKey
}

// Decrypter opens payloads addressed to one local encryption key.
type Decrypter interface {
	Decrypt(ctx *Context, ciphertext []byte) ([]byte, error)
	PublicKey() contracts.PublicKey
}

// X25519KeyPair implements Encryptor and Decrypter over X25519 ECDH with
// ChaCha20-Poly1305 for both the payload and the key wrap.
type X25519KeyPair struct {
	priv [32]byte
	pub  [32]byte
}

func NewX25519KeyPair() (*X25519KeyPair, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	kp := &X25519KeyPair{priv: priv}
	copy(kp.pub[:], pub)
	return kp, nil
}

func NewX25519KeyPairFromSeed(seed [32]byte) (*X25519KeyPair, error) {
	pub, err := curve25519.X25519(seed[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	kp := &X25519KeyPair{priv: seed}
	copy(kp.pub[:], pub)
	return kp, nil
}

func (k *X25519KeyPair) PublicKey() contracts.PublicKey {
	return contracts.PublicKey(hex.EncodeToString(k.pub[:]))
}

// Encrypt generates a fresh DEK, seals plaintext with it, and wraps the DEK
// once per audience member. The DEK never leaves this function unwrapped.
func (k *X25519KeyPair) Encrypt(plaintext []byte, audience []contracts.PublicKey) (*Context, []byte, error) {
	dek := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(dek); err != nil {
		return nil, nil, fmt.Errorf("dek generation failed: %w", err)
	}

	aead, err := chacha20poly1305.New(dek)
	if err != nil {
		return nil, nil, fmt.Errorf("payload cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("nonce generation failed: %w", err)
	}
	// Nonce is prefixed to the ciphertext stream.
	ciphertext := aead.Seal(nonce, nonce, plaintext, nil)

	ctx := &Context{OwnerKey: k.PublicKey(), Keys: make([]WrappedKey, 0, len(audience))}
	for _, recipient := range audience {
		wk, err := wrapDEK(dek, recipient)
		if err != nil {
			return nil, nil, fmt.Errorf("wrap dek for %s: %w", recipient, err)
		}
		ctx.Keys = append(ctx.Keys, wk)
	}
	return ctx, ciphertext, nil
}

// Decrypt locates the local key's wrapped DEK in the context, unwraps it, and
// opens the payload.
func (k *X25519KeyPair) Decrypt(ctx *Context, ciphertext []byte) ([]byte, error) {
	local := k.PublicKey()
	for _, wk := range ctx.Keys {
		if wk.Recipient != local {
			continue
		}
		dek, err := k.unwrapDEK(wk)
		if err != nil {
			return nil, err
		}
		aead, err := chacha20poly1305.New(dek)
		if err != nil {
			return nil, fmt.Errorf("payload cipher: %w", err)
		}
		if len(ciphertext) < aead.NonceSize() {
			return nil, fmt.Errorf("ciphertext shorter than nonce")
		}
		nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
		plaintext, err := aead.Open(nil, nonce, sealed, nil)
		if err != nil {
			return nil, fmt.Errorf("payload open failed: %w", err)
		}
		return plaintext, nil
	}
	return nil, fmt.Errorf("no wrapped key for recipient %s", local)
}

func wrapDEK(dek []byte, recipient contracts.PublicKey) (WrappedKey, error) {
	recipPub, err := hex.DecodeString(string(recipient))
	if err != nil || len(recipPub) != 32 {
		return WrappedKey{}, fmt.Errorf("invalid recipient key")
	}

	var ephPriv [32]byte
	if _, err := rand.Read(ephPriv[:]); err != nil {
		return WrappedKey{}, fmt.Errorf("ephemeral key generation failed: %w", err)
	}
	ephPub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return WrappedKey{}, fmt.Errorf("derive ephemeral public key: %w", err)
	}
	shared, err := curve25519.X25519(ephPriv[:], recipPub)
	if err != nil {
		return WrappedKey{}, fmt.Errorf("ecdh failed: %w", err)
	}

	aead, err := chacha20poly1305.New(shared)
	if err != nil {
		return WrappedKey{}, fmt.Errorf("wrap cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return WrappedKey{}, fmt.Errorf("nonce generation failed: %w", err)
	}
	return WrappedKey{
		Recipient: recipient,
		Ephemeral: ephPub,
		Nonce:     nonce,
		Wrapped:   aead.Seal(nil, nonce, dek, nil),
	}, nil
}

func (k *X25519KeyPair) unwrapDEK(wk WrappedKey) ([]byte, error) {
	shared, err := curve25519.X25519(k.priv[:], wk.Ephemeral)
	if err != nil {
		return nil, fmt.Errorf("ecdh failed: %w", err)
	}
	aead, err := chacha20poly1305.New(shared)
	if err != nil {
		return nil, fmt.Errorf("wrap cipher: %w", err)
	}
	dek, err := aead.Open(nil, wk.Nonce, wk.Wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("dek unwrap failed: %w", err)
	}
	return dek, nil
}
