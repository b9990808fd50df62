// Package objectstore moves DIME frames through a shared, content-addressed
// object store. One inbox per recipient encryption key; objects are addressed
// by the SHA-512 of their framed bytes, so puts are idempotent and the store
// needs no locking.
package objectstore

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/contractmesh/dimebox/pkg/contracts"
)

// Store is the mailbox's view of the shared object store.
type Store interface {
	// Put deposits data in the recipient's inbox under the given content
	// address (the framing layer's internal payload digest). Depositing the
	// same address twice is a no-op.
	Put(ctx context.Context, recipient contracts.PublicKey, address string, data []byte) error
	// Get retrieves one inbox object by content address.
	Get(ctx context.Context, recipient contracts.PublicKey, address string) ([]byte, error)
	// List returns up to limit inbox addresses for the recipient.
	List(ctx context.Context, recipient contracts.PublicKey, limit int) ([]string, error)
	// Delete acknowledges an inbox object, removing it.
	Delete(ctx context.Context, recipient contracts.PublicKey, address string) error
}

// Address computes the content address for framed bytes.
func Address(data []byte) string {
	sum := sha512.Sum512(data)
	return "sha512:" + hex.EncodeToString(sum[:])
}

// AddressFromHash renders a precomputed digest as a content address.
func AddressFromHash(sum []byte) string {
	return "sha512:" + hex.EncodeToString(sum)
}

func rawAddress(address string) (string, error) {
	if len(address) < 7 || address[:7] != "sha512:" {
		return "", fmt.Errorf("invalid address format: %s", address)
	}
	raw := address[7:]
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("invalid address hex: %w", err)
	}
	return raw, nil
}

// MemStore is an in-memory Store for tests and single-process setups.
type MemStore struct {
	mu      sync.RWMutex
	inboxes map[contracts.PublicKey]map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{inboxes: make(map[contracts.PublicKey]map[string][]byte)}
}

func (s *MemStore) Put(ctx context.Context, recipient contracts.PublicKey, address string, data []byte) error {
	if _, err := rawAddress(address); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inbox, ok := s.inboxes[recipient]
	if !ok {
		inbox = make(map[string][]byte)
		s.inboxes[recipient] = inbox
	}
	if _, exists := inbox[address]; !exists {
		cp := make([]byte, len(data))
		copy(cp, data)
		inbox[address] = cp
	}
	return nil
}

func (s *MemStore) Get(ctx context.Context, recipient contracts.PublicKey, address string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.inboxes[recipient][address]
	if !ok {
		return nil, fmt.Errorf("object not found: %s", address)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (s *MemStore) List(ctx context.Context, recipient contracts.PublicKey, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addrs := make([]string, 0, len(s.inboxes[recipient]))
	for addr := range s.inboxes[recipient] {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	if limit > 0 && len(addrs) > limit {
		addrs = addrs[:limit]
	}
	return addrs, nil
}

func (s *MemStore) Delete(ctx context.Context, recipient contracts.PublicKey, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inboxes[recipient], address)
	return nil
}
