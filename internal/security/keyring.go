package security

import (
	"fmt"
	"sync"

	"filippo.io/age"
)

// keyEntry is one wrapping key. identity is nil when the client holds the
// private half and only published its public key.
type keyEntry struct {
	recipient *age.X25519Recipient
	identity  *age.X25519Identity
}

// Keyring maps key references to age X25519 keys used to wrap per-message
// content keys.
type Keyring struct {
	mu      sync.RWMutex
	entries map[string]*keyEntry
}

func NewKeyring() *Keyring {
	return &Keyring{entries: make(map[string]*keyEntry)}
}

// AddPublicKey registers a client-supplied age1... recipient under ref.
func (k *Keyring) AddPublicKey(ref, publicKey string) error {
	recipient, err := age.ParseX25519Recipient(publicKey)
	if err != nil {
		return fmt.Errorf("parsing recipient key: %w", err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.entries[ref] = &keyEntry{recipient: recipient}
	return nil
}

// Generate creates a server-held keypair under ref and returns its public key.
func (k *Keyring) Generate(ref string) (string, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", fmt.Errorf("generating age keypair: %w", err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.entries[ref] = &keyEntry{recipient: identity.Recipient(), identity: identity}
	return identity.Recipient().String(), nil
}

// Remove forgets ref.
func (k *Keyring) Remove(ref string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.entries, ref)
}

// Len reports the number of registered keys.
func (k *Keyring) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.entries)
}

func (k *Keyring) recipient(ref string) (*age.X25519Recipient, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	e, ok := k.entries[ref]
	if !ok {
		return nil, ErrNoRecipientKey
	}
	return e.recipient, nil
}

func (k *Keyring) identity(ref string) (*age.X25519Identity, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	e, ok := k.entries[ref]
	if !ok || e.identity == nil {
		return nil, ErrNoPrivateKey
	}
	return e.identity, nil
}
