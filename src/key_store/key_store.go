package key_store

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

const PasswordBytes = 24

var (
	ErrUnknownKeyStore   = errors.New("unknown key store")
	ErrDuplicateKeyStore = errors.New("key store already registered")
	ErrInvalidKeyStore   = errors.New("invalid key store")
)

// KeyStore is the identity and shared secret of one coordinator.
type KeyStore struct {
	ID       string `toml:"id"`
	Name     string `toml:"name"`
	Password string `toml:"password"`
}

func NewKeyStore(id, name, password string) KeyStore {
	return KeyStore{ID: id, Name: name, Password: password}
}

// Generate returns a key store with a fresh id and a random password.
func Generate(name string) (KeyStore, error) {
	buf := make([]byte, PasswordBytes)
	if _, err := rand.Read(buf); err != nil {
		return KeyStore{}, fmt.Errorf("failed to generate password: %w", err)
	}
	return KeyStore{
		ID:       uuid.NewString(),
		Name:     name,
		Password: hex.EncodeToString(buf),
	}, nil
}

func (k KeyStore) Validate() error {
	if k.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidKeyStore)
	}
	if k.Password == "" {
		return fmt.Errorf("%w: %s has no password", ErrInvalidKeyStore, k.ID)
	}
	return nil
}

func (k KeyStore) String() string {
	if k.Name == "" {
		return k.ID
	}
	return fmt.Sprintf("%s(%s)", k.Name, k.ID)
}

// Pool is an ordered set of key stores with lookup by id.
type Pool struct {
	lock   sync.RWMutex
	stores []KeyStore
	byID   map[string]int
}

func NewPool(stores ...KeyStore) (*Pool, error) {
	p := &Pool{byID: make(map[string]int)}
	for _, ks := range stores {
		if err := p.Add(ks); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Pool) Add(ks KeyStore) error {
	if err := ks.Validate(); err != nil {
		return err
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	if _, exists := p.byID[ks.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateKeyStore, ks.ID)
	}
	p.byID[ks.ID] = len(p.stores)
	p.stores = append(p.stores, ks)
	return nil
}

func (p *Pool) Remove(id string) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	idx, ok := p.byID[id]
	if !ok {
		return false
	}
	p.stores = append(p.stores[:idx], p.stores[idx+1:]...)
	delete(p.byID, id)
	for i := idx; i < len(p.stores); i++ {
		p.byID[p.stores[i].ID] = i
	}
	return true
}

func (p *Pool) Lookup(id string) (KeyStore, error) {
	p.lock.RLock()
	defer p.lock.RUnlock()
	idx, ok := p.byID[id]
	if !ok {
		return KeyStore{}, fmt.Errorf("%w: %q", ErrUnknownKeyStore, id)
	}
	return p.stores[idx], nil
}

// All returns a copy of the pool in insertion order.
func (p *Pool) All() []KeyStore {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return append([]KeyStore(nil), p.stores...)
}

func (p *Pool) Len() int {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return len(p.stores)
}
