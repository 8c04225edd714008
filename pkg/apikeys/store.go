package apikeys

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store is the persistence interface behind the credential service. The
// in-memory implementation backs single-instance deployments and tests; the
// SQL implementation backs everything else.
type Store interface {
	Insert(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, tokenHash string) (*APIKey, error)
	GetByID(ctx context.Context, id string) (*APIKey, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*APIKey, error)
	// SetInactive marks a key revoked. Returns ErrNotFound if the key does
	// not exist or belongs to a different owner.
	SetInactive(ctx context.Context, id, ownerID string) error
	TouchLastUsed(ctx context.Context, id string, t time.Time) error
	// DeleteExpired removes keys whose expiry passed before the cutoff and
	// returns how many were removed.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int, error)
}

// MemoryStore is a mutex-guarded in-memory Store.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*APIKey
	byHash map[string]*APIKey
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*APIKey),
		byHash: make(map[string]*APIKey),
	}
}

// Insert stores a new key.
func (s *MemoryStore) Insert(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := key.clone()
	s.byID[stored.ID] = stored
	s.byHash[stored.TokenHash] = stored
	return nil
}

// GetByHash looks a key up by its token hash.
func (s *MemoryStore) GetByHash(ctx context.Context, tokenHash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.byHash[tokenHash]
	if !ok {
		return nil, ErrNotFound
	}
	return key.clone(), nil
}

// GetByID looks a key up by ID.
func (s *MemoryStore) GetByID(ctx context.Context, id string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return key.clone(), nil
}

// ListByOwner returns all keys owned by ownerID, newest first.
func (s *MemoryStore) ListByOwner(ctx context.Context, ownerID string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*APIKey
	for _, key := range s.byID {
		if key.OwnerID == ownerID {
			out = append(out, key.clone())
		}
	}
	sortKeysByCreatedDesc(out)
	return out, nil
}

// SetInactive marks a key revoked.
func (s *MemoryStore) SetInactive(ctx context.Context, id, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.byID[id]
	if !ok || key.OwnerID != ownerID {
		return ErrNotFound
	}
	key.Active = false
	return nil
}

// TouchLastUsed records when the key last authenticated a request.
func (s *MemoryStore) TouchLastUsed(ctx context.Context, id string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	key.LastUsedAt = &t
	return nil
}

// DeleteExpired removes keys whose expiry passed before the cutoff.
func (s *MemoryStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, key := range s.byID {
		if key.ExpiresAt != nil && key.ExpiresAt.Before(cutoff) {
			delete(s.byID, id)
			delete(s.byHash, key.TokenHash)
			removed++
		}
	}
	return removed, nil
}

func sortKeysByCreatedDesc(keys []*APIKey) {
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].CreatedAt.After(keys[j].CreatedAt)
	})
}
