package apikeys

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/casaflow/gateway/pkg/async"
	"github.com/casaflow/gateway/pkg/authz"
	"github.com/casaflow/gateway/pkg/observability"
)

const (
	validationCacheSize = 4096
	validationCacheTTL  = 5 * time.Minute
	lastUsedTimeout     = 5 * time.Second
)

// Service is the credential store facade used by the dispatcher and the
// management API. A read-through LRU cache keyed by token hash avoids
// re-querying the backing store on every request; entries are evicted
// synchronously on revoke so a revoked key fails validation immediately.
type Service struct {
	store   Store
	cache   *lru.LRU[string, *APIKey]
	logger  *observability.Logger
	metrics *observability.Metrics

	// revGen counts revocations. A cache fill in Validate captures it before
	// the store read and evicts its own entry if it changed, so a revoke that
	// lands between the read and the fill cannot be resurrected into the
	// cache.
	revGen atomic.Uint64
}

// NewService creates a credential service over the given store.
func NewService(store Store, logger *observability.Logger, metrics *observability.Metrics) *Service {
	return &Service{
		store:   store,
		cache:   lru.NewLRU[string, *APIKey](validationCacheSize, nil, validationCacheTTL),
		logger:  logger,
		metrics: metrics,
	}
}

// Issue creates a new API key. The returned secret is shown exactly once;
// only its hash is stored.
func (s *Service) Issue(ctx context.Context, ownerID, name string, permissions authz.PermissionSet, ceiling *RateCeiling, expiresAt *time.Time) (*APIKey, string, error) {
	if ownerID == "" {
		return nil, "", fmt.Errorf("owner id is required")
	}
	if name == "" {
		return nil, "", fmt.Errorf("key name is required")
	}
	if err := permissions.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid permissions: %w", err)
	}

	token, tokenHash, tokenPrefix, err := GenerateToken()
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate token: %w", err)
	}

	effectiveCeiling := DefaultRateCeiling()
	if ceiling != nil {
		if ceiling.MaxRequests <= 0 || ceiling.WindowSeconds <= 0 {
			return nil, "", fmt.Errorf("rate ceiling must be positive")
		}
		effectiveCeiling = *ceiling
	}

	key := &APIKey{
		ID:          uuid.NewString(),
		Name:        name,
		OwnerID:     ownerID,
		TokenHash:   tokenHash,
		TokenPrefix: tokenPrefix,
		Permissions: permissions,
		RateCeiling: effectiveCeiling,
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   expiresAt,
		Active:      true,
	}

	if err := s.store.Insert(ctx, key); err != nil {
		return nil, "", fmt.Errorf("failed to store api key: %w", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"key_id":   key.ID,
		"owner_id": ownerID,
	}).Info("api key issued")

	return key, token, nil
}

// Validate authenticates a presented secret. It returns ErrNotFound,
// ErrInactive or ErrExpired on failure. On success the key's last-used time
// is updated in the background; that update never blocks or fails the
// caller's request.
func (s *Service) Validate(ctx context.Context, secret string) (*APIKey, error) {
	if err := ValidateTokenFormat(secret); err != nil {
		s.countValidation("malformed")
		return nil, ErrNotFound
	}

	tokenHash := HashToken(secret)
	now := time.Now().UTC()

	if key, ok := s.cache.Get(tokenHash); ok {
		if s.metrics != nil {
			s.metrics.KeyCacheHitsTotal.Inc()
		}
		// Expiry can pass while an entry sits in the cache.
		if err := key.Usable(now); err != nil {
			s.cache.Remove(tokenHash)
			s.countValidation("rejected")
			return nil, err
		}
		s.touchAsync(key.ID)
		s.countValidation("ok")
		return key.clone(), nil
	}
	if s.metrics != nil {
		s.metrics.KeyCacheMissesTotal.Inc()
	}

	gen := s.revGen.Load()
	key, err := s.store.GetByHash(ctx, tokenHash)
	if err != nil {
		s.countValidation("unknown")
		return nil, ErrNotFound
	}
	if err := key.Usable(now); err != nil {
		s.countValidation("rejected")
		return nil, err
	}

	s.cache.Add(tokenHash, key.clone())
	if s.revGen.Load() != gen {
		// A revoke raced the fill; the entry may be stale.
		s.cache.Remove(tokenHash)
	}
	s.touchAsync(key.ID)
	s.countValidation("ok")
	return key, nil
}

// Revoke marks a key inactive and evicts its cache entry so subsequent
// validations fail immediately, including for previously cached copies.
func (s *Service) Revoke(ctx context.Context, keyID, ownerID string) error {
	key, err := s.store.GetByID(ctx, keyID)
	if err != nil {
		return err
	}
	if key.OwnerID != ownerID {
		return ErrNotFound
	}

	// Bump the generation before deactivating: either a concurrent cache
	// fill sees the new generation and self-evicts, or it completed before
	// this point and the Remove below evicts it.
	s.revGen.Add(1)
	if err := s.store.SetInactive(ctx, keyID, ownerID); err != nil {
		return err
	}
	s.cache.Remove(key.TokenHash)

	s.logger.WithFields(map[string]interface{}{
		"key_id":   keyID,
		"owner_id": ownerID,
	}).Info("api key revoked")
	return nil
}

// List returns the owner's keys. Secrets are never returned; callers get the
// redaction prefix only.
func (s *Service) List(ctx context.Context, ownerID string) ([]*APIKey, error) {
	return s.store.ListByOwner(ctx, ownerID)
}

// Get returns a single key by ID, owner-scoped.
func (s *Service) Get(ctx context.Context, keyID, ownerID string) (*APIKey, error) {
	key, err := s.store.GetByID(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if key.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return key, nil
}

// SweepExpired removes keys whose expiry has passed. Called on a schedule
// from the service entry point.
func (s *Service) SweepExpired(ctx context.Context) {
	removed, err := s.store.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		s.logger.WithError(err).Warn("expired key sweep failed")
		return
	}
	if removed > 0 {
		s.logger.Infof("removed %d expired api keys", removed)
	}
}

func (s *Service) touchAsync(keyID string) {
	async.SafeGo(context.Background(), s.logger, lastUsedTimeout, "last-used update", func(ctx context.Context) error {
		return s.store.TouchLastUsed(ctx, keyID, time.Now().UTC())
	})
}

func (s *Service) countValidation(result string) {
	if s.metrics != nil {
		s.metrics.KeyValidationsTotal.WithLabelValues(result).Inc()
	}
}
