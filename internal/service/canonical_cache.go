package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"github.com/noah-isme/gema-lrs/internal/dto"
	"github.com/noah-isme/gema-lrs/internal/models"
	"github.com/noah-isme/gema-lrs/internal/observability"
	"github.com/noah-isme/gema-lrs/internal/repository"
)

const (
	canonicalCreateAttempts = 3

	entityVerb     = "verb"
	entityActivity = "activity"
)

// CanonicalCache memoises verb and activity definitions by IRI. Definitions
// are mutable: the latest payload for an IRI replaces the stored one.
type CanonicalCache interface {
	ResolveVerb(ctx context.Context, verb dto.Verb) (models.Verb, error)
	ResolveActivity(ctx context.Context, activity dto.Activity) (models.Activity, error)
	// LookupVerbID returns the row id of a known verb without creating it.
	LookupVerbID(ctx context.Context, iri string) (uint, bool, error)
	// LookupActivityID returns the row id of a known activity without creating it.
	LookupActivityID(ctx context.Context, iri string) (uint, bool, error)
	WithStore(store repository.Store) CanonicalCache
}

type canonicalCache struct {
	store  repository.Store
	redis  *redis.Client
	ttl    time.Duration
	locks  *keyedMutex
	logger zerolog.Logger
}

// NewCanonicalCache constructs a CanonicalCache. The redis client is optional.
func NewCanonicalCache(store repository.Store, client *redis.Client, ttl time.Duration, logger zerolog.Logger) CanonicalCache {
	if ttl <= 0 {
		ttl = time.Hour
	}

	return &canonicalCache{
		store:  store,
		redis:  client,
		ttl:    ttl,
		locks:  newKeyedMutex(),
		logger: logger.With().Str("component", "canonical_cache").Logger(),
	}
}

func (c *canonicalCache) WithStore(store repository.Store) CanonicalCache {
	return &canonicalCache{store: store, redis: c.redis, ttl: c.ttl, locks: c.locks, logger: c.logger}
}

func canonicalVerbPayload(verb dto.Verb) (datatypes.JSON, error) {
	payload, err := json.Marshal(dto.Verb{ID: verb.ID, Display: verb.Display})
	if err != nil {
		return nil, fmt.Errorf("encode verb %s: %w", verb.ID, err)
	}
	return datatypes.JSON(payload), nil
}

func canonicalActivityPayload(activity dto.Activity) (datatypes.JSON, error) {
	payload, err := json.Marshal(dto.Activity{ID: activity.ID, Definition: activity.Definition})
	if err != nil {
		return nil, fmt.Errorf("encode activity %s: %w", activity.ID, err)
	}
	return datatypes.JSON(payload), nil
}

func (c *canonicalCache) ResolveVerb(ctx context.Context, verb dto.Verb) (models.Verb, error) {
	if strings.TrimSpace(verb.ID) == "" {
		return models.Verb{}, validationErrorf("verb id is required")
	}

	payload, err := canonicalVerbPayload(verb)
	if err != nil {
		return models.Verb{}, err
	}

	repo := c.store.Verbs()
	existing, err := repo.GetByIRI(ctx, verb.ID)
	if err == nil {
		return c.refreshVerb(ctx, repo, existing, payload)
	}
	if !repository.IsNotFound(err) {
		return models.Verb{}, fmt.Errorf("lookup verb %s: %w", verb.ID, err)
	}

	release := c.locks.Lock(entityVerb + "|" + verb.ID)
	defer release()

	var lastErr error
	for attempt := 1; attempt <= canonicalCreateAttempts; attempt++ {
		existing, err := c.store.Verbs().GetByIRI(ctx, verb.ID)
		if err == nil {
			return c.refreshVerb(ctx, c.store.Verbs(), existing, payload)
		}
		if !repository.IsNotFound(err) {
			return models.Verb{}, fmt.Errorf("lookup verb %s: %w", verb.ID, err)
		}

		created := models.Verb{IRI: verb.ID, CanonicalData: payload}
		err = c.store.Transaction(ctx, func(tx repository.Store) error {
			return tx.Verbs().Create(ctx, &created)
		})
		if err == nil {
			return created, nil
		}
		if !repository.IsDuplicateKey(err) {
			return models.Verb{}, fmt.Errorf("create verb %s: %w", verb.ID, err)
		}
		lastErr = err
	}

	return models.Verb{}, fmt.Errorf("create verb %s: %w", verb.ID, lastErr)
}

func (c *canonicalCache) refreshVerb(ctx context.Context, repo repository.VerbRepository, existing models.Verb, payload datatypes.JSON) (models.Verb, error) {
	if bytes.Equal(existing.CanonicalData, payload) {
		return existing, nil
	}

	if err := repo.UpdateCanonical(ctx, existing.ID, payload); err != nil {
		return models.Verb{}, fmt.Errorf("update verb %s: %w", existing.IRI, err)
	}
	existing.CanonicalData = payload
	return existing, nil
}

func (c *canonicalCache) ResolveActivity(ctx context.Context, activity dto.Activity) (models.Activity, error) {
	if strings.TrimSpace(activity.ID) == "" {
		return models.Activity{}, validationErrorf("activity id is required")
	}

	payload, err := canonicalActivityPayload(activity)
	if err != nil {
		return models.Activity{}, err
	}

	repo := c.store.Activities()
	existing, err := repo.GetByIRI(ctx, activity.ID)
	if err == nil {
		return c.refreshActivity(ctx, repo, existing, payload)
	}
	if !repository.IsNotFound(err) {
		return models.Activity{}, fmt.Errorf("lookup activity %s: %w", activity.ID, err)
	}

	release := c.locks.Lock(entityActivity + "|" + activity.ID)
	defer release()

	var lastErr error
	for attempt := 1; attempt <= canonicalCreateAttempts; attempt++ {
		existing, err := c.store.Activities().GetByIRI(ctx, activity.ID)
		if err == nil {
			return c.refreshActivity(ctx, c.store.Activities(), existing, payload)
		}
		if !repository.IsNotFound(err) {
			return models.Activity{}, fmt.Errorf("lookup activity %s: %w", activity.ID, err)
		}

		created := models.Activity{IRI: activity.ID, CanonicalData: payload}
		err = c.store.Transaction(ctx, func(tx repository.Store) error {
			return tx.Activities().Create(ctx, &created)
		})
		if err == nil {
			return created, nil
		}
		if !repository.IsDuplicateKey(err) {
			return models.Activity{}, fmt.Errorf("create activity %s: %w", activity.ID, err)
		}
		lastErr = err
	}

	return models.Activity{}, fmt.Errorf("create activity %s: %w", activity.ID, lastErr)
}

func (c *canonicalCache) refreshActivity(ctx context.Context, repo repository.ActivityRepository, existing models.Activity, payload datatypes.JSON) (models.Activity, error) {
	if bytes.Equal(existing.CanonicalData, payload) {
		return existing, nil
	}

	if err := repo.UpdateCanonical(ctx, existing.ID, payload); err != nil {
		return models.Activity{}, fmt.Errorf("update activity %s: %w", existing.IRI, err)
	}
	existing.CanonicalData = payload
	return existing, nil
}

func (c *canonicalCache) LookupVerbID(ctx context.Context, iri string) (uint, bool, error) {
	return c.lookupID(ctx, entityVerb, iri, func() (uint, error) {
		verb, err := c.store.Verbs().GetByIRI(ctx, iri)
		return verb.ID, err
	})
}

func (c *canonicalCache) LookupActivityID(ctx context.Context, iri string) (uint, bool, error) {
	return c.lookupID(ctx, entityActivity, iri, func() (uint, error) {
		activity, err := c.store.Activities().GetByIRI(ctx, iri)
		return activity.ID, err
	})
}

func (c *canonicalCache) lookupID(ctx context.Context, entity, iri string, load func() (uint, error)) (uint, bool, error) {
	cacheKey := fmt.Sprintf("lrs:%s:%s", entity, iri)

	if c.redis != nil {
		cached, err := c.redis.Get(ctx, cacheKey).Result()
		if err == nil {
			if id, parseErr := strconv.ParseUint(cached, 10, 64); parseErr == nil {
				observability.CanonicalLookups().WithLabelValues(entity, "hit").Inc()
				return uint(id), true, nil
			}
		} else if err != redis.Nil {
			c.logger.Warn().Err(err).Str("entity", entity).Msg("failed to read canonical id cache")
		}
	}

	id, err := load()
	if err != nil {
		if repository.IsNotFound(err) {
			observability.CanonicalLookups().WithLabelValues(entity, "unknown").Inc()
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("lookup %s %s: %w", entity, iri, err)
	}
	observability.CanonicalLookups().WithLabelValues(entity, "miss").Inc()

	if c.redis != nil {
		if err := c.redis.Set(ctx, cacheKey, strconv.FormatUint(uint64(id), 10), c.ttl).Err(); err != nil {
			c.logger.Warn().Err(err).Str("entity", entity).Msg("failed to store canonical id cache")
		}
	}

	return id, true, nil
}
