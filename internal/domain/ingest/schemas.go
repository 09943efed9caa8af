package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/okian/racepulse/internal/domain/model"
	"github.com/okian/racepulse/internal/domain/splits"
)

// SchemaSource reads split schemas. It returns model.ErrNotFound when none is
// configured for (raceID, eventID).
type SchemaSource interface {
	Schema(ctx context.Context, raceID, eventID string) (model.SplitSchema, error)
}

type cachedSchema struct {
	schema  model.SplitSchema
	expires time.Time
}

// SchemaCache memoizes validated schemas for a TTL and coalesces concurrent
// misses for the same key into one source read. Failures are not cached.
type SchemaCache struct {
	source SchemaSource
	ttl    time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]cachedSchema
	group   singleflight.Group
}

// NewSchemaCache wraps source. ttl <= 0 disables caching but keeps coalescing.
func NewSchemaCache(source SchemaSource, ttl time.Duration) *SchemaCache {
	return &SchemaCache{
		source:  source,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cachedSchema),
	}
}

// Schema returns the validated schema. A missing or invalid schema is an
// ErrConfiguration; any other source failure is ErrDownstreamDependency.
func (c *SchemaCache) Schema(ctx context.Context, raceID, eventID string) (model.SplitSchema, error) {
	const op = "ingest.schema"
	key := raceID + "\x1f" + eventID

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.now().Before(entry.expires) {
		return entry.schema, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		schema, err := c.source.Schema(ctx, raceID, eventID)
		if errors.Is(err, model.ErrNotFound) {
			return nil, model.Errorf(op, model.ErrConfiguration, "no split schema for race %s event %s", raceID, eventID)
		}
		if err != nil {
			return nil, model.Wrap(op, model.ErrDownstreamDependency, err)
		}
		if err := splits.Validate(schema); err != nil {
			return nil, model.Wrap(op, model.ErrConfiguration, err)
		}
		if c.ttl > 0 {
			c.mu.Lock()
			c.entries[key] = cachedSchema{schema: schema, expires: c.now().Add(c.ttl)}
			c.mu.Unlock()
		}
		return schema, nil
	})
	if err != nil {
		return model.SplitSchema{}, err
	}
	return v.(model.SplitSchema), nil
}

// Invalidate drops a cached schema so the next read goes to the source.
func (c *SchemaCache) Invalidate(raceID, eventID string) {
	c.mu.Lock()
	delete(c.entries, raceID+"\x1f"+eventID)
	c.mu.Unlock()
}
