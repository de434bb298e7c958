package core

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultQueryTTL applies when a query opts into caching without naming a TTL.
const DefaultQueryTTL = 5 * time.Minute

// Query is a side-effect-free read-intent message. Concrete queries embed
// QueryBase and implement Name and CacheKey.
type Query interface {
	// Name is the registry discriminant, e.g. "investigation.list".
	Name() string
	// CacheKey is a canonical serialization of the query parameters,
	// stable across equivalent queries. See CanonicalKey.
	CacheKey() string
	UseCache() bool
	CacheTTL() time.Duration
}

// QueryBase carries the caching hints common to all queries.
type QueryBase struct {
	Cache bool          `json:"use_cache"`
	TTL   time.Duration `json:"cache_ttl,omitempty"`
}

func (q QueryBase) UseCache() bool { return q.Cache }

func (q QueryBase) CacheTTL() time.Duration {
	if q.TTL <= 0 {
		return DefaultQueryTTL
	}
	return q.TTL
}

// CanonicalKey derives a deterministic cache key from a query name and its
// parameters. encoding/json sorts map keys, so equivalent parameter sets
// produce identical keys.
func CanonicalKey(name string, params any) string {
	data, err := json.Marshal(params)
	if err != nil {
		// Unserializable params cannot be cached deterministically; fall
		// back to a key no other query will share.
		return fmt.Sprintf("query:%s:unserializable:%p", name, &params)
	}
	return fmt.Sprintf("query:%s:%x", name, sha256.Sum256(data))
}

// QueryResult is the outcome of one QueryBus.Execute call.
type QueryResult struct {
	Data            any               `json:"data,omitempty"`
	FromCache       bool              `json:"from_cache"`
	ExecutionTimeMS float64           `json:"execution_time_ms"`
	Error           string            `json:"error,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}
