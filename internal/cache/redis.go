// Package cache stores generated SPARQL keyed by normalized natural
// language question, together with per-question hit counters used to
// surface popular queries.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	cacheKeyPrefix = "nlq:cache:"
	countKeyPrefix = "nlq:count:"
)

// DefaultTTL keeps entries for a year. Generated SPARQL only goes stale
// when the ontology changes, and a redeploy flushes the cache then.
const DefaultTTL = 365 * 24 * time.Hour

// Entry is the JSON value stored under a cache key.
type Entry struct {
	SPARQLQuery   string `json:"sparql_query"`
	Results       string `json:"results,omitempty"`
	Precached     bool   `json:"precached,omitempty"`
	OriginalQuery string `json:"original_query"`
}

// PopularQuery is one row of the popularity report.
type PopularQuery struct {
	Query           string `json:"query"`
	NormalizedQuery string `json:"normalized_query"`
	SPARQLQuery     string `json:"sparql_query"`
	Count           int64  `json:"count"`
}

// Config holds the redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Store is the redis-backed query cache.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
	log *zap.Logger
}

// New connects a cache store. The logger may be nil.
func New(cfg Config, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Store{rdb: rdb, ttl: ttl, log: log}
}

// NewWithClient wraps an existing redis client, used by tests.
func NewWithClient(rdb *redis.Client, ttl time.Duration, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{rdb: rdb, ttl: ttl, log: log}
}

// Normalize maps a natural language question to its cache key form.
func Normalize(query string) string {
	return strings.ToLower(strings.TrimSpace(query))
}

// Lookup returns the entry for a normalized question, or nil on a miss.
// A hit increments the question's popularity counter.
func (s *Store) Lookup(ctx context.Context, normalized string) (*Entry, error) {
	raw, err := s.rdb.Get(ctx, cacheKeyPrefix+normalized).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("cache entry decode: %w", err)
	}

	if err := s.rdb.Incr(ctx, countKeyPrefix+normalized).Err(); err != nil {
		s.log.Warn("cache hit counter increment failed",
			zap.String("key", normalized), zap.Error(err))
	}

	s.log.Info("cache hit", zap.String("key", normalized))
	return &entry, nil
}

// Store writes a generated query under a normalized question and seeds
// the popularity counter at zero if absent. Both keys share the TTL.
func (s *Store) Store(ctx context.Context, normalized string, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache entry encode: %w", err)
	}

	if err := s.rdb.SetEx(ctx, cacheKeyPrefix+normalized, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("cache store: %w", err)
	}

	countKey := countKeyPrefix + normalized
	created, err := s.rdb.SetNX(ctx, countKey, 0, s.ttl).Result()
	if err != nil {
		s.log.Warn("cache counter init failed", zap.String("key", normalized), zap.Error(err))
	} else if !created {
		// Keep the counter alive as long as the entry.
		if err := s.rdb.Expire(ctx, countKey, s.ttl).Err(); err != nil {
			s.log.Warn("cache counter expire failed", zap.String("key", normalized), zap.Error(err))
		}
	}

	s.log.Info("cache store", zap.String("key", normalized))
	return nil
}

// Exists reports whether a normalized question has a cache entry.
func (s *Store) Exists(ctx context.Context, normalized string) (bool, error) {
	n, err := s.rdb.Exists(ctx, cacheKeyPrefix+normalized).Result()
	if err != nil {
		return false, fmt.Errorf("cache exists: %w", err)
	}
	return n > 0, nil
}

// Popular returns up to limit questions ordered by hit count descending.
// Ties keep a stable alphabetical order so the report does not jitter.
func (s *Store) Popular(ctx context.Context, limit int) ([]PopularQuery, error) {
	if limit <= 0 {
		limit = 5
	}

	var out []PopularQuery
	iter := s.rdb.Scan(ctx, 0, countKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		countKey := iter.Val()
		normalized := strings.TrimPrefix(countKey, countKeyPrefix)

		raw, err := s.rdb.Get(ctx, countKey).Result()
		if err != nil {
			continue
		}
		count, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}

		original := normalized
		var sparql string
		if entryRaw, err := s.rdb.Get(ctx, cacheKeyPrefix+normalized).Result(); err == nil {
			var entry Entry
			if json.Unmarshal([]byte(entryRaw), &entry) == nil {
				sparql = entry.SPARQLQuery
				if entry.OriginalQuery != "" {
					original = entry.OriginalQuery
				}
			}
		}

		out = append(out, PopularQuery{
			Query:           original,
			NormalizedQuery: normalized,
			SPARQLQuery:     sparql,
			Count:           count,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("cache scan: %w", err)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Query < out[j].Query
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Stats summarizes cache occupancy.
type Stats struct {
	Entries  int64 `json:"entries"`
	Counters int64 `json:"counters"`
}

// CollectStats counts cached entries and counters.
func (s *Store) CollectStats(ctx context.Context) (Stats, error) {
	var stats Stats
	iter := s.rdb.Scan(ctx, 0, cacheKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		stats.Entries++
	}
	if err := iter.Err(); err != nil {
		return stats, fmt.Errorf("cache stats: %w", err)
	}
	iter = s.rdb.Scan(ctx, 0, countKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		stats.Counters++
	}
	if err := iter.Err(); err != nil {
		return stats, fmt.Errorf("cache stats: %w", err)
	}
	return stats, nil
}

// HealthCheck pings the redis server.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}
