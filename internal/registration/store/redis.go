package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"enrolld/internal/registration/model"
	"enrolld/pkg/platform/sentinel"
)

var (
	updateDurationMs = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "enrolld_session_update_duration_ms",
		Help:    "Latency of conditional session writes in milliseconds",
		Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 25, 50},
	})
	updateConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "enrolld_session_update_conflicts_total",
		Help: "Conditional session writes lost to a concurrent modification",
	})
)

const (
	sessionKeyPrefix = "reg:sess:"
	emailKeyPrefix   = "reg:email:"
)

// RedisStore is the production SessionStore. Sessions are stored as JSON
// under a per-session key with a TTL derived from ExpiresAt; a secondary key
// indexes the natural email key. Conditional writes use WATCH so two
// concurrent mutations of one session resolve to exactly one winner.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedis constructs a Redis-backed session store.
func NewRedis(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func sessionKey(id string) string    { return sessionKeyPrefix + id }
func emailKey(natural string) string { return emailKeyPrefix + natural }

func wrapUnavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, sentinel.ErrUnavailable, err)
}

func (r *RedisStore) Create(ctx context.Context, s *model.Session) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ttl := s.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return sentinel.ErrNotFound
	}

	ok, err := r.client.SetNX(ctx, sessionKey(s.ID), payload, ttl).Result()
	if err != nil {
		return wrapUnavailable("create session", err)
	}
	if !ok {
		return sentinel.ErrConflict
	}
	if s.EmailKey != "" {
		// Plain SET: a stale index entry for a terminal session is
		// overwritten; the duplicate policy is enforced above this layer.
		if err := r.client.Set(ctx, emailKey(s.EmailKey), s.ID, ttl).Err(); err != nil {
			return wrapUnavailable("index session email", err)
		}
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	raw, err := r.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, wrapUnavailable("get session", err)
	}
	var s model.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	// Lazy expiry: Redis TTL reclamation may lag ExpiresAt; an expired
	// record reads as absent either way.
	if s.ExpiredAt(r.now()) {
		return nil, sentinel.ErrNotFound
	}
	return &s, nil
}

func (r *RedisStore) Update(ctx context.Context, s *model.Session, expectedVersion int64) error {
	start := r.now()
	defer func() {
		updateDurationMs.Observe(float64(time.Since(start).Microseconds()) / 1000.0)
	}()

	key := sessionKey(s.ID)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return sentinel.ErrNotFound
		}
		if err != nil {
			return wrapUnavailable("read session", err)
		}
		var current model.Session
		if err := json.Unmarshal(raw, &current); err != nil {
			return fmt.Errorf("unmarshal session: %w", err)
		}
		if current.ExpiredAt(r.now()) {
			return sentinel.ErrNotFound
		}
		if current.Version != expectedVersion {
			return sentinel.ErrVersionMismatch
		}

		payload, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}
		ttl := s.ExpiresAt.Sub(r.now())
		if ttl <= 0 {
			return sentinel.ErrNotFound
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, ttl)
			if s.EmailKey != "" {
				pipe.Set(ctx, emailKey(s.EmailKey), s.ID, ttl)
			}
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		updateConflicts.Inc()
		return sentinel.ErrVersionMismatch
	}
	if errors.Is(err, sentinel.ErrVersionMismatch) {
		updateConflicts.Inc()
	}
	return err
}

func (r *RedisStore) Delete(ctx context.Context, sessionID string) error {
	s, err := r.Get(ctx, sessionID)
	if errors.Is(err, sentinel.ErrNotFound) {
		// Remove whatever is physically left.
		if err := r.client.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
			return wrapUnavailable("delete session", err)
		}
		return nil
	}
	if err != nil {
		return err
	}
	keys := []string{sessionKey(sessionID)}
	if s.EmailKey != "" {
		keys = append(keys, emailKey(s.EmailKey))
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return wrapUnavailable("delete session", err)
	}
	return nil
}

func (r *RedisStore) FindByEmail(ctx context.Context, natural string) (*model.Session, error) {
	id, err := r.client.Get(ctx, emailKey(natural)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, wrapUnavailable("find session by email", err)
	}
	return r.Get(ctx, id)
}

// PurgeExpired is a no-op for Redis: key TTLs already reclaim storage.
func (r *RedisStore) PurgeExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}
