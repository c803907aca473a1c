package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"pdfcast/internal/core/domain"
	"pdfcast/internal/core/ports"
	"pdfcast/pkg/circuitbreaker"
)

// sessionRecord is the persisted shape of a session. Viewers live in a
// separate sorted set keyed by join time so order and dedup survive restarts.
type sessionRecord struct {
	Host      string    `json:"host"`
	StartedAt time.Time `json:"started_at"`
}

// Viewer membership scripts run the existence check and the zset update in
// one atomic step. A concurrent Remove between a separate EXISTS and ZADD
// would otherwise leave an orphaned viewers set behind.
var (
	addViewerScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return -1
end
redis.call("ZADD", KEYS[2], "NX", ARGV[1], ARGV[2])
return redis.call("ZCARD", KEYS[2])`)

	removeViewerScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return -1
end
redis.call("ZREM", KEYS[2], ARGV[1])
return redis.call("ZCARD", KEYS[2])`)
)

type RedisSessionRegistry struct {
	client  *redis.Client
	prefix  string
	breaker *circuitbreaker.Breaker
}

func NewRedisSessionRegistry(client *redis.Client, breaker *circuitbreaker.Breaker) ports.SessionRegistry {
	return &RedisSessionRegistry{
		client:  client,
		prefix:  "pdfcast:session:",
		breaker: breaker,
	}
}

func (r *RedisSessionRegistry) sessionKey(id domain.StreamID) string {
	return r.prefix + string(id)
}

func (r *RedisSessionRegistry) viewersKey(id domain.StreamID) string {
	return r.prefix + string(id) + ":viewers"
}

func (r *RedisSessionRegistry) activeKey() string {
	return r.prefix + "active"
}

func (r *RedisSessionRegistry) hostsKey() string {
	return r.prefix + "hosts"
}

// execute runs fn through the circuit breaker. Domain sentinels are expected
// outcomes, not Redis failures, so they must not count against the breaker.
func (r *RedisSessionRegistry) execute(ctx context.Context, fn func() error) error {
	if r.breaker == nil {
		return fn()
	}
	var domainErr error
	err := r.breaker.Execute(func() error {
		err := fn()
		if errors.Is(err, domain.ErrStreamNotFound) || errors.Is(err, domain.ErrStreamExists) {
			domainErr = err
			return nil
		}
		return err
	})
	if domainErr != nil {
		return domainErr
	}
	return err
}

func (r *RedisSessionRegistry) Create(ctx context.Context, s *domain.StreamSession) error {
	data, err := json.Marshal(sessionRecord{
		Host:      string(s.Host),
		StartedAt: s.StartedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	return r.execute(ctx, func() error {
		// SetNX makes duplicate stream ids lose the race.
		ok, err := r.client.SetNX(ctx, r.sessionKey(s.ID), data, 0).Result()
		if err != nil {
			return fmt.Errorf("failed to set session in Redis: %w", err)
		}
		if !ok {
			return domain.ErrStreamExists
		}

		pipe := r.client.Pipeline()
		pipe.SAdd(ctx, r.activeKey(), string(s.ID))
		pipe.HSet(ctx, r.hostsKey(), string(s.Host), string(s.ID))
		for i, v := range s.Viewers {
			pipe.ZAddNX(ctx, r.viewersKey(s.ID), redis.Z{
				Score:  float64(i),
				Member: string(v),
			})
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to index session in Redis: %w", err)
		}
		return nil
	})
}

func (r *RedisSessionRegistry) Get(ctx context.Context, id domain.StreamID) (*domain.StreamSession, error) {
	var session *domain.StreamSession
	err := r.execute(ctx, func() error {
		var err error
		session, err = r.get(ctx, id)
		return err
	})
	return session, err
}

func (r *RedisSessionRegistry) get(ctx context.Context, id domain.StreamID) (*domain.StreamSession, error) {
	data, err := r.client.Get(ctx, r.sessionKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrStreamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session from Redis: %w", err)
	}

	var rec sessionRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	members, err := r.client.ZRange(ctx, r.viewersKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get viewers from Redis: %w", err)
	}

	viewers := make([]domain.ConnID, len(members))
	for i, m := range members {
		viewers[i] = domain.ConnID(m)
	}

	return &domain.StreamSession{
		ID:        id,
		Host:      domain.ConnID(rec.Host),
		Viewers:   viewers,
		StartedAt: rec.StartedAt,
	}, nil
}

func (r *RedisSessionRegistry) Remove(ctx context.Context, id domain.StreamID) error {
	return r.execute(ctx, func() error {
		session, err := r.get(ctx, id)
		if errors.Is(err, domain.ErrStreamNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		pipe := r.client.Pipeline()
		pipe.SRem(ctx, r.activeKey(), string(id))
		pipe.HDel(ctx, r.hostsKey(), string(session.Host))
		pipe.Del(ctx, r.viewersKey(id))
		pipe.Del(ctx, r.sessionKey(id))
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to delete session from Redis: %w", err)
		}
		return nil
	})
}

func (r *RedisSessionRegistry) ReplaceHost(ctx context.Context, id domain.StreamID, host domain.ConnID) error {
	return r.execute(ctx, func() error {
		session, err := r.get(ctx, id)
		if err != nil {
			return err
		}

		data, err := json.Marshal(sessionRecord{
			Host:      string(host),
			StartedAt: session.StartedAt,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}

		pipe := r.client.Pipeline()
		pipe.Set(ctx, r.sessionKey(id), data, 0)
		pipe.HDel(ctx, r.hostsKey(), string(session.Host))
		pipe.HSet(ctx, r.hostsKey(), string(host), string(id))
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to replace host in Redis: %w", err)
		}
		return nil
	})
}

func (r *RedisSessionRegistry) AddViewer(ctx context.Context, id domain.StreamID, viewer domain.ConnID) (int, error) {
	var count int
	err := r.execute(ctx, func() error {
		// NX keeps the original join-time score on a duplicate join.
		score := time.Now().UnixNano()
		n, err := addViewerScript.Run(ctx, r.client,
			[]string{r.sessionKey(id), r.viewersKey(id)},
			score, string(viewer)).Int()
		if err != nil {
			return fmt.Errorf("failed to add viewer in Redis: %w", err)
		}
		if n < 0 {
			return domain.ErrStreamNotFound
		}
		count = n
		return nil
	})
	return count, err
}

func (r *RedisSessionRegistry) RemoveViewer(ctx context.Context, id domain.StreamID, viewer domain.ConnID) (int, error) {
	var count int
	err := r.execute(ctx, func() error {
		n, err := removeViewerScript.Run(ctx, r.client,
			[]string{r.sessionKey(id), r.viewersKey(id)},
			string(viewer)).Int()
		if err != nil {
			return fmt.Errorf("failed to remove viewer in Redis: %w", err)
		}
		if n < 0 {
			return domain.ErrStreamNotFound
		}
		count = n
		return nil
	})
	return count, err
}

func (r *RedisSessionRegistry) FindByHost(ctx context.Context, host domain.ConnID) (*domain.StreamSession, error) {
	var session *domain.StreamSession
	err := r.execute(ctx, func() error {
		id, err := r.client.HGet(ctx, r.hostsKey(), string(host)).Result()
		if errors.Is(err, redis.Nil) {
			return domain.ErrStreamNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to look up host in Redis: %w", err)
		}
		session, err = r.get(ctx, domain.StreamID(id))
		return err
	})
	return session, err
}

func (r *RedisSessionRegistry) FindByViewer(ctx context.Context, viewer domain.ConnID) ([]*domain.StreamSession, error) {
	var sessions []*domain.StreamSession
	err := r.execute(ctx, func() error {
		ids, err := r.client.SMembers(ctx, r.activeKey()).Result()
		if err != nil {
			return fmt.Errorf("failed to get active sessions from Redis: %w", err)
		}
		for _, id := range ids {
			err := r.client.ZScore(ctx, r.viewersKey(domain.StreamID(id)), string(viewer)).Err()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to check viewer in Redis: %w", err)
			}
			session, err := r.get(ctx, domain.StreamID(id))
			if errors.Is(err, domain.ErrStreamNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			sessions = append(sessions, session)
		}
		return nil
	})
	return sessions, err
}

func (r *RedisSessionRegistry) ListActive(ctx context.Context) ([]*domain.StreamSession, error) {
	var sessions []*domain.StreamSession
	err := r.execute(ctx, func() error {
		ids, err := r.client.SMembers(ctx, r.activeKey()).Result()
		if err != nil {
			return fmt.Errorf("failed to get active sessions from Redis: %w", err)
		}
		sessions = make([]*domain.StreamSession, 0, len(ids))
		for _, id := range ids {
			session, err := r.get(ctx, domain.StreamID(id))
			if errors.Is(err, domain.ErrStreamNotFound) {
				// Session key expired between SMembers and Get.
				continue
			}
			if err != nil {
				return err
			}
			sessions = append(sessions, session)
		}
		return nil
	})
	return sessions, err
}

func (r *RedisSessionRegistry) HealthCheck(ctx context.Context) error {
	return r.execute(ctx, func() error {
		return r.client.Ping(ctx).Err()
	})
}
