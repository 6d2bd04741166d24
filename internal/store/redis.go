package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/TimurManjosov/goautorun/internal/session"
	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "autorun:"

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore keeps each session record as a JSON string, its events in a list,
// and a sorted set of session ids scored by hook time. Keys carry no TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// OpenRedis connects to Redis and verifies connectivity.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisStore(client, cfg.KeyPrefix), nil
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) sessionKey(id string) string { return r.prefix + "session:" + id }
func (r *RedisStore) eventsKey(id string) string  { return r.prefix + "events:" + id }
func (r *RedisStore) indexKey() string            { return r.prefix + "sessions" }

func (r *RedisStore) RecordHook(ctx context.Context, info session.Info) error {
	rec := hookRecord(info)
	recJSON, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	evJSON, err := json.Marshal(Event{Kind: EventHook, At: rec.HookedAt, State: rec.State})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.sessionKey(rec.ID), recJSON, 0)
		pipe.ZAdd(ctx, r.indexKey(), redis.Z{Score: float64(rec.HookedAt.UnixNano()), Member: rec.ID})
		pipe.RPush(ctx, r.eventsKey(rec.ID), evJSON)
		return nil
	})
	return err
}

// RecordState updates the session record with an optimistic WATCH transaction.
func (r *RedisStore) RecordState(ctx context.Context, sessionID string, state session.State, at time.Time) error {
	at = at.UTC()
	evJSON, err := json.Marshal(Event{Kind: EventState, At: at, State: state})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	key := r.sessionKey(sessionID)
	return r.client.Watch(ctx, func(tx *redis.Tx) error {
		rec := SessionRecord{ID: sessionID}
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("decode session: %w", err)
			}
		}
		rec.State = state
		rec.UpdatedAt = at
		recJSON, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, recJSON, 0)
			pipe.RPush(ctx, r.eventsKey(sessionID), evJSON)
			return nil
		})
		return err
	}, key)
}

func (r *RedisStore) RecordCommand(ctx context.Context, sessionID string, cmd session.Command) error {
	return r.pushEvent(ctx, sessionID, commandEvent(cmd))
}

func (r *RedisStore) RecordResult(ctx context.Context, sessionID string, res session.Result) error {
	return r.pushEvent(ctx, sessionID, resultEvent(res))
}

func (r *RedisStore) pushEvent(ctx context.Context, sessionID string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return r.client.RPush(ctx, r.eventsKey(sessionID), data).Err()
}

func (r *RedisStore) Sessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := r.client.ZRevRange(ctx, r.indexKey(), 0, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([]SessionRecord, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.sessionKey(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue // indexed but record missing
		}
		var rec SessionRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *RedisStore) History(ctx context.Context, sessionID string) (*History, error) {
	data, err := r.client.Get(ctx, r.sessionKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	h := &History{Events: make([]Event, 0)}
	if err := json.Unmarshal(data, &h.Session); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}

	raw, err := r.client.LRange(ctx, r.eventsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	for _, s := range raw {
		var ev Event
		if err := json.Unmarshal([]byte(s), &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		h.Events = append(h.Events, ev)
	}
	return h, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
