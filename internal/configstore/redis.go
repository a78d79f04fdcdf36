package configstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const maxTxRetries = 8

// RedisStore keeps the session list in Redis: a hash from id to description plus a list that
// records insertion order. Both keys change together inside a WATCH/MULTI transaction.
type RedisStore struct {
	client   redis.UniversalClient
	hashKey  string
	orderKey string
}

// NewRedisStore returns a store that keeps its keys under prefix
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{
		client:   client,
		hashKey:  prefix + ":entries",
		orderKey: prefix + ":order",
	}
}

func (s *RedisStore) List(ctx context.Context) ([]Entry, error) {
	ids, err := s.client.LRange(ctx, s.orderKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis session list: %w", err)
	}
	if len(ids) == 0 {
		return []Entry{}, nil
	}

	descriptions, err := s.client.HMGet(ctx, s.hashKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis session list: %w", err)
	}

	entries := make([]Entry, 0, len(ids))
	for i, id := range ids {
		if descriptions[i] == nil {
			// order list and hash are out of sync; the hash wins
			continue
		}
		desc, _ := descriptions[i].(string)
		entries = append(entries, Entry{SessionID: id, Description: desc})
	}
	return entries, nil
}

func (s *RedisStore) AddIfAbsent(ctx context.Context, e Entry) (bool, error) {
	if err := validate(e); err != nil {
		return false, err
	}

	var added bool
	err := s.transact(ctx, func(tx *redis.Tx) error {
		added = false
		exists, err := tx.HExists(ctx, s.hashKey, e.SessionID).Result()
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.hashKey, e.SessionID, e.Description)
			pipe.RPush(ctx, s.orderKey, e.SessionID)
			return nil
		})
		if err == nil {
			added = true
		}
		return err
	})
	if err != nil {
		return false, fmt.Errorf("redis add session %s: %w", e.SessionID, err)
	}
	return added, nil
}

func (s *RedisStore) Remove(ctx context.Context, sessionID string) error {
	err := s.transact(ctx, func(tx *redis.Tx) error {
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, s.hashKey, sessionID)
			pipe.LRem(ctx, s.orderKey, 0, sessionID)
			return nil
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("redis remove session %s: %w", sessionID, err)
	}
	return nil
}

// transact runs fn under WATCH of both keys, retrying when another writer got in between
func (s *RedisStore) transact(ctx context.Context, fn func(tx *redis.Tx) error) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, fn, s.hashKey, s.orderKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return redis.TxFailedErr
}
