package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/paddock-ci/paddock/internal/fleet"
)

const (
	runnerKeyPrefix = "paddock:runner:"
	groupKeyPrefix  = "paddock:group:"
	nameKeyPrefix   = "paddock:runnername:"

	// updateRetries bounds the optimistic WATCH/MULTI loop.  Every
	// failed EXEC means some other writer committed, so the budget only
	// needs to exceed the number of concurrent writers of one key --
	// in practice the reconciler (serialized per group) plus a couple
	// of event handlers.
	updateRetries = 16
)

// Redis is a Store backed by a Redis server.  Each runner lives at
// paddock:runner:<id> as a JSON value, with a per-group id set and a
// name index alongside.  All three keys are written in one MULTI so
// readers never see a half-indexed runner.
type Redis struct {
	client *redis.Client
}

// Compile-time check that Redis satisfies the Store interface.
var _ Store = (*Redis)(nil)

// NewRedis creates a Redis store from a Redis URL
// (redis://[user:pass@]host:port/db).  Reachability is checked by
// Ping, not here, so construction works before the server is up.
func NewRedis(url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	return &Redis{client: redis.NewClient(opts)}, nil
}

func (s *Redis) Get(ctx context.Context, id string) (*fleet.Runner, error) {
	data, err := s.client.Get(ctx, runnerKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get runner %s: %w", id, err)
	}
	return decodeRunner(data)
}

func (s *Redis) FindByName(ctx context.Context, name string) (*fleet.Runner, error) {
	id, err := s.client.Get(ctx, nameKey(name)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis resolve runner name %s: %w", name, err)
	}
	return s.Get(ctx, id)
}

func (s *Redis) List(ctx context.Context, group string) ([]*fleet.Runner, error) {
	var keys []string
	if group != "" {
		ids, err := s.client.SMembers(ctx, groupKey(group)).Result()
		if err != nil {
			return nil, fmt.Errorf("redis list group %s: %w", group, err)
		}
		keys = make([]string, 0, len(ids))
		for _, id := range ids {
			keys = append(keys, runnerKey(id))
		}
	} else {
		iter := s.client.Scan(ctx, 0, runnerKeyPrefix+"*", 0).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return nil, fmt.Errorf("redis scan runners: %w", err)
		}
	}

	runners := make([]*fleet.Runner, 0, len(keys))
	if len(keys) == 0 {
		return runners, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis fetch runners: %w", err)
	}
	for _, value := range values {
		// A nil entry is an id whose record was deleted between the
		// index read and the fetch; skip it.
		raw, ok := value.(string)
		if !ok {
			continue
		}
		runner, err := decodeRunner([]byte(raw))
		if err != nil {
			return nil, err
		}
		runners = append(runners, runner)
	}
	return runners, nil
}

func (s *Redis) Upsert(ctx context.Context, runner *fleet.Runner) error {
	payload, err := json.Marshal(runner)
	if err != nil {
		return fmt.Errorf("encode runner %s: %w", runner.ID, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, runnerKey(runner.ID), payload, 0)
		pipe.SAdd(ctx, groupKey(runner.Group), runner.ID)
		pipe.Set(ctx, nameKey(runner.Name), runner.ID, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis upsert runner %s: %w", runner.ID, err)
	}
	return nil
}

func (s *Redis) Update(ctx context.Context, id string, fn func(*fleet.Runner) error) (*fleet.Runner, error) {
	var updated *fleet.Runner

	for attempt := 0; attempt < updateRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, runnerKey(id)).Bytes()
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("redis get runner %s: %w", id, err)
			}

			runner, err := decodeRunner(data)
			if err != nil {
				return err
			}
			if err := fn(runner); err != nil {
				return err
			}

			payload, err := json.Marshal(runner)
			if err != nil {
				return fmt.Errorf("encode runner %s: %w", id, err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, runnerKey(id), payload, 0)
				pipe.SAdd(ctx, groupKey(runner.Group), runner.ID)
				pipe.Set(ctx, nameKey(runner.Name), runner.ID, 0)
				return nil
			})
			if err != nil {
				return err
			}
			updated = runner
			return nil
		}, runnerKey(id))

		if errors.Is(err, redis.TxFailedErr) {
			// Another writer touched the key between GET and EXEC;
			// re-read and reapply fn.
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}

	return nil, fmt.Errorf("redis update runner %s: gave up after %d contended attempts", id, updateRetries)
}

func (s *Redis) Delete(ctx context.Context, id string) error {
	// Read first so the group set and name index can be cleaned in the
	// same MULTI.  A missing record is a no-op.
	runner, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, runnerKey(id))
		pipe.SRem(ctx, groupKey(runner.Group), id)
		pipe.Del(ctx, nameKey(runner.Name))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete runner %s: %w", id, err)
	}
	return nil
}

func (s *Redis) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Redis) Close() error {
	return s.client.Close()
}

func runnerKey(id string) string { return runnerKeyPrefix + id }
func groupKey(g string) string   { return groupKeyPrefix + g }
func nameKey(name string) string { return nameKeyPrefix + name }

func decodeRunner(data []byte) (*fleet.Runner, error) {
	var runner fleet.Runner
	if err := json.Unmarshal(data, &runner); err != nil {
		return nil, fmt.Errorf("decode runner record: %w", err)
	}
	return &runner, nil
}
