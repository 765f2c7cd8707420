package store

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix     = "rt:"
	changeChannel = "rt:changes"
)

// Redis implements Store on top of a Redis instance. Records are JSON blobs
// under rt:{collection}:{id}; every mutation publishes the changed path on a
// pub/sub channel and subscribers re-read the full collection, which gives
// the same full-snapshot-per-change feed the upstream realtime store emits.
type Redis struct {
	rdb *r.Client
	log *zap.Logger
}

func NewRedis(ctx context.Context, addr, password string, log *zap.Logger) (*Redis, error) {
	rdb := r.NewClient(&r.Options{Addr: addr, Password: password})
	ping := func() error { return rdb.Ping(ctx).Err() }
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(ping, bo); err != nil {
		return nil, errors.Wrap(err, "redis ping")
	}
	return &Redis{rdb: rdb, log: log}, nil
}

func (s *Redis) Close() error { return s.rdb.Close() }

func key(path string) string {
	return keyPrefix + strings.ReplaceAll(path, "/", ":")
}

func (s *Redis) Write(ctx context.Context, path string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "marshal %s", path)
	}
	if err := s.rdb.Set(ctx, key(path), b, 0).Err(); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return s.notify(ctx, path)
}

// Update is read-merge-write, not a transaction. The upstream store has the
// same semantics; concurrent patches to one record can interleave.
func (s *Redis) Update(ctx context.Context, path string, fields map[string]interface{}) error {
	raw, err := s.rdb.Get(ctx, key(path)).Bytes()
	cur := map[string]interface{}{}
	switch {
	case err == r.Nil:
	case err != nil:
		return errors.Wrapf(err, "read %s", path)
	default:
		if err := json.Unmarshal(raw, &cur); err != nil {
			return errors.Wrapf(err, "decode %s", path)
		}
	}
	for k, v := range fields {
		cur[k] = v
	}
	b, err := json.Marshal(cur)
	if err != nil {
		return errors.Wrapf(err, "marshal %s", path)
	}
	if err := s.rdb.Set(ctx, key(path), b, 0).Err(); err != nil {
		return errors.Wrapf(err, "update %s", path)
	}
	return s.notify(ctx, path)
}

func (s *Redis) Delete(ctx context.Context, path string) error {
	if err := s.rdb.Del(ctx, key(path)).Err(); err != nil {
		return errors.Wrapf(err, "delete %s", path)
	}
	return s.notify(ctx, path)
}

func (s *Redis) Read(ctx context.Context, path string, dst interface{}) (bool, error) {
	raw, err := s.rdb.Get(ctx, key(path)).Bytes()
	if err == r.Nil {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "read %s", path)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, errors.Wrapf(err, "decode %s", path)
	}
	return true, nil
}

func (s *Redis) List(ctx context.Context, path string) (Snapshot, error) {
	prefix := key(path) + ":"
	var keys []string
	iter := s.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrapf(err, "scan %s", path)
	}
	snap := make(Snapshot, len(keys))
	if len(keys) == 0 {
		return snap, nil
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "mget %s", path)
	}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			// key deleted between SCAN and MGET
			continue
		}
		id := strings.TrimPrefix(keys[i], prefix)
		snap[id] = json.RawMessage(str)
	}
	return snap, nil
}

func (s *Redis) Subscribe(ctx context.Context, path string, fn func(Snapshot)) (func(), error) {
	ps := s.rdb.Subscribe(ctx, changeChannel)
	// Force the SUBSCRIBE handshake so a dead Redis fails here, not later.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errors.Wrap(err, "subscribe")
	}

	done := make(chan struct{})
	var once sync.Once
	go func() {
		// Initial snapshot, then one re-read per relevant change.
		if snap, err := s.List(ctx, path); err == nil {
			fn(snap)
		} else {
			s.log.Warn("initial snapshot read failed",
				zap.String("path", path), zap.Error(err))
		}
		ch := ps.Channel()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				changed := msg.Payload
				if changed != path && !strings.HasPrefix(changed, path+"/") {
					continue
				}
				snap, err := s.List(ctx, path)
				if err != nil {
					// Subscribers stay on the previous snapshot until the
					// next change notification triggers a re-read.
					s.log.Warn("dropping change snapshot",
						zap.String("path", path), zap.Error(err))
					continue
				}
				fn(snap)
			}
		}
	}()

	unsub := func() {
		once.Do(func() {
			close(done)
			_ = ps.Close()
		})
	}
	return unsub, nil
}

func (s *Redis) notify(ctx context.Context, path string) error {
	// Give the publish its own short deadline so a slow notify cannot pin a
	// job-processing write.
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.rdb.Publish(ctx, changeChannel, path).Err(); err != nil {
		return errors.Wrapf(err, "notify %s", path)
	}
	return nil
}
