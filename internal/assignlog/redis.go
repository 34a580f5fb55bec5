package assignlog

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultRedisKey  = "fleetsync:assignment_log"
	DefaultRedisKeep = 1000
)

// RedisSink mirrors the most recent entries into a capped Redis list so other
// processes can tail the audit trail.
type RedisSink struct {
	rdb  *redis.Client
	key  string
	keep int64
}

func NewRedisSink(rdb *redis.Client, key string, keep int) *RedisSink {
	if key == "" {
		key = DefaultRedisKey
	}
	if keep <= 0 {
		keep = DefaultRedisKeep
	}
	return &RedisSink{rdb: rdb, key: key, keep: int64(keep)}
}

func (s *RedisSink) Write(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, s.key, data)
	pipe.LTrim(ctx, s.key, -s.keep, -1)
	_, err = pipe.Exec(ctx)
	return err
}

// Recent returns up to n of the newest mirrored entries, oldest first.
func (s *RedisSink) Recent(ctx context.Context, n int64) ([]Entry, error) {
	raw, err := s.rdb.LRange(ctx, s.key, -n, -1).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(raw))
	for _, r := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}
