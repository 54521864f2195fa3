// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package columnstore

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"

	"github.com/hemant/cassq/internal/errors"
	"github.com/hemant/cassq/internal/timeutil"
)

// RedisStore implements Store on Redis.
//
// Each row maps to three keys sharing a hash tag so they land on one
// cluster slot: a sorted set holding column names (score 0, ordered by
// lex), a hash of column values, and a hash of column write timestamps.
// Row TTL is a PEXPIRE over all three keys. Last-write-wins and
// put-if-absent are enforced server side with Lua.
type RedisStore struct {
	client   redis.UniversalClient
	keyspace string
	clock    timeutil.Clock
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisClock substitutes the wall clock used for default column
// timestamps.
func WithRedisClock(c timeutil.Clock) RedisOption {
	return func(s *RedisStore) { s.clock = c }
}

// NewRedisStore creates a Store backed by the given Redis client.
// The keyspace prefixes every key this store touches.
func NewRedisStore(client redis.UniversalClient, keyspace string, opts ...RedisOption) *RedisStore {
	if keyspace == "" {
		keyspace = "cassq"
	}
	s := &RedisStore{
		client:   client,
		keyspace: keyspace,
		clock:    timeutil.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) colsKey(row string) string { return s.keyspace + ":{" + row + "}:c" }
func (s *RedisStore) valsKey(row string) string { return s.keyspace + ":{" + row + "}:v" }
func (s *RedisStore) tsKey(row string) string   { return s.keyspace + ":{" + row + "}:t" }
func (s *RedisStore) rowsKey() string           { return s.keyspace + ":rows" }

// putCmd writes one column with last-write-wins by timestamp.
//
// KEYS[1] -> column name sorted set
// KEYS[2] -> value hash
// KEYS[3] -> timestamp hash
// KEYS[4] -> row registry set
// ARGV[1] -> column name
// ARGV[2] -> column value
// ARGV[3] -> write timestamp (ticks)
// ARGV[4] -> row ttl in milliseconds (0 = keep)
// ARGV[5] -> row key
var putCmd = redis.NewScript(`
local old = redis.call("HGET", KEYS[3], ARGV[1])
if old and tonumber(old) > tonumber(ARGV[3]) then
	return 0
end
redis.call("HSET", KEYS[2], ARGV[1], ARGV[2])
redis.call("HSET", KEYS[3], ARGV[1], ARGV[3])
redis.call("ZADD", KEYS[1], 0, ARGV[1])
redis.call("SADD", KEYS[4], ARGV[5])
if tonumber(ARGV[4]) > 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[4])
	redis.call("PEXPIRE", KEYS[2], ARGV[4])
	redis.call("PEXPIRE", KEYS[3], ARGV[4])
end
return 1
`)

// putIfAbsentCmd is putCmd guarded by column absence.
//
// Same KEYS/ARGV layout as putCmd.
var putIfAbsentCmd = redis.NewScript(`
if redis.call("HEXISTS", KEYS[2], ARGV[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[2], ARGV[1], ARGV[2])
redis.call("HSET", KEYS[3], ARGV[1], ARGV[3])
redis.call("ZADD", KEYS[1], 0, ARGV[1])
redis.call("SADD", KEYS[4], ARGV[5])
if tonumber(ARGV[4]) > 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[4])
	redis.call("PEXPIRE", KEYS[2], ARGV[4])
	redis.call("PEXPIRE", KEYS[3], ARGV[4])
end
return 1
`)

// putIfEqualCmd is putCmd guarded by the column's current value.
//
// Same KEYS/ARGV layout as putCmd, plus ARGV[6] -> expected value.
var putIfEqualCmd = redis.NewScript(`
if redis.call("HGET", KEYS[2], ARGV[1]) ~= ARGV[6] then
	return 0
end
redis.call("HSET", KEYS[2], ARGV[1], ARGV[2])
redis.call("HSET", KEYS[3], ARGV[1], ARGV[3])
redis.call("ZADD", KEYS[1], 0, ARGV[1])
redis.call("SADD", KEYS[4], ARGV[5])
if tonumber(ARGV[4]) > 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[4])
	redis.call("PEXPIRE", KEYS[2], ARGV[4])
	redis.call("PEXPIRE", KEYS[3], ARGV[4])
end
return 1
`)

// deleteColumnIfEqualCmd removes one column guarded by its current value,
// dropping the row's keys entirely once the last column is gone.
//
// KEYS[1] -> column name sorted set
// KEYS[2] -> value hash
// KEYS[3] -> timestamp hash
// KEYS[4] -> row registry set
// ARGV[1] -> column name
// ARGV[2] -> expected value
// ARGV[3] -> row key
var deleteColumnIfEqualCmd = redis.NewScript(`
if redis.call("HGET", KEYS[2], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("HDEL", KEYS[2], ARGV[1])
redis.call("HDEL", KEYS[3], ARGV[1])
if redis.call("HLEN", KEYS[2]) == 0 then
	redis.call("DEL", KEYS[1], KEYS[2], KEYS[3])
	redis.call("SREM", KEYS[4], ARGV[3])
end
return 1
`)

func (s *RedisStore) runPut(ctx context.Context, script *redis.Script, row string, col Column, ttl time.Duration) (bool, error) {
	if col.Timestamp == 0 {
		col.Timestamp = s.clock.Now().UnixNano()
	}
	keys := []string{s.colsKey(row), s.valsKey(row), s.tsKey(row), s.rowsKey()}
	argv := []interface{}{col.Name, col.Value, col.Timestamp, ttl.Milliseconds(), row}
	res, err := script.Run(ctx, s.client, keys, argv...).Result()
	if err != nil {
		return false, errors.E(errors.Op("columnstore.Put"), errors.Unavailable, err)
	}
	return cast.ToInt64(res) == 1, nil
}

func (s *RedisStore) Put(ctx context.Context, row string, col Column, ttl time.Duration) error {
	_, err := s.runPut(ctx, putCmd, row, col, ttl)
	return err
}

func (s *RedisStore) PutBatch(ctx context.Context, row string, cols []Column, ttl time.Duration) error {
	for _, col := range cols {
		if err := s.Put(ctx, row, col, ttl); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisStore) PutIfAbsent(ctx context.Context, row string, col Column, ttl time.Duration) (bool, error) {
	return s.runPut(ctx, putIfAbsentCmd, row, col, ttl)
}

func (s *RedisStore) PutIfEqual(ctx context.Context, row string, col Column, expected []byte, ttl time.Duration) (bool, error) {
	if col.Timestamp == 0 {
		col.Timestamp = s.clock.Now().UnixNano()
	}
	keys := []string{s.colsKey(row), s.valsKey(row), s.tsKey(row), s.rowsKey()}
	argv := []interface{}{col.Name, col.Value, col.Timestamp, ttl.Milliseconds(), row, expected}
	res, err := putIfEqualCmd.Run(ctx, s.client, keys, argv...).Result()
	if err != nil {
		return false, errors.E(errors.Op("columnstore.PutIfEqual"), errors.Unavailable, err)
	}
	return cast.ToInt64(res) == 1, nil
}

func (s *RedisStore) DeleteColumnIfEqual(ctx context.Context, row, name string, expected []byte) (bool, error) {
	keys := []string{s.colsKey(row), s.valsKey(row), s.tsKey(row), s.rowsKey()}
	argv := []interface{}{name, expected, row}
	res, err := deleteColumnIfEqualCmd.Run(ctx, s.client, keys, argv...).Result()
	if err != nil {
		return false, errors.E(errors.Op("columnstore.DeleteColumnIfEqual"), errors.Unavailable, err)
	}
	return cast.ToInt64(res) == 1, nil
}

func (s *RedisStore) GetColumn(ctx context.Context, row, name string) (Column, error) {
	pipe := s.client.Pipeline()
	valCmd := pipe.HGet(ctx, s.valsKey(row), name)
	tsCmd := pipe.HGet(ctx, s.tsKey(row), name)
	_, err := pipe.Exec(ctx)
	if err == redis.Nil {
		return Column{}, errors.ErrColumnNotFound
	}
	if err != nil {
		return Column{}, errors.E(errors.Op("columnstore.GetColumn"), errors.Unavailable, err)
	}
	val, err := valCmd.Bytes()
	if err != nil {
		return Column{}, errors.ErrColumnNotFound
	}
	return Column{
		Name:      name,
		Value:     val,
		Timestamp: cast.ToInt64(tsCmd.Val()),
	}, nil
}

func (s *RedisStore) GetRange(ctx context.Context, row, exclusiveStart, inclusiveEnd string, limit int, reverse bool) ([]Column, error) {
	const op = errors.Op("columnstore.GetRange")
	min := "-"
	if exclusiveStart != "" {
		min = "(" + exclusiveStart
	}
	max := "+"
	if inclusiveEnd != "" {
		max = "[" + inclusiveEnd
	}
	count := int64(limit)
	if limit <= 0 {
		count = -1
	}
	var names []string
	var err error
	if reverse {
		names, err = s.client.ZRevRangeByLex(ctx, s.colsKey(row), &redis.ZRangeBy{Min: min, Max: max, Offset: 0, Count: count}).Result()
	} else {
		names, err = s.client.ZRangeByLex(ctx, s.colsKey(row), &redis.ZRangeBy{Min: min, Max: max, Offset: 0, Count: count}).Result()
	}
	if err != nil {
		return nil, errors.E(op, errors.Unavailable, err)
	}
	if len(names) == 0 {
		return nil, nil
	}
	vals, err := s.client.HMGet(ctx, s.valsKey(row), names...).Result()
	if err != nil {
		return nil, errors.E(op, errors.Unavailable, err)
	}
	tss, err := s.client.HMGet(ctx, s.tsKey(row), names...).Result()
	if err != nil {
		return nil, errors.E(op, errors.Unavailable, err)
	}
	out := make([]Column, 0, len(names))
	for i, name := range names {
		if vals[i] == nil {
			// Name present in the index but value already gone; skip.
			continue
		}
		out = append(out, Column{
			Name:      name,
			Value:     []byte(cast.ToString(vals[i])),
			Timestamp: cast.ToInt64(tss[i]),
		})
	}
	return out, nil
}

func (s *RedisStore) DeleteColumn(ctx context.Context, row, name string) error {
	pipe := s.client.Pipeline()
	pipe.ZRem(ctx, s.colsKey(row), name)
	pipe.HDel(ctx, s.valsKey(row), name)
	pipe.HDel(ctx, s.tsKey(row), name)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.E(errors.Op("columnstore.DeleteColumn"), errors.Unavailable, err)
	}
	return nil
}

func (s *RedisStore) DeleteRow(ctx context.Context, row string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.colsKey(row), s.valsKey(row), s.tsKey(row))
	pipe.SRem(ctx, s.rowsKey(), row)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.E(errors.Op("columnstore.DeleteRow"), errors.Unavailable, err)
	}
	return nil
}

func (s *RedisStore) ListRows(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.client.SMembers(ctx, s.rowsKey()).Result()
	if err != nil {
		return nil, errors.E(errors.Op("columnstore.ListRows"), errors.Unavailable, err)
	}
	out := rows[:0]
	for _, row := range rows {
		if strings.HasPrefix(row, prefix) {
			out = append(out, row)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return errors.E(errors.Op("columnstore.Ping"), errors.Unavailable, err)
	}
	return nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
