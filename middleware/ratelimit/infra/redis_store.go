package infra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"guard-gateway/middleware/ratelimit/domain"

	"github.com/redis/go-redis/v9"
)

// RedisStore implementa domain.Store sobre Redis, compartilhado entre processos.
//
// Toda mutação é um primitivo atômico do Redis (script Lua ou SET NX); não há
// lock distribuído. Layout das chaves (prefixo padrão "guard"):
//
//	<prefix>:ctr:<limitKey>   contador da janela (string + PEXPIRE)
//	<prefix>:vio:<limitKey>   violações (hash count/last + PEXPIRE de inatividade)
//	<prefix>:ovr:<limitKey>   override adaptativo (hash + PEXPIRE)
//	<prefix>:blk:<address>    bloqueio (JSON + PX)
//	<prefix>:sus              endereços suspeitos (zset, score = expiração em ms)
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

var _ domain.Store = (*RedisStore)(nil)

type RedisStoreOption func(*RedisStore)

func WithKeyPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) {
		if p := strings.Trim(prefix, ":"); p != "" {
			s.prefix = p
		}
	}
}

// WithRedisClock troca o relógio usado para avaliar expiração na leitura.
func WithRedisClock(now func() time.Time) RedisStoreOption {
	return func(s *RedisStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewRedisStore(rdb redis.UniversalClient, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{rdb: rdb, prefix: "guard", now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var (
	// INCR + PEXPIRE só no primeiro hit; devolve o TTL restante junto.
	incrementScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if tonumber(current) == 1 or tonumber(ttl) < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

	violationScript = redis.NewScript(`
local count = redis.call("HINCRBY", KEYS[1], "count", 1)
redis.call("HSET", KEYS[1], "last", ARGV[1])
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return count
`)

	// Compare-and-set "tighter-of": nunca afrouxa um override ativo.
	tightenScript = redis.NewScript(`
local cur = redis.call("HMGET", KEYS[1], "max", "window", "level", "applied", "expires")
local cmax = tonumber(cur[1])
local cwin = tonumber(cur[2])
local cexp = tonumber(cur[5])
local pmax = tonumber(ARGV[1])
local pwin = tonumber(ARGV[2])
local replace = false
if cmax == nil or cwin == nil or cexp == nil or cmax < 1 or cwin <= 0 or cexp <= tonumber(ARGV[6]) then
	replace = true
elseif pmax < cmax or (pmax == cmax and pwin > cwin) then
	replace = true
end
if replace then
	redis.call("DEL", KEYS[1])
	redis.call("HSET", KEYS[1], "max", ARGV[1], "window", ARGV[2], "level", ARGV[3], "applied", ARGV[4], "expires", ARGV[5])
	redis.call("PEXPIRE", KEYS[1], ARGV[7])
	return {1, ARGV[1], ARGV[2], ARGV[3], ARGV[4], ARGV[5]}
end
return {0, cur[1], cur[2], cur[3] or "0", cur[4] or "0", cur[5]}
`)

	suspiciousScript = redis.NewScript(`
local cur = redis.call("ZSCORE", KEYS[1], ARGV[1])
redis.call("ZADD", KEYS[1], ARGV[2], ARGV[1])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[3])
if cur and tonumber(cur) > tonumber(ARGV[3]) then
	return 0
end
return 1
`)
)

func (s *RedisStore) key(kind, id string) string {
	return s.prefix + ":" + kind + ":" + id
}

func (s *RedisStore) suspiciousKey() string { return s.prefix + ":sus" }

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("redis %s: %w: %w", op, domain.ErrStoreUnavailable, err)
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return unavailable("ping", s.rdb.Ping(ctx).Err())
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := incrementScript.Run(ctx, s.rdb, []string{s.key("ctr", key)}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, unavailable("increment", err)
	}
	if len(res) != 2 {
		return 0, 0, unavailable("increment", fmt.Errorf("unexpected script reply %v", res))
	}
	return res[0], time.Duration(res[1]) * time.Millisecond, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.Get(ctx, s.key("ctr", key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, unavailable("get", err)
}

func (s *RedisStore) Reset(ctx context.Context, key string) error {
	return unavailable("reset", s.rdb.Del(ctx, s.key("ctr", key)).Err())
}

func (s *RedisStore) RecordViolation(ctx context.Context, key string, at time.Time, inactivityTTL time.Duration) (domain.ViolationRecord, error) {
	n, err := violationScript.Run(ctx, s.rdb, []string{s.key("vio", key)}, at.UnixMilli(), inactivityTTL.Milliseconds()).Int64()
	if err != nil {
		return domain.ViolationRecord{}, unavailable("record violation", err)
	}
	return domain.ViolationRecord{Key: key, Count: n, LastViolationAt: at}, nil
}

func (s *RedisStore) Violations(ctx context.Context, key string) (domain.ViolationRecord, error) {
	vals, err := s.rdb.HMGet(ctx, s.key("vio", key), "count", "last").Result()
	if err != nil {
		return domain.ViolationRecord{}, unavailable("violations", err)
	}
	return parseViolation(key, vals), nil
}

func parseViolation(key string, vals []any) domain.ViolationRecord {
	rec := domain.ViolationRecord{Key: key}
	if len(vals) != 2 {
		return rec
	}
	if c, ok := vals[0].(string); ok {
		rec.Count, _ = strconv.ParseInt(c, 10, 64)
	}
	if l, ok := vals[1].(string); ok {
		if ms, err := strconv.ParseInt(l, 10, 64); err == nil {
			rec.LastViolationAt = time.UnixMilli(ms)
		}
	}
	return rec
}

func (s *RedisStore) ClearViolations(ctx context.Context, key string) error {
	return unavailable("clear violations", s.rdb.Del(ctx, s.key("vio", key)).Err())
}

func (s *RedisStore) ListViolations(ctx context.Context, limit int) ([]domain.ViolationRecord, error) {
	keys, err := s.scan(ctx, s.key("vio", "*"))
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.SliceCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HMGet(ctx, k, "count", "last")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable("list violations", err)
	}

	prefix := s.key("vio", "")
	out := make([]domain.ViolationRecord, 0, len(keys))
	for i, cmd := range cmds {
		rec := parseViolation(strings.TrimPrefix(keys[i], prefix), cmd.Val())
		if rec.Count > 0 {
			out = append(out, rec)
		}
	}
	sortViolations(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *RedisStore) Override(ctx context.Context, key string) (domain.AdaptiveOverride, bool, error) {
	vals, err := s.rdb.HGetAll(ctx, s.key("ovr", key)).Result()
	if err != nil {
		return domain.AdaptiveOverride{}, false, unavailable("override", err)
	}
	if len(vals) == 0 {
		return domain.AdaptiveOverride{}, false, nil
	}
	o, err := parseOverride(key, []string{vals["max"], vals["window"], vals["level"], vals["applied"], vals["expires"]})
	if err != nil {
		return domain.AdaptiveOverride{}, false, err
	}
	if !o.Active(s.now()) {
		return domain.AdaptiveOverride{}, false, nil
	}
	return o, true, nil
}

func parseOverride(key string, fields []string) (domain.AdaptiveOverride, error) {
	if len(fields) != 5 {
		return domain.AdaptiveOverride{}, fmt.Errorf("%w: key=%s: %d fields", domain.ErrInvalidOverride, key, len(fields))
	}
	nums := make([]int64, len(fields))
	for i, f := range fields {
		n, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return domain.AdaptiveOverride{}, fmt.Errorf("%w: key=%s: field %d: %v", domain.ErrInvalidOverride, key, i, err)
		}
		nums[i] = n
	}
	o := domain.AdaptiveOverride{
		Key:         key,
		MaxRequests: nums[0],
		Window:      time.Duration(nums[1]) * time.Millisecond,
		Level:       int(nums[2]),
		AppliedAt:   time.UnixMilli(nums[3]),
		ExpiresAt:   time.UnixMilli(nums[4]),
	}
	return o, o.Validate()
}

func (s *RedisStore) TightenOverride(ctx context.Context, proposed domain.AdaptiveOverride) (domain.AdaptiveOverride, bool, error) {
	if err := proposed.Validate(); err != nil {
		return domain.AdaptiveOverride{}, false, err
	}
	now := s.now()
	ttl := proposed.ExpiresAt.Sub(now)
	if ttl <= 0 {
		ttl = time.Millisecond
	}

	res, err := tightenScript.Run(ctx, s.rdb, []string{s.key("ovr", proposed.Key)},
		proposed.MaxRequests,
		proposed.Window.Milliseconds(),
		proposed.Level,
		proposed.AppliedAt.UnixMilli(),
		proposed.ExpiresAt.UnixMilli(),
		now.UnixMilli(),
		ttl.Milliseconds(),
	).Slice()
	if err != nil {
		return domain.AdaptiveOverride{}, false, unavailable("tighten override", err)
	}
	if len(res) != 6 {
		return domain.AdaptiveOverride{}, false, fmt.Errorf("%w: key=%s: unexpected script reply", domain.ErrInvalidOverride, proposed.Key)
	}

	fields := make([]string, 5)
	for i := range fields {
		fields[i] = fmt.Sprint(res[i+1])
	}
	o, err := parseOverride(proposed.Key, fields)
	if err != nil {
		return domain.AdaptiveOverride{}, false, err
	}
	changed, _ := res[0].(int64)
	return o, changed == 1, nil
}

func (s *RedisStore) DeleteOverride(ctx context.Context, key string) error {
	return unavailable("delete override", s.rdb.Del(ctx, s.key("ovr", key)).Err())
}

func (s *RedisStore) SetBlock(ctx context.Context, rec domain.BlockRecord, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("block ttl must be > 0, got %s", ttl)
	}
	rec.Active = true
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = s.now().Add(ttl)
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	ok, err := s.rdb.SetNX(ctx, s.key("blk", rec.Address), payload, ttl).Result()
	if err != nil {
		return false, unavailable("set block", err)
	}
	return ok, nil
}

func (s *RedisStore) Block(ctx context.Context, address string) (domain.BlockRecord, bool, error) {
	raw, err := s.rdb.Get(ctx, s.key("blk", address)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.BlockRecord{}, false, nil
	}
	if err != nil {
		return domain.BlockRecord{}, false, unavailable("block", err)
	}
	var rec domain.BlockRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.BlockRecord{}, false, fmt.Errorf("decode block %s: %w", address, err)
	}
	if !rec.IsActive(s.now()) {
		return domain.BlockRecord{}, false, nil
	}
	return rec, true, nil
}

func (s *RedisStore) DeleteBlock(ctx context.Context, address string) (bool, error) {
	n, err := s.rdb.Del(ctx, s.key("blk", address)).Result()
	if err != nil {
		return false, unavailable("delete block", err)
	}
	return n > 0, nil
}

func (s *RedisStore) ListBlocks(ctx context.Context) ([]domain.BlockRecord, error) {
	keys, err := s.scan(ctx, s.key("blk", "*"))
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := make([]domain.BlockRecord, 0, len(keys))
	for _, k := range keys {
		raw, err := s.rdb.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return out, unavailable("list blocks", err)
		}
		var rec domain.BlockRecord
		if json.Unmarshal(raw, &rec) == nil && rec.IsActive(now) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *RedisStore) MarkSuspicious(ctx context.Context, address string, at time.Time, ttl time.Duration) (bool, error) {
	first, err := suspiciousScript.Run(ctx, s.rdb, []string{s.suspiciousKey()},
		address, at.Add(ttl).UnixMilli(), s.now().UnixMilli()).Int64()
	if err != nil {
		return false, unavailable("mark suspicious", err)
	}
	return first == 1, nil
}

func (s *RedisStore) ListSuspicious(ctx context.Context) ([]domain.SuspiciousAddress, error) {
	zs, err := s.rdb.ZRangeByScoreWithScores(ctx, s.suspiciousKey(), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(s.now().UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, unavailable("list suspicious", err)
	}
	out := make([]domain.SuspiciousAddress, 0, len(zs))
	for _, z := range zs {
		addr, _ := z.Member.(string)
		out = append(out, domain.SuspiciousAddress{Address: addr, ExpiresAt: time.UnixMilli(int64(z.Score))})
	}
	return out, nil
}

// Sweep: contadores, violações e bloqueios já expiram por TTL; aqui limpamos
// overrides vencidos/corrompidos e o zset de suspeitos.
func (s *RedisStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	removed, err := s.rdb.ZRemRangeByScore(ctx, s.suspiciousKey(), "-inf", strconv.FormatInt(now.UnixMilli(), 10)).Result()
	if err != nil {
		return 0, unavailable("sweep", err)
	}
	keys, err := s.scan(ctx, s.key("ovr", "*"))
	if err != nil {
		return int(removed), err
	}
	prefix := s.key("ovr", "")
	for _, k := range keys {
		vals, err := s.rdb.HMGet(ctx, k, "max", "window", "level", "applied", "expires").Result()
		if err != nil {
			return int(removed), unavailable("sweep", err)
		}
		fields := make([]string, len(vals))
		for i, v := range vals {
			fields[i], _ = v.(string)
		}
		o, perr := parseOverride(strings.TrimPrefix(k, prefix), fields)
		if perr == nil && o.Active(now) {
			continue
		}
		if err := s.rdb.Del(ctx, k).Err(); err != nil {
			return int(removed), unavailable("sweep", err)
		}
		removed++
	}
	return int(removed), nil
}

func (s *RedisStore) scan(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return keys, unavailable("scan", err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}
