package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"guard-gateway/middleware/ratelimit/domain"

	"github.com/redis/go-redis/v9"
)

// RedisEventSink persiste eventos num zset (score = timestamp em ms) e mantém
// contadores por tipo em buckets de minuto.
//
//	<prefix>:log                   zset com o JSON do evento
//	<prefix>:total                 hash tipo -> contagem (cumulativo, não expira)
//	<prefix>:minute:<yyyymmddhhmm> hash tipo -> contagem (expira com a retenção)
type RedisEventSink struct {
	rdb redis.UniversalClient

	prefix string
	// retention aplica no log e nos buckets; total é cumulativo.
	retention time.Duration

	bucket string // "minute" (padrão) ou "none"
}

var (
	_ domain.EventSink   = (*RedisEventSink)(nil)
	_ domain.EventReader = (*RedisEventSink)(nil)
)

type RedisEventOption func(*RedisEventSink)

func WithEventsPrefix(prefix string) RedisEventOption {
	return func(s *RedisEventSink) {
		if p := strings.Trim(prefix, ":"); p != "" {
			s.prefix = p
		}
	}
}

func WithEventsRetention(d time.Duration) RedisEventOption {
	return func(s *RedisEventSink) {
		if d > 0 {
			s.retention = d
		}
	}
}

func WithEventsBucket(bucket string) RedisEventOption {
	return func(s *RedisEventSink) { s.bucket = strings.ToLower(strings.TrimSpace(bucket)) }
}

func NewRedisEventSink(rdb redis.UniversalClient, opts ...RedisEventOption) *RedisEventSink {
	s := &RedisEventSink{
		rdb:       rdb,
		prefix:    "guard:events",
		retention: 7 * 24 * time.Hour,
		bucket:    "minute",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisEventSink) Append(ctx context.Context, ev domain.SecurityEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	at := ev.Timestamp
	if at.IsZero() {
		at = time.Now()
		ev.Timestamp = at
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	logKey := s.prefix + ":log"
	cutoff := at.Add(-s.retention).UnixMilli()

	pipe := s.rdb.Pipeline()
	pipe.ZAdd(ctx, logKey, redis.Z{Score: float64(at.UnixMilli()), Member: payload})
	pipe.ZRemRangeByScore(ctx, logKey, "-inf", "("+strconv.FormatInt(cutoff, 10))
	pipe.Expire(ctx, logKey, s.retention)
	pipe.HIncrBy(ctx, s.prefix+":total", string(ev.Type), 1)

	if s.bucket == "minute" {
		bucketKey := fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
		pipe.HIncrBy(ctx, bucketKey, string(ev.Type), 1)
		pipe.Expire(ctx, bucketKey, s.retention)
	}

	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisEventSink) Since(ctx context.Context, since time.Time) ([]domain.SecurityEvent, error) {
	raw, err := s.rdb.ZRangeByScore(ctx, s.prefix+":log", &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis events since: %w", err)
	}

	out := make([]domain.SecurityEvent, 0, len(raw))
	for _, r := range raw {
		var ev domain.SecurityEvent
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// Totals devolve as contagens cumulativas por tipo de evento.
func (s *RedisEventSink) Totals(ctx context.Context) (map[domain.EventType]int64, error) {
	vals, err := s.rdb.HGetAll(ctx, s.prefix+":total").Result()
	if err != nil {
		return nil, fmt.Errorf("redis events totals: %w", err)
	}
	out := make(map[domain.EventType]int64, len(vals))
	for k, v := range vals {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[domain.EventType(k)] = n
	}
	return out, nil
}
