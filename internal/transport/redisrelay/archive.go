package redisrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	redisSvc "agent_relay/internal/service/redis"
	"agent_relay/internal/transport"
	"agent_relay/internal/utils/log"

	"go.uber.org/zap"
)

// DefaultRetention is how long the redis archive keeps messages.
const DefaultRetention = 24 * time.Hour

// RedisArchive keeps one sorted set per pubsub/content topic pair. Members are scored by
// timestamp in milliseconds, which a float64 score holds exactly; nanosecond bounds are
// applied after decoding.
type RedisArchive struct {
	redis     *redisSvc.RedisService
	retention time.Duration
	now       func() time.Time
}

func NewRedisArchive(redis *redisSvc.RedisService, retention time.Duration) *RedisArchive {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisArchive{redis: redis, retention: retention, now: time.Now}
}

func storeKey(pubsubTopic, contentTopic string) string {
	return fmt.Sprintf("store:%s:%s", pubsubTopic, contentTopic)
}

func (a *RedisArchive) Append(ctx context.Context, msg transport.RawMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	key := storeKey(msg.PubsubTopic, msg.ContentTopic)
	if err := a.redis.ZAdd(ctx, key, float64(scoreMillis(msg.Timestamp)), string(data)); err != nil {
		return err
	}

	// Retention is best-effort; a failure here must not fail the publish.
	cutoff := a.now().Add(-a.retention).UnixMilli()
	if err := a.redis.ZRemRangeByScore(ctx, key, "("+strconv.FormatInt(cutoff, 10)); err != nil {
		log.Debug("redis archive: trim failed", zap.String("key", key), zap.Error(err))
	}
	if err := a.redis.Expire(ctx, key, a.retention); err != nil {
		log.Debug("redis archive: expire failed", zap.String("key", key), zap.Error(err))
	}
	return nil
}

// Query returns, per content topic, the newest PageSize messages at or after StartTime,
// oldest first.
func (a *RedisArchive) Query(ctx context.Context, q transport.StoreQuery) ([]transport.RawMessage, error) {
	min := "-inf"
	var startNs int64
	if !q.StartTime.IsZero() {
		startNs = q.StartTime.UnixNano()
		min = strconv.FormatInt(scoreMillis(startNs), 10)
	}

	var out []transport.RawMessage
	for _, t := range q.ContentTopics {
		vals, err := a.redis.ZRangeByScore(ctx, storeKey(q.PubsubTopic, t), min, int64(q.PageSize))
		if err != nil {
			return nil, err
		}
		var msgs []transport.RawMessage
		for _, v := range vals {
			var raw transport.RawMessage
			if err := json.Unmarshal([]byte(v), &raw); err != nil {
				log.Debug("redis archive: undecodable entry", zap.Error(err))
				continue
			}
			if startNs != 0 && raw.Timestamp < startNs {
				continue
			}
			msgs = append(msgs, raw)
		}
		// equal scores come back in member order
		sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp < msgs[j].Timestamp })
		out = append(out, msgs...)
	}
	return out, nil
}

// scoreMillis floors ns to whole milliseconds.
func scoreMillis(ns int64) int64 {
	ms := ns / int64(time.Millisecond)
	if ns < 0 && ns%int64(time.Millisecond) != 0 {
		ms--
	}
	return ms
}
