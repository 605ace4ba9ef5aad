// Package redisrelay is a transport backed by redis: PUBLISH/SUBSCRIBE carries live
// traffic and an Archive keeps history for backfill.
package redisrelay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	redisSvc "agent_relay/internal/service/redis"
	"agent_relay/internal/transport"
	"agent_relay/internal/utils/log"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	channelPrefix = "relay:"
	// DefaultLiveBuffer bounds the messages buffered per handle between polls.
	DefaultLiveBuffer = 1000
)

// Archive stores published messages for store queries.
type Archive interface {
	Append(ctx context.Context, msg transport.RawMessage) error
	Query(ctx context.Context, q transport.StoreQuery) ([]transport.RawMessage, error)
}

type (
	Relay struct {
		redis      *redisSvc.RedisService
		archive    Archive
		timeout    time.Duration
		liveBuffer int
		now        func() time.Time

		mu     sync.Mutex
		subs   map[transport.Handle]*liveSub
		closed bool
	}

	liveSub struct {
		ps     *redis.PubSub
		topics []string
		done   chan struct{}

		mu      sync.Mutex
		pending []transport.RawMessage
	}
)

type Option func(r *Relay)

func WithTimeout(d time.Duration) Option { return func(r *Relay) { r.timeout = d } }

func WithLiveBuffer(n int) Option { return func(r *Relay) { r.liveBuffer = n } }

func WithNow(now func() time.Time) Option { return func(r *Relay) { r.now = now } }

func New(redis *redisSvc.RedisService, archive Archive, opts ...Option) *Relay {
	r := &Relay{
		redis:      redis,
		archive:    archive,
		timeout:    10 * time.Second,
		liveBuffer: DefaultLiveBuffer,
		now:        time.Now,
		subs:       make(map[transport.Handle]*liveSub),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func channel(contentTopic string) string {
	return channelPrefix + contentTopic
}

func (r *Relay) Subscribe(ctx context.Context, contentTopics []string) (transport.Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", transport.ErrClosed
	}
	r.mu.Unlock()

	channels := make([]string, len(contentTopics))
	for i, t := range contentTopics {
		channels[i] = channel(t)
	}
	ps, err := r.redis.Subscribe(ctx, channels...)
	if err != nil {
		return "", fmt.Errorf("redis subscribe: %w", err)
	}

	sub := &liveSub{
		ps:     ps,
		topics: append([]string(nil), contentTopics...),
		done:   make(chan struct{}),
	}
	h := transport.Handle(uuid.NewString())

	r.mu.Lock()
	r.subs[h] = sub
	r.mu.Unlock()

	go r.receive(h, sub)
	return h, nil
}

// receive buffers messages for one handle until PollLive drains them. When the buffer is
// full the oldest message is dropped; the store backfill covers the gap.
func (r *Relay) receive(h transport.Handle, sub *liveSub) {
	defer close(sub.done)
	for m := range sub.ps.Channel() {
		var raw transport.RawMessage
		if err := json.Unmarshal([]byte(m.Payload), &raw); err != nil {
			log.Debug("redis relay: undecodable live message", zap.String("channel", m.Channel), zap.Error(err))
			continue
		}
		sub.mu.Lock()
		if len(sub.pending) >= r.liveBuffer {
			sub.pending = sub.pending[1:]
		}
		sub.pending = append(sub.pending, raw)
		sub.mu.Unlock()
	}
	log.Debug("redis relay: live subscription closed", zap.String("handle", string(h)))
}

func (r *Relay) Unsubscribe(_ context.Context, h transport.Handle) (bool, error) {
	r.mu.Lock()
	sub, ok := r.subs[h]
	delete(r.subs, h)
	r.mu.Unlock()

	if !ok {
		return false, transport.ErrUnknownHandle
	}
	if err := sub.ps.Close(); err != nil {
		return false, fmt.Errorf("redis unsubscribe: %w", err)
	}
	return true, nil
}

func (r *Relay) PollLive(_ context.Context, h transport.Handle) ([]transport.RawMessage, error) {
	r.mu.Lock()
	sub, ok := r.subs[h]
	r.mu.Unlock()
	if !ok {
		return nil, transport.ErrUnknownHandle
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	out := sub.pending
	sub.pending = nil
	return out, nil
}

func (r *Relay) QueryStore(ctx context.Context, q transport.StoreQuery) ([]transport.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.archive.Query(ctx, q)
}

// Publish appends the message to the archive and then broadcasts it live.
func (r *Relay) Publish(ctx context.Context, msg transport.Message) (*transport.PublishResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ts := msg.Timestamp
	if ts == 0 {
		ts = r.now().UnixNano()
	}
	raw := transport.RawMessage{
		Payload:      base64.StdEncoding.EncodeToString(msg.Payload),
		ContentTopic: msg.ContentTopic,
		PubsubTopic:  msg.PubsubTopic,
		Timestamp:    ts,
	}

	if err := r.archive.Append(ctx, raw); err != nil {
		return nil, fmt.Errorf("archive append: %w", err)
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	if err := r.redis.Publish(ctx, channel(msg.ContentTopic), data); err != nil {
		return nil, fmt.Errorf("redis publish: %w", err)
	}
	return &transport.PublishResult{Backend: "redis", Detail: map[string]any{"timestamp": ts}}, nil
}

// Close tears down every live subscription. The redis client itself is owned by the caller.
func (r *Relay) Close() error {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[transport.Handle]*liveSub)
	r.closed = true
	r.mu.Unlock()

	var err error
	for _, sub := range subs {
		err = multierr.Append(err, sub.ps.Close())
	}
	return err
}

var _ transport.Adapter = (*Relay)(nil)
