// Package messaging is the delivery engine of the relay: per-agent subscriptions, group
// membership, deduplication, inboxes and the reconciliation loop that merges live relay
// traffic with historical backfill.
package messaging

import (
	"context"
	"errors"
	"sync"
	"time"

	"agent_relay/internal/transport"
	"agent_relay/internal/utils/log"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	DefaultDedupMax         = 500
	DefaultInboxMax         = 200
	DefaultPollInterval     = time.Second
	DefaultBackfillInterval = 10 * time.Second
	DefaultPubsubTopic      = "/app/agents/1"
	DefaultStorePageSize    = 50
)

var (
	ErrSecretNotConfigured = errors.New("messaging: signing secret is not set; cannot sign messages")
	ErrTargetRequired      = errors.New("messaging: provide exactly one of to_agent or group")
	ErrAgentRequired       = errors.New("messaging: agent id is required")
	ErrGroupRequired       = errors.New("messaging: group id is required")
	ErrAlreadyStarted      = errors.New("messaging: service already started")
	ErrPublishFailed       = errors.New("messaging: publish failed")
)

type Options struct {
	Secret           []byte
	PubsubTopic      string
	DedupMax         int
	InboxMax         int
	PollInterval     time.Duration
	BackfillInterval time.Duration
	StorePageSize    int

	Clock    clock.Clock
	Registry prometheus.Registerer
}

func (o *Options) setDefaults() {
	if o.PubsubTopic == "" {
		o.PubsubTopic = DefaultPubsubTopic
	}
	if o.DedupMax <= 0 {
		o.DedupMax = DefaultDedupMax
	}
	if o.InboxMax <= 0 {
		o.InboxMax = DefaultInboxMax
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.BackfillInterval <= 0 {
		o.BackfillInterval = DefaultBackfillInterval
	}
	if o.StorePageSize <= 0 {
		o.StorePageSize = DefaultStorePageSize
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Registry == nil {
		o.Registry = prometheus.NewRegistry()
	}
}

type (
	// Service owns all per-agent and per-group state. Everything is mutated through its
	// methods; mu guards membership, subscriptions, dedup state and backfill bookkeeping.
	Service struct {
		adapter transport.Adapter
		opts    Options
		clock   clock.Clock
		metrics *metrics

		mu        sync.Mutex
		groups    map[string]map[string]struct{}
		subs      map[string]transport.Handle
		subTopics map[string][]string // topics each handle in subs was issued for
		dedup     map[string]*dedupCache
		backfills map[string]*backfillState

		inboxMu sync.Mutex
		inboxes map[string]*inbox

		loopMu  sync.Mutex
		cancel  context.CancelFunc
		stopped chan struct{}
	}
)

func New(adapter transport.Adapter, opts Options) *Service {
	opts.setDefaults()
	return &Service{
		adapter:   adapter,
		opts:      opts,
		clock:     opts.Clock,
		metrics:   newMetrics(opts.Registry),
		groups:    make(map[string]map[string]struct{}),
		subs:      make(map[string]transport.Handle),
		subTopics: make(map[string][]string),
		dedup:     make(map[string]*dedupCache),
		backfills: make(map[string]*backfillState),
		inboxes:   make(map[string]*inbox),
	}
}

// Start launches the reconciliation loop. It runs until Stop is called or ctx is done.
func (s *Service) Start(ctx context.Context) error {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = make(chan struct{})
	go s.run(ctx, s.stopped)

	log.Info("reconciliation loop started",
		zap.Duration("period", s.opts.PollInterval),
		zap.Duration("backfill_interval", s.opts.BackfillInterval))
	return nil
}

// Stop ends the reconciliation loop and tears down every live subscription.
func (s *Service) Stop(ctx context.Context) {
	s.loopMu.Lock()
	cancel, stopped := s.cancel, s.stopped
	s.cancel, s.stopped = nil, nil
	s.loopMu.Unlock()

	if cancel != nil {
		cancel()
		<-stopped
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for aid, h := range s.subs {
		if _, err := s.adapter.Unsubscribe(ctx, h); err != nil {
			log.Warn("teardown subscription failed", zap.String("agent", aid), zap.Error(err))
		}
		delete(s.subs, aid)
		delete(s.subTopics, aid)
		delete(s.backfills, aid)
	}
	s.metrics.subscriptions.Set(0)
}
