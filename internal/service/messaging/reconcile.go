package messaging

import (
	"context"
	"sort"
	"time"

	"agent_relay/internal/model"
	"agent_relay/internal/protocol/envelope"
	"agent_relay/internal/topic"
	"agent_relay/internal/transport"
	"agent_relay/internal/utils/log"

	"go.uber.org/zap"
)

const (
	pathLive     = "live"
	pathBackfill = "backfill"
	pathLoopback = "loopback"

	dropDecode = "decode"
	dropParse  = "parse"
	dropVerify = "verify"
)

func (s *Service) run(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)

	ticker := s.clock.Ticker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("reconciliation loop stopped")
			return
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

// RunCycle performs one reconciliation pass over every active subscription: a live pull,
// then a store backfill for agents whose backfill interval has elapsed. Failures are
// isolated per agent and never abort the cycle.
func (s *Service) RunCycle(ctx context.Context) {
	start := s.clock.Now()
	defer func() {
		s.metrics.cycleDuration.Observe(s.clock.Since(start).Seconds())
	}()

	subs := s.snapshotSubs()
	agents := make([]string, 0, len(subs))
	for aid := range subs {
		agents = append(agents, aid)
	}
	sort.Strings(agents)

	for _, aid := range agents {
		if ctx.Err() != nil {
			return
		}
		s.reconcileAgent(ctx, aid, subs[aid])
	}
}

func (s *Service) reconcileAgent(ctx context.Context, aid string, h transport.Handle) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("reconcile agent panicked", zap.String("agent", aid), zap.Any("panic", r))
		}
	}()

	s.pullLive(ctx, aid, h)
	s.backfill(ctx, aid)
}

func (s *Service) pullLive(ctx context.Context, aid string, h transport.Handle) {
	msgs, err := s.adapter.PollLive(ctx, h)
	if err != nil {
		s.metrics.transportErrors.WithLabelValues("poll").Inc()
		log.Debug("live poll failed", zap.String("agent", aid), zap.Error(err))
		return
	}
	for _, m := range msgs {
		s.ingest(aid, m, pathLive)
	}
}

// backfillState tracks one agent's store backfill.
type backfillState struct {
	at time.Time
	// since holds, per topic, the lower bound for the next query. A topic without an entry
	// is queried from the start of the store.
	since map[string]time.Time
}

// backfill queries the store for the agent's topics when the backfill interval has elapsed.
// The timestamp is advanced before querying, so a failing store is still rate limited. After
// a successful query a topic is next read from one interval before this attempt; the overlap
// is absorbed by dedup.
func (s *Service) backfill(ctx context.Context, aid string) {
	now := s.clock.Now()

	s.mu.Lock()
	st, ok := s.backfills[aid]
	if ok && now.Sub(st.at) < s.opts.BackfillInterval {
		s.mu.Unlock()
		return
	}
	if !ok {
		st = &backfillState{since: make(map[string]time.Time)}
		s.backfills[aid] = st
	}
	st.at = now
	topics := s.topicsForLocked(aid)
	starts := make([]time.Time, len(topics))
	for i, t := range topics {
		starts[i] = st.since[t]
	}
	s.mu.Unlock()

	next := make(map[string]time.Time, len(topics))
	for i, t := range topics {
		msgs, err := s.adapter.QueryStore(ctx, transport.StoreQuery{
			ContentTopics: []string{t},
			PubsubTopic:   s.opts.PubsubTopic,
			StartTime:     starts[i],
			PageSize:      s.opts.StorePageSize,
		})
		if err != nil {
			s.metrics.transportErrors.WithLabelValues("store").Inc()
			log.Warn("store backfill failed", zap.String("agent", aid), zap.String("topic", t), zap.Error(err))
			if !starts[i].IsZero() {
				next[t] = starts[i]
			}
			continue
		}
		for _, m := range msgs {
			s.ingest(aid, m, pathBackfill)
		}
		next[t] = now.Add(-s.opts.BackfillInterval)
	}

	s.mu.Lock()
	if s.backfills[aid] == st {
		st.since = next
	}
	s.mu.Unlock()
}

// ingest runs one raw message through decode, parse, verify, fingerprint and dedup, and
// appends it to the agent's inbox when new. Malformed or unverifiable messages are dropped.
func (s *Service) ingest(aid string, m transport.RawMessage, path string) {
	data := m.Data
	if data == nil {
		var err error
		data, err = envelope.DecodePayload(m.Payload)
		if err != nil {
			s.metrics.dropped.WithLabelValues(dropDecode).Inc()
			return
		}
	}

	fields, err := envelope.Parse(data)
	if err != nil {
		s.metrics.dropped.WithLabelValues(dropParse).Inc()
		return
	}
	if !envelope.Verify(fields, s.opts.Secret) {
		s.metrics.dropped.WithLabelValues(dropVerify).Inc()
		return
	}

	s.deliver(aid, &model.DeliveryRecord{
		PubsubTopic:  m.PubsubTopic,
		ContentTopic: m.ContentTopic,
		Timestamp:    m.Timestamp,
		Payload:      fields,
	}, path)
}

// deliver appends r to the agent's inbox unless its fingerprint was already seen.
func (s *Service) deliver(aid string, r *model.DeliveryRecord, path string) bool {
	fp, err := r.Fingerprint()
	if err != nil {
		log.Debug("fingerprint failed", zap.String("agent", aid), zap.Error(err))
		return false
	}
	return s.deliverFingerprint(aid, r, fp, path)
}

func (s *Service) deliverFingerprint(aid string, r *model.DeliveryRecord, fp, path string) bool {
	s.mu.Lock()
	isNew := s.isNewAndMarkLocked(aid, fp)
	s.mu.Unlock()

	if !isNew {
		s.metrics.duplicates.WithLabelValues(path).Inc()
		return false
	}
	if s.inbox(aid).push(r) {
		s.metrics.inboxOverflow.Inc()
	}
	s.metrics.delivered.WithLabelValues(path).Inc()
	return true
}

// Poll refreshes the agent's subscription and drains up to max records from its inbox.
// It never fails: a refresh error only means fewer records arrive later.
func (s *Service) Poll(ctx context.Context, agentID string, max int) []*model.DeliveryRecord {
	if _, err := s.Refresh(ctx, agentID); err != nil {
		log.Warn("refresh before poll failed", zap.String("agent", agentID), zap.Error(err))
	}
	return s.Drain(agentID, max)
}

// Drain removes up to max records from the agent's inbox without touching its subscription.
func (s *Service) Drain(agentID string, max int) []*model.DeliveryRecord {
	b, ok := s.lookupInbox(topic.Normalize(agentID))
	if !ok {
		return []*model.DeliveryRecord{}
	}
	return b.drain(max)
}
