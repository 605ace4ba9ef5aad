package messaging

import (
	"context"
	"fmt"
	"slices"

	"agent_relay/internal/topic"
	"agent_relay/internal/transport"
	"agent_relay/internal/utils/log"

	"go.uber.org/zap"
)

// Subscription is the result of subscribing an agent.
type Subscription struct {
	Handle        transport.Handle
	ContentTopics []string
}

// Subscribe joins agentID to groups (if any) and then (re)creates its live subscription.
func (s *Service) Subscribe(ctx context.Context, agentID string, groups []string) (*Subscription, error) {
	if agentID == "" {
		return nil, ErrAgentRequired
	}
	aid := topic.Normalize(agentID)

	if len(groups) > 0 {
		s.mu.Lock()
		for _, gid := range groups {
			if gid == "" {
				continue
			}
			s.groupLocked(gid)[aid] = struct{}{}
		}
		s.mu.Unlock()
	}

	h, err := s.Refresh(ctx, aid)
	if err != nil {
		return nil, err
	}
	return &Subscription{Handle: h, ContentTopics: s.TopicsFor(aid)}, nil
}

// Refresh makes sure the agent has a live subscription over its current topic set. An
// existing handle issued for the same topics is kept. Otherwise a new handle is subscribed
// before the old one is released, so topics both share stay subscribed on the relay, and
// messages still buffered on the old handle are ingested. Failing to release the old handle
// is logged and otherwise ignored. If subscribing fails the previous handle stays in place.
func (s *Service) Refresh(ctx context.Context, agentID string) (transport.Handle, error) {
	if agentID == "" {
		return "", ErrAgentRequired
	}
	aid := topic.Normalize(agentID)

	h, leftover, err := s.refresh(ctx, aid)
	for _, m := range leftover {
		s.ingest(aid, m, pathLive)
	}
	return h, err
}

// refresh runs the membership snapshot and handle swap in one critical section.
func (s *Service) refresh(ctx context.Context, aid string) (transport.Handle, []transport.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	topics := s.topicsForLocked(aid)
	old, hadOld := s.subs[aid]
	if hadOld && slices.Equal(s.subTopics[aid], topics) {
		return old, nil, nil
	}

	h, err := s.adapter.Subscribe(ctx, topics)
	if err != nil {
		s.metrics.transportErrors.WithLabelValues("subscribe").Inc()
		return "", nil, fmt.Errorf("subscribe %s: %w", aid, err)
	}
	s.subs[aid] = h
	s.subTopics[aid] = topics
	s.metrics.subscriptions.Set(float64(len(s.subs)))

	var leftover []transport.RawMessage
	if hadOld {
		leftover, err = s.adapter.PollLive(ctx, old)
		if err != nil {
			log.Debug("draining previous subscription failed", zap.String("agent", aid), zap.Error(err))
		}
		if _, err := s.adapter.Unsubscribe(ctx, old); err != nil {
			s.metrics.transportErrors.WithLabelValues("unsubscribe").Inc()
			log.Warn("teardown of previous subscription failed",
				zap.String("agent", aid), zap.String("handle", string(old)), zap.Error(err))
		}
	}

	log.Debug("subscription refreshed",
		zap.String("agent", aid), zap.String("handle", string(h)), zap.Strings("topics", topics))
	return h, leftover, nil
}

// Unsubscribe tears down the agent's live subscription. It returns false with a nil error
// when the agent had no subscription. Records already in the inbox are kept.
func (s *Service) Unsubscribe(ctx context.Context, agentID string) (bool, error) {
	if agentID == "" {
		return false, ErrAgentRequired
	}
	aid := topic.Normalize(agentID)

	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.subs[aid]
	if !ok {
		return false, nil
	}
	delete(s.subs, aid)
	delete(s.subTopics, aid)
	delete(s.backfills, aid)
	s.metrics.subscriptions.Set(float64(len(s.subs)))
	s.dropInboxIfEmpty(aid)

	ok, err := s.adapter.Unsubscribe(ctx, h)
	if err != nil {
		s.metrics.transportErrors.WithLabelValues("unsubscribe").Inc()
		return false, fmt.Errorf("unsubscribe %s: %w", aid, err)
	}
	return ok, nil
}

// Handle returns the agent's current subscription handle.
func (s *Service) Handle(agentID string) (transport.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.subs[topic.Normalize(agentID)]
	return h, ok
}

func (s *Service) snapshotSubs() map[string]transport.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]transport.Handle, len(s.subs))
	for aid, h := range s.subs {
		out[aid] = h
	}
	return out
}
