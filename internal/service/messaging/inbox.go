package messaging

import (
	"sync"

	"agent_relay/internal/model"
	"agent_relay/internal/topic"
)

// inbox is a bounded FIFO of delivery records. When full the oldest record is dropped.
type inbox struct {
	mu      sync.Mutex
	max     int
	records []*model.DeliveryRecord
	// changed is closed and replaced on every push.
	changed chan struct{}
}

func newInbox(max int) *inbox {
	return &inbox{
		max:     max,
		records: make([]*model.DeliveryRecord, 0, max),
		changed: make(chan struct{}),
	}
}

// push appends r and reports whether an older record had to be dropped.
func (b *inbox) push(r *model.DeliveryRecord) (dropped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.records) >= b.max {
		n := copy(b.records, b.records[1:])
		b.records = b.records[:n]
		dropped = true
	}
	b.records = append(b.records, r)

	close(b.changed)
	b.changed = make(chan struct{})
	return dropped
}

func (b *inbox) drain(max int) []*model.DeliveryRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	if max > len(b.records) {
		max = len(b.records)
	}
	if max <= 0 {
		return []*model.DeliveryRecord{}
	}
	out := make([]*model.DeliveryRecord, max)
	copy(out, b.records[:max])
	n := copy(b.records, b.records[max:])
	for i := n; i < len(b.records); i++ {
		b.records[i] = nil
	}
	b.records = b.records[:n]
	return out
}

func (b *inbox) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

func (b *inbox) watch() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.changed
}

// inbox returns the agent's inbox, creating it. Only delivery creates inboxes.
func (s *Service) inbox(aid string) *inbox {
	s.inboxMu.Lock()
	defer s.inboxMu.Unlock()
	b, ok := s.inboxes[aid]
	if !ok {
		b = newInbox(s.opts.InboxMax)
		s.inboxes[aid] = b
	}
	return b
}

func (s *Service) lookupInbox(aid string) (*inbox, bool) {
	s.inboxMu.Lock()
	defer s.inboxMu.Unlock()
	b, ok := s.inboxes[aid]
	return b, ok
}

// dropInboxIfEmpty forgets the agent's inbox once nothing is waiting in it.
func (s *Service) dropInboxIfEmpty(aid string) {
	s.inboxMu.Lock()
	defer s.inboxMu.Unlock()
	if b, ok := s.inboxes[aid]; ok && b.len() == 0 {
		delete(s.inboxes, aid)
	}
}

// Watch returns a channel that is closed the next time a record is appended to the agent's
// inbox. Callers re-arm by calling Watch again. Agents that are neither subscribed nor holding
// records get a nil channel.
func (s *Service) Watch(agentID string) <-chan struct{} {
	aid := topic.Normalize(agentID)
	if b, ok := s.lookupInbox(aid); ok {
		return b.watch()
	}
	s.mu.Lock()
	_, subscribed := s.subs[aid]
	s.mu.Unlock()
	if !subscribed {
		return nil
	}
	return s.inbox(aid).watch()
}

// Pending returns the number of records waiting in the agent's inbox.
func (s *Service) Pending(agentID string) int {
	b, ok := s.lookupInbox(topic.Normalize(agentID))
	if !ok {
		return 0
	}
	return b.len()
}
