// Package transporttest provides an in-memory relay for tests.
package transporttest

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"sync"
	"time"

	"agent_relay/internal/transport"
)

// Memory is an in-memory transport.Adapter. Published messages are appended to the store
// and pushed to every live handle listening on their content topic.
type Memory struct {
	mu sync.Mutex

	nextID    int
	handles   map[transport.Handle][]string
	pending   map[transport.Handle][]transport.RawMessage
	store     map[string][]transport.RawMessage
	published []Published

	// Err* make the corresponding operation fail when set.
	ErrSubscribe   error
	ErrUnsubscribe error
	ErrPoll        error
	ErrQuery       error
	ErrPublish     error

	SubscribeCalls   int
	UnsubscribeCalls int
	QueryCalls       int
	// Queries records every store query in call order.
	Queries []transport.StoreQuery

	now func() time.Time
}

type Published struct {
	PubsubTopic  string
	ContentTopic string
	Payload      []byte
}

func NewMemory() *Memory {
	return &Memory{
		handles: make(map[transport.Handle][]string),
		pending: make(map[transport.Handle][]transport.RawMessage),
		store:   make(map[string][]transport.RawMessage),
		now:     time.Now,
	}
}

// SetNow overrides the clock used to stamp published messages.
func (m *Memory) SetNow(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Memory) Subscribe(_ context.Context, contentTopics []string) (transport.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SubscribeCalls++
	if m.ErrSubscribe != nil {
		return "", m.ErrSubscribe
	}
	m.nextID++
	h := transport.Handle(fmt.Sprintf("mem-%d", m.nextID))
	m.handles[h] = append([]string(nil), contentTopics...)
	return h, nil
}

func (m *Memory) Unsubscribe(_ context.Context, h transport.Handle) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UnsubscribeCalls++
	if m.ErrUnsubscribe != nil {
		return false, m.ErrUnsubscribe
	}
	if _, ok := m.handles[h]; !ok {
		return false, transport.ErrUnknownHandle
	}
	delete(m.handles, h)
	delete(m.pending, h)
	return true, nil
}

func (m *Memory) PollLive(_ context.Context, h transport.Handle) ([]transport.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ErrPoll != nil {
		return nil, m.ErrPoll
	}
	if _, ok := m.handles[h]; !ok {
		return nil, transport.ErrUnknownHandle
	}
	msgs := m.pending[h]
	delete(m.pending, h)
	return msgs, nil
}

func (m *Memory) QueryStore(_ context.Context, q transport.StoreQuery) ([]transport.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.QueryCalls++
	m.Queries = append(m.Queries, q)
	if m.ErrQuery != nil {
		return nil, m.ErrQuery
	}
	var out []transport.RawMessage
	for _, t := range q.ContentTopics {
		for _, msg := range m.store[t] {
			if q.PubsubTopic != "" && msg.PubsubTopic != q.PubsubTopic {
				continue
			}
			if !q.StartTime.IsZero() && msg.Timestamp < q.StartTime.UnixNano() {
				continue
			}
			out = append(out, msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

func (m *Memory) Publish(_ context.Context, out transport.Message) (*transport.PublishResult, error) {
	m.mu.Lock()
	if m.ErrPublish != nil {
		err := m.ErrPublish
		m.mu.Unlock()
		return nil, err
	}
	m.published = append(m.published, Published{PubsubTopic: out.PubsubTopic, ContentTopic: out.ContentTopic, Payload: out.Payload})
	ts := out.Timestamp
	if ts == 0 {
		ts = m.now().UnixNano()
	}
	msg := transport.RawMessage{
		Payload:      base64.StdEncoding.EncodeToString(out.Payload),
		ContentTopic: out.ContentTopic,
		PubsubTopic:  out.PubsubTopic,
		Timestamp:    ts,
	}
	m.mu.Unlock()

	m.Inject(msg)
	return &transport.PublishResult{Backend: "memory"}, nil
}

// Inject delivers msg as if it had arrived from the relay: it is stored and pushed live.
func (m *Memory) Inject(msg transport.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store[msg.ContentTopic] = append(m.store[msg.ContentTopic], msg)
	m.pushLocked(msg)
}

// InjectLive pushes msg to live handles only.
func (m *Memory) InjectLive(msg transport.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushLocked(msg)
}

// InjectStored adds msg to the store only.
func (m *Memory) InjectStored(msg transport.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store[msg.ContentTopic] = append(m.store[msg.ContentTopic], msg)
}

func (m *Memory) pushLocked(msg transport.RawMessage) {
	for h, topics := range m.handles {
		for _, t := range topics {
			if t == msg.ContentTopic {
				m.pending[h] = append(m.pending[h], msg)
				break
			}
		}
	}
}

// Topics returns the content topics of a live handle.
func (m *Memory) Topics(h transport.Handle) ([]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.handles[h]
	return append([]string(nil), t...), ok
}

// Handles returns the number of live handles.
func (m *Memory) Handles() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// Published returns a copy of every publish so far.
func (m *Memory) Published() []Published {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Published(nil), m.published...)
}

// SetErr sets one of the injectable errors under the adapter lock.
func (m *Memory) SetErr(set func(m *Memory)) {
	m.mu.Lock()
	set(m)
	m.mu.Unlock()
}

func (m *Memory) Close() error { return nil }

var _ transport.Adapter = (*Memory)(nil)
