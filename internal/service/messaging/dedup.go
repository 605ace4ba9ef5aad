package messaging

import (
	"agent_relay/internal/topic"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// dedupCache remembers the last N fingerprints seen for one agent. Membership checks use
// Contains, which never touches recency, so eviction order is insertion order.
type dedupCache struct {
	seen *simplelru.LRU[string, struct{}]
}

func newDedupCache(size int, onEvict func()) *dedupCache {
	seen, err := simplelru.NewLRU[string, struct{}](size, func(string, struct{}) {
		if onEvict != nil {
			onEvict()
		}
	})
	if err != nil {
		// Only returned for a non-positive size, which Options rules out.
		panic(err)
	}
	return &dedupCache{seen: seen}
}

// isNewAndMark returns false if fp was already seen. Otherwise it records fp, evicting the
// oldest fingerprint first when full, and returns true.
func (d *dedupCache) isNewAndMark(fp string) bool {
	if d.seen.Contains(fp) {
		return false
	}
	d.seen.Add(fp, struct{}{})
	return true
}

func (d *dedupCache) len() int {
	return d.seen.Len()
}

// IsNewAndMark is the atomic check-and-insert on an agent's dedup cache.
func (s *Service) IsNewAndMark(agentID, fingerprint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isNewAndMarkLocked(topic.Normalize(agentID), fingerprint)
}

func (s *Service) isNewAndMarkLocked(aid, fp string) bool {
	d, ok := s.dedup[aid]
	if !ok {
		d = newDedupCache(s.opts.DedupMax, s.metrics.dedupEvictions.Inc)
		s.dedup[aid] = d
	}
	return d.isNewAndMark(fp)
}
