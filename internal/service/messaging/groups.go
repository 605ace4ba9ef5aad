package messaging

import (
	"context"
	"sort"

	"agent_relay/internal/model"
	"agent_relay/internal/topic"
	"agent_relay/internal/transport"
)

// CreateGroup creates groupID if needed. A non-empty creator joins the group and has its
// subscription refreshed. It returns the sorted member list.
func (s *Service) CreateGroup(ctx context.Context, groupID, creator string) ([]string, error) {
	if groupID == "" {
		return nil, ErrGroupRequired
	}

	s.mu.Lock()
	members := s.groupLocked(groupID)
	if creator != "" {
		members[topic.Normalize(creator)] = struct{}{}
	}
	s.mu.Unlock()

	if creator != "" {
		if _, err := s.Refresh(ctx, creator); err != nil {
			return nil, err
		}
	}
	return s.Members(groupID), nil
}

// JoinGroup adds agentID to groupID, creating the group if needed, and refreshes the
// agent's subscription.
func (s *Service) JoinGroup(ctx context.Context, groupID, agentID string) (transport.Handle, error) {
	if groupID == "" {
		return "", ErrGroupRequired
	}
	if agentID == "" {
		return "", ErrAgentRequired
	}

	s.mu.Lock()
	s.groupLocked(groupID)[topic.Normalize(agentID)] = struct{}{}
	s.mu.Unlock()

	return s.Refresh(ctx, agentID)
}

// LeaveGroup removes agentID from groupID and refreshes the agent's subscription.
// Leaving a group one is not in is a no-op apart from the refresh.
func (s *Service) LeaveGroup(ctx context.Context, groupID, agentID string) (transport.Handle, error) {
	if groupID == "" {
		return "", ErrGroupRequired
	}
	if agentID == "" {
		return "", ErrAgentRequired
	}

	s.mu.Lock()
	if members, ok := s.groups[groupID]; ok {
		delete(members, topic.Normalize(agentID))
	}
	s.mu.Unlock()

	return s.Refresh(ctx, agentID)
}

// Members returns the members of groupID in lexicographic order.
func (s *Service) Members(groupID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.membersLocked(groupID)
}

func (s *Service) membersLocked(groupID string) []string {
	members := make([]string, 0, len(s.groups[groupID]))
	for aid := range s.groups[groupID] {
		members = append(members, aid)
	}
	sort.Strings(members)
	return members
}

// ListGroups returns every group with its member count, ordered by group id.
func (s *Service) ListGroups() []model.GroupSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.GroupSummary, 0, len(s.groups))
	for gid, members := range s.groups {
		out = append(out, model.GroupSummary{Group: gid, Members: len(members)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group < out[j].Group })
	return out
}

// TopicsFor returns the agent's direct topic followed by the topics of every group it
// currently belongs to, ordered by group id.
func (s *Service) TopicsFor(agentID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topicsForLocked(topic.Normalize(agentID))
}

func (s *Service) topicsForLocked(aid string) []string {
	var gids []string
	for gid, members := range s.groups {
		if _, ok := members[aid]; ok {
			gids = append(gids, gid)
		}
	}
	sort.Strings(gids)

	topics := make([]string, 0, len(gids)+1)
	topics = append(topics, topic.Direct(aid))
	for _, gid := range gids {
		topics = append(topics, topic.Group(gid))
	}
	return topics
}

func (s *Service) groupLocked(groupID string) map[string]struct{} {
	members, ok := s.groups[groupID]
	if !ok {
		members = make(map[string]struct{})
		s.groups[groupID] = members
	}
	return members
}
