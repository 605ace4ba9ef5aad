// Package topic derives transport content topics for agents and groups.
package topic

import "strings"

const (
	directPrefix = "/agents/1/direct/"
	groupPrefix  = "/agents/1/group/"
)

// Normalize canonicalizes an agent identifier. Agent ids are case-insensitive.
func Normalize(agentID string) string {
	return strings.ToLower(agentID)
}

// Direct returns the content topic an agent receives direct messages on.
func Direct(agentID string) string {
	return directPrefix + Normalize(agentID)
}

// Group returns the content topic of a group. Group ids are case-sensitive and used verbatim.
func Group(groupID string) string {
	return groupPrefix + groupID
}
