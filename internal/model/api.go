package model

import "encoding/json"

type (
	SubscribeRequest struct {
		AgentID string   `json:"agent_id"`
		Groups  []string `json:"groups,omitempty"`
	}

	SubscribeResponse struct {
		SubscriptionID string   `json:"subscription_id"`
		ContentTopics  []string `json:"content_topics"`
	}

	UnsubscribeRequest struct {
		AgentID string `json:"agent_id"`
	}

	UnsubscribeResponse struct {
		OK      bool   `json:"ok"`
		Message string `json:"message,omitempty"`
	}

	MessagesResponse struct {
		Messages []*DeliveryRecord `json:"messages"`
	}

	SendRequest struct {
		FromAgent string          `json:"from_agent"`
		Message   json.RawMessage `json:"message"`
		ToAgent   *string         `json:"to_agent,omitempty"`
		Group     *string         `json:"group,omitempty"`
	}

	SendResponse struct {
		OK           bool   `json:"ok"`
		PubsubTopic  string `json:"pubsub_topic"`
		ContentTopic string `json:"content_topic"`
		Result       any    `json:"result"`
	}

	GroupRequest struct {
		GroupID string `json:"group_id"`
		AgentID string `json:"agent_id,omitempty"`
		Creator string `json:"creator,omitempty"`
	}

	GroupResponse struct {
		OK             bool     `json:"ok"`
		Group          string   `json:"group"`
		Agent          string   `json:"agent,omitempty"`
		Members        []string `json:"members,omitempty"`
		SubscriptionID string   `json:"subscription_id,omitempty"`
	}

	GroupSummary struct {
		Group   string `json:"group"`
		Members int    `json:"members"`
	}

	GroupsResponse struct {
		Groups []GroupSummary `json:"groups"`
	}

	MembersResponse struct {
		Group   string   `json:"group"`
		Members []string `json:"members"`
	}

	ErrorResponse struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}

	// StreamFrame is one server to client websocket frame. Exactly one field is set.
	StreamFrame struct {
		Message *DeliveryRecord `json:"message,omitempty"`
		Sent    *SendResponse   `json:"sent,omitempty"`
		Error   *ErrorResponse  `json:"error,omitempty"`
	}
)
