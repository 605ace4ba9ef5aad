package waku

import (
	"bytes"
	"encoding/json"
	"strconv"

	"agent_relay/internal/transport"
)

type (
	// wireMessage accepts both the flat relay/store v1 shape and the store v3 shape that nests
	// the message under "message".
	wireMessage struct {
		Payload      string       `json:"payload"`
		ContentTopic string       `json:"contentTopic"`
		PubsubTopic  string       `json:"pubsubTopic"`
		Timestamp    flexInt      `json:"timestamp"`
		Message      *wireMessage `json:"message,omitempty"`
	}

	storeResponse struct {
		Messages []wireMessage `json:"messages"`
		// v1 returns a cursor object, v3 a pagination cursor string.
		Cursor           *storeCursor `json:"cursor,omitempty"`
		PaginationCursor string       `json:"paginationCursor,omitempty"`
	}

	storeCursor struct {
		PubsubTopic string  `json:"pubsubTopic"`
		SenderTime  flexInt `json:"senderTime"`
		StoreTime   flexInt `json:"storeTime"`
		Digest      any     `json:"digest"`
	}

	debugInfo struct {
		ListenAddresses []string `json:"listenAddresses"`
	}

	publishBody struct {
		Payload      string `json:"payload"`
		ContentTopic string `json:"contentTopic"`
		Timestamp    int64  `json:"timestamp,omitempty"`
	}
)

// flexInt decodes a JSON number or a numeric string; anything else decodes as zero.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		b = []byte(s)
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexInt(n)
	return nil
}

// raw flattens m. Fields missing at the top level are taken from the nested message, and
// the pubsub topic falls back to pubsubTopic.
func (m wireMessage) raw(pubsubTopic string) transport.RawMessage {
	out := transport.RawMessage{
		Payload:      m.Payload,
		ContentTopic: m.ContentTopic,
		PubsubTopic:  m.PubsubTopic,
		Timestamp:    int64(m.Timestamp),
	}
	if n := m.Message; n != nil {
		if out.Payload == "" {
			out.Payload = n.Payload
		}
		if out.ContentTopic == "" {
			out.ContentTopic = n.ContentTopic
		}
		if out.Timestamp == 0 {
			out.Timestamp = int64(n.Timestamp)
		}
		if out.PubsubTopic == "" {
			out.PubsubTopic = n.PubsubTopic
		}
	}
	if out.PubsubTopic == "" {
		out.PubsubTopic = pubsubTopic
	}
	return out
}
