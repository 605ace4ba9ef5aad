// Package transport defines the boundary to the relay network that carries envelopes
// between processes: live topic subscriptions, a historical store and publishing.
package transport

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnknownHandle = errors.New("transport: unknown subscription handle")
	ErrClosed        = errors.New("transport: adapter closed")
)

// Handle identifies one live subscription over a set of content topics.
type Handle string

// RawMessage is a message as the relay hands it over, before any decoding.
type RawMessage struct {
	// Payload is the encoded payload (0x-hex, hex or base64).
	Payload string `json:"payload"`
	// Data holds already-decoded payload bytes when the backend has them; it wins over Payload.
	Data         []byte `json:"-"`
	ContentTopic string `json:"contentTopic"`
	PubsubTopic  string `json:"pubsubTopic"`
	Timestamp    int64  `json:"timestamp"` // ns
}

// Message is an outgoing publish. Timestamp (ns) is carried to the relay when the backend
// supports it, so the relayed copy fingerprints the same as the sender's loopback copy.
type Message struct {
	PubsubTopic  string
	ContentTopic string
	Payload      []byte
	Timestamp    int64
}

type StoreQuery struct {
	ContentTopics []string
	PubsubTopic   string
	// StartTime bounds the query from below when non-zero.
	StartTime time.Time
	PageSize  int
}

type PublishResult struct {
	Backend string `json:"backend"`
	Detail  any    `json:"detail,omitempty"`
}

// Adapter is implemented by each relay backend. Calls must be bounded by the adapter's own
// timeout so a stuck backend never blocks callers indefinitely.
type Adapter interface {
	Subscribe(ctx context.Context, contentTopics []string) (Handle, error)
	Unsubscribe(ctx context.Context, h Handle) (bool, error)
	PollLive(ctx context.Context, h Handle) ([]RawMessage, error)
	QueryStore(ctx context.Context, q StoreQuery) ([]RawMessage, error)
	Publish(ctx context.Context, msg Message) (*PublishResult, error)
	Close() error
}
