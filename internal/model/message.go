package model

import (
	"agent_relay/internal/protocol/envelope"
)

type (
	// DeliveryRecord is what an agent reads from its inbox: a verified envelope plus the
	// transport metadata it arrived with.
	DeliveryRecord struct {
		PubsubTopic  string          `json:"pubsubTopic"`
		ContentTopic string          `json:"contentTopic"`
		Timestamp    int64           `json:"timestamp"` // ns
		Payload      envelope.Fields `json:"payload"`
	}

	// Envelope is a typed read-only view of envelope fields, used by clients.
	Envelope struct {
		Type   string `json:"type"`
		From   string `json:"from"`
		To     string `json:"to,omitempty"`
		Group  string `json:"group,omitempty"`
		TS     int64  `json:"ts"`
		Body   any    `json:"body"`
		Sig    string `json:"sig"`
		SigAlg string `json:"sig_alg"`
	}
)

// Fingerprint identifies the delivery for deduplication. Identical deliveries observed
// through different paths share a fingerprint.
func (r *DeliveryRecord) Fingerprint() (string, error) {
	return envelope.Fingerprint(map[string]any{
		"pubsubTopic":  r.PubsubTopic,
		"contentTopic": r.ContentTopic,
		"timestamp":    r.Timestamp,
		"payload":      r.Payload,
	})
}

// Envelope returns the typed view of the record payload.
func (r *DeliveryRecord) Envelope() Envelope {
	p := r.Payload
	sigAlg, _ := p[envelope.KeySigAlg].(string)
	return Envelope{
		Type:   p.Type(),
		From:   p.From(),
		To:     p.To(),
		Group:  p.Group(),
		TS:     p.TS(),
		Body:   p[envelope.KeyBody],
		Sig:    p.Sig(),
		SigAlg: sigAlg,
	}
}
