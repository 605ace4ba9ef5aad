package messaging

import (
	"context"
	"fmt"

	"agent_relay/internal/model"
	"agent_relay/internal/protocol/envelope"
	"agent_relay/internal/topic"
	"agent_relay/internal/transport"
	"agent_relay/internal/utils/log"

	"go.uber.org/zap"
)

type (
	SendRequest struct {
		From  string
		To    string
		Group string
		Body  any
	}

	SendResult struct {
		PubsubTopic  string
		ContentTopic string
		Envelope     envelope.Fields
		Publish      *transport.PublishResult
		// Loopback lists the local recipients the record was delivered to.
		Loopback []string
	}
)

// Send signs an envelope, publishes it and delivers it locally to the recipient (or to
// every current member of the group). Local delivery is attempted even when publishing
// fails; the publish error is still returned.
func (s *Service) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if (req.To == "") == (req.Group == "") {
		return nil, ErrTargetRequired
	}
	if req.From == "" {
		return nil, ErrAgentRequired
	}
	if len(s.opts.Secret) == 0 {
		return nil, ErrSecretNotConfigured
	}

	contentTopic := topic.Group(req.Group)
	if req.To != "" {
		contentTopic = topic.Direct(req.To)
	}

	now := s.clock.Now()
	sealed, err := envelope.Seal(envelope.New(envelope.TypeChat, req.From, req.To, req.Group, now.Unix(), req.Body), s.opts.Secret)
	if err != nil {
		return nil, err
	}
	payload, err := envelope.Marshal(sealed)
	if err != nil {
		return nil, err
	}

	res := &SendResult{
		PubsubTopic:  s.opts.PubsubTopic,
		ContentTopic: contentTopic,
		Envelope:     sealed,
	}

	res.Publish, err = s.adapter.Publish(ctx, transport.Message{
		PubsubTopic:  s.opts.PubsubTopic,
		ContentTopic: contentTopic,
		Payload:      payload,
		Timestamp:    now.UnixNano(),
	})
	if err != nil {
		s.metrics.transportErrors.WithLabelValues("publish").Inc()
		err = fmt.Errorf("%w to %s: %w", ErrPublishFailed, contentTopic, err)
	}

	res.Loopback = s.loopback(req, &model.DeliveryRecord{
		PubsubTopic:  s.opts.PubsubTopic,
		ContentTopic: contentTopic,
		Timestamp:    now.UnixNano(),
		Payload:      sealed,
	})
	return res, err
}

func (s *Service) loopback(req SendRequest, r *model.DeliveryRecord) []string {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("loopback delivery panicked", zap.Any("panic", rec))
		}
	}()

	var targets []string
	if req.To != "" {
		targets = []string{topic.Normalize(req.To)}
	} else {
		targets = s.Members(req.Group)
	}

	fp, err := r.Fingerprint()
	if err != nil {
		log.Warn("loopback fingerprint failed", zap.Error(err))
		return nil
	}

	delivered := make([]string, 0, len(targets))
	for _, aid := range targets {
		if s.deliverFingerprint(aid, r, fp, pathLoopback) {
			delivered = append(delivered, aid)
		}
	}
	return delivered
}
