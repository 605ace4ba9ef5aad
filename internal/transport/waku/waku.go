// Package waku talks to an nwaku node over its REST API: relay publish, relay subscriptions
// for live traffic and store queries for backfill.
package waku

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"agent_relay/internal/transport"
	"agent_relay/internal/utils/log"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	DefaultNodeURL     = "http://localhost:8645"
	DefaultPubsubTopic = "/app/agents/1"
	DefaultMaxPages    = 10

	pathRelayMessages = "/relay/v1/auto/messages"
	pathRelaySubs     = "/relay/v1/auto/subscriptions"
	pathStore         = "/store/v1/messages"
	pathDebugInfo     = "/debug/v1/info"

	maxErrorBody = 512
)

// StatusError is returned when the node answers with a non-2xx status.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("waku %s: status %d: %s", e.Op, e.Status, e.Body)
}

type (
	Client struct {
		baseURL     string
		http        *http.Client
		pubsubTopic string
		maxPages    int

		peerMu    sync.Mutex
		peerTried bool
		peerID    string

		mu      sync.Mutex
		handles map[transport.Handle]*handle
		topics  map[string]*topicState
		closed  bool
	}

	handle struct {
		topics  []string
		pending []transport.RawMessage
	}

	// topicState counts the handles listening on a content topic. live is false when the node
	// refused the relay subscription; such topics are served by backfill only.
	topicState struct {
		refs int
		live bool
	}
)

type Option func(c *Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

func WithTimeout(d time.Duration) Option { return func(c *Client) { c.http.Timeout = d } }

func WithPubsubTopic(t string) Option { return func(c *Client) { c.pubsubTopic = t } }

func WithMaxPages(n int) Option { return func(c *Client) { c.maxPages = n } }

// WithPeerID skips peer discovery and uses id for store queries.
func WithPeerID(id string) Option {
	return func(c *Client) {
		c.peerID = id
		c.peerTried = true
	}
}

func New(nodeURL string, opts ...Option) *Client {
	if nodeURL == "" {
		nodeURL = DefaultNodeURL
	}
	c := &Client{
		baseURL:     strings.TrimRight(nodeURL, "/"),
		http:        &http.Client{Timeout: 10 * time.Second},
		pubsubTopic: DefaultPubsubTopic,
		maxPages:    DefaultMaxPages,
		handles:     make(map[transport.Handle]*handle),
		topics:      make(map[string]*topicState),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxPages <= 0 {
		c.maxPages = 1
	}
	return c
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body any) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("waku %s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("waku %s: read body: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(data) > maxErrorBody {
			data = data[:maxErrorBody]
		}
		return nil, &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return data, nil
}

// Subscribe registers a handle over contentTopics. Topics not yet relayed are subscribed on
// the node. A node that rejects relay subscriptions still yields a working handle; a node that
// cannot be reached is an error.
func (c *Client) Subscribe(ctx context.Context, contentTopics []string) (transport.Handle, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", transport.ErrClosed
	}
	var fresh []string
	for _, t := range contentTopics {
		if _, ok := c.topics[t]; !ok {
			fresh = append(fresh, t)
		}
	}
	c.mu.Unlock()

	live := true
	if len(fresh) > 0 {
		if _, err := c.do(ctx, "relay subscribe", http.MethodPost, pathRelaySubs, nil, fresh); err != nil {
			var se *StatusError
			if !errors.As(err, &se) {
				return "", err
			}
			log.Warn("waku relay subscription rejected, relying on store backfill", zap.Int("status", se.Status), zap.Strings("topics", fresh))
			live = false
		}
	}

	h := transport.Handle(uuid.NewString())

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range contentTopics {
		st, ok := c.topics[t]
		if !ok {
			st = &topicState{live: live}
			c.topics[t] = st
		}
		st.refs++
	}
	c.handles[h] = &handle{topics: append([]string(nil), contentTopics...)}
	return h, nil
}

// Unsubscribe releases h. Node subscriptions are dropped only for topics no other handle uses.
func (c *Client) Unsubscribe(ctx context.Context, h transport.Handle) (bool, error) {
	c.mu.Lock()
	hd, ok := c.handles[h]
	if !ok {
		c.mu.Unlock()
		return false, transport.ErrUnknownHandle
	}
	delete(c.handles, h)
	release := c.releaseLocked(hd.topics)
	c.mu.Unlock()

	if len(release) == 0 {
		return true, nil
	}
	if _, err := c.do(ctx, "relay unsubscribe", http.MethodDelete, pathRelaySubs, nil, release); err != nil {
		return false, err
	}
	return true, nil
}

// releaseLocked drops one reference per topic and returns the live topics left unreferenced.
func (c *Client) releaseLocked(topics []string) []string {
	var release []string
	for _, t := range topics {
		st, ok := c.topics[t]
		if !ok {
			continue
		}
		st.refs--
		if st.refs > 0 {
			continue
		}
		delete(c.topics, t)
		if st.live {
			release = append(release, t)
		}
	}
	return release
}

// PollLive drains the node cache for each live topic of h. The node cache is shared, so what
// is drained is handed to every handle listening on the topic and buffered until it polls.
func (c *Client) PollLive(ctx context.Context, h transport.Handle) ([]transport.RawMessage, error) {
	c.mu.Lock()
	hd, ok := c.handles[h]
	if !ok {
		c.mu.Unlock()
		return nil, transport.ErrUnknownHandle
	}
	var topics []string
	for _, t := range hd.topics {
		if st := c.topics[t]; st != nil && st.live {
			topics = append(topics, t)
		}
	}
	c.mu.Unlock()

	var errs error
	for _, t := range topics {
		data, err := c.do(ctx, "relay poll", http.MethodGet, pathRelayMessages+"/"+url.PathEscape(t), nil, nil)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		var msgs []wireMessage
		if err := json.Unmarshal(data, &msgs); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("waku relay poll: decode: %w", err))
			continue
		}
		c.fanOut(t, msgs)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	hd, ok = c.handles[h]
	if !ok {
		return nil, errs
	}
	out := hd.pending
	hd.pending = nil
	return out, errs
}

func (c *Client) fanOut(topic string, msgs []wireMessage) {
	if len(msgs) == 0 {
		return
	}
	raws := make([]transport.RawMessage, len(msgs))
	for i, m := range msgs {
		raws[i] = m.raw(c.pubsubTopic)
		if raws[i].ContentTopic == "" {
			raws[i].ContentTopic = topic
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, hd := range c.handles {
		for _, t := range hd.topics {
			if t == topic {
				hd.pending = append(hd.pending, raws...)
				break
			}
		}
	}
}

// discoverPeer reads the node's own peer id from its first listen address. Failure is not
// an error; store queries then go without a peer id.
func (c *Client) discoverPeer(ctx context.Context) string {
	c.peerMu.Lock()
	defer c.peerMu.Unlock()
	if c.peerTried {
		return c.peerID
	}
	c.peerTried = true

	data, err := c.do(ctx, "debug info", http.MethodGet, pathDebugInfo, nil, nil)
	if err != nil {
		log.Debug("waku peer discovery failed", zap.Error(err))
		return ""
	}
	var info debugInfo
	if err := json.Unmarshal(data, &info); err != nil || len(info.ListenAddresses) == 0 {
		return ""
	}
	if i := strings.LastIndex(info.ListenAddresses[0], "/p2p/"); i >= 0 {
		c.peerID = info.ListenAddresses[0][i+len("/p2p/"):]
	}
	return c.peerID
}

// QueryStore pages through the node store in ascending order, following the cursor for up to
// maxPages pages.
func (c *Client) QueryStore(ctx context.Context, q transport.StoreQuery) ([]transport.RawMessage, error) {
	base := url.Values{}
	for _, t := range q.ContentTopics {
		base.Add("contentTopics", t)
	}
	if q.PageSize > 0 {
		base.Set("pageSize", strconv.Itoa(q.PageSize))
	}
	base.Set("ascending", "true")
	if q.PubsubTopic != "" {
		base.Set("pubsubTopic", q.PubsubTopic)
	}
	if peer := c.discoverPeer(ctx); peer != "" {
		base.Set("peerId", peer)
	}
	if !q.StartTime.IsZero() {
		base.Set("startTime", strconv.FormatInt(q.StartTime.UnixNano(), 10))
	}

	pubsub := q.PubsubTopic
	if pubsub == "" {
		pubsub = c.pubsubTopic
	}

	var out []transport.RawMessage
	query := base
	for page := 0; page < c.maxPages; page++ {
		data, err := c.do(ctx, "store query", http.MethodGet, pathStore, query, nil)
		if err != nil {
			return out, err
		}
		var resp storeResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return out, fmt.Errorf("waku store query: decode: %w", err)
		}
		for _, m := range resp.Messages {
			out = append(out, m.raw(pubsub))
		}

		next, ok := nextPage(base, &resp)
		if !ok || len(resp.Messages) == 0 {
			break
		}
		query = next
	}
	return out, nil
}

func nextPage(base url.Values, resp *storeResponse) (url.Values, bool) {
	next := url.Values{}
	for k, v := range base {
		next[k] = append([]string(nil), v...)
	}
	switch {
	case resp.PaginationCursor != "":
		next.Set("cursor", resp.PaginationCursor)
	case resp.Cursor != nil:
		cur := resp.Cursor
		if cur.PubsubTopic != "" {
			next.Set("pubsubTopic", cur.PubsubTopic)
		}
		next.Set("senderTime", strconv.FormatInt(int64(cur.SenderTime), 10))
		next.Set("storeTime", strconv.FormatInt(int64(cur.StoreTime), 10))
		switch d := cur.Digest.(type) {
		case string:
			next.Set("digest", d)
		case map[string]any:
			if s, ok := d["data"].(string); ok {
				next.Set("digest", s)
			}
		}
	default:
		return nil, false
	}
	return next, true
}

// Publish posts the payload base64-encoded. The node answers either JSON or plain text; the
// decoded answer is returned as the result detail.
func (c *Client) Publish(ctx context.Context, msg transport.Message) (*transport.PublishResult, error) {
	data, err := c.do(ctx, "relay publish", http.MethodPost, pathRelayMessages, nil, publishBody{
		Payload:      base64.StdEncoding.EncodeToString(msg.Payload),
		ContentTopic: msg.ContentTopic,
		Timestamp:    msg.Timestamp,
	})
	if err != nil {
		return nil, err
	}

	var detail any
	if err := json.Unmarshal(data, &detail); err != nil {
		detail = strings.TrimSpace(string(data))
	}
	return &transport.PublishResult{Backend: "waku", Detail: detail}, nil
}

// Close drops every node subscription this client holds.
func (c *Client) Close() error {
	c.mu.Lock()
	var live []string
	for t, st := range c.topics {
		if st.live {
			live = append(live, t)
		}
	}
	c.topics = make(map[string]*topicState)
	c.handles = make(map[transport.Handle]*handle)
	c.closed = true
	c.mu.Unlock()

	if len(live) == 0 {
		return nil
	}
	timeout := c.http.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, err := c.do(ctx, "relay unsubscribe", http.MethodDelete, pathRelaySubs, nil, live)
	return err
}

var _ transport.Adapter = (*Client)(nil)
