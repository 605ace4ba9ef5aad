package waku

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"agent_relay/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNode is a minimal nwaku REST surface.
type fakeNode struct {
	mu         sync.Mutex
	rejectSubs bool
	subs       map[string]bool
	unsubbed   []string
	cache      map[string][]map[string]any
	published  []map[string]any
	storePages map[string]string // cursor -> response body; "" is the first page
	storeReqs  []url.Values
	infoCalls  int
}

func newFakeNode(t *testing.T) (*fakeNode, *Client) {
	t.Helper()
	n := &fakeNode{
		subs:       make(map[string]bool),
		cache:      make(map[string][]map[string]any),
		storePages: make(map[string]string),
	}
	srv := httptest.NewServer(http.HandlerFunc(n.serve))
	t.Cleanup(srv.Close)
	return n, New(srv.URL+"/", WithTimeout(2*time.Second))
}

func (n *fakeNode) serve(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	defer n.mu.Unlock()

	path := r.URL.EscapedPath()
	switch {
	case path == pathRelaySubs:
		if n.rejectSubs {
			http.Error(w, "relay not mounted", http.StatusNotFound)
			return
		}
		var topics []string
		_ = json.NewDecoder(r.Body).Decode(&topics)
		for _, t := range topics {
			if r.Method == http.MethodPost {
				n.subs[t] = true
			} else {
				delete(n.subs, t)
				n.unsubbed = append(n.unsubbed, t)
			}
		}
		_, _ = w.Write([]byte("OK"))

	case path == pathRelayMessages && r.Method == http.MethodPost:
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		n.published = append(n.published, body)
		_, _ = w.Write([]byte("OK"))

	case strings.HasPrefix(path, pathRelayMessages+"/"):
		topic, _ := url.PathUnescape(strings.TrimPrefix(path, pathRelayMessages+"/"))
		msgs := n.cache[topic]
		if msgs == nil {
			msgs = []map[string]any{}
		}
		delete(n.cache, topic)
		_ = json.NewEncoder(w).Encode(msgs)

	case path == pathStore:
		q := r.URL.Query()
		n.storeReqs = append(n.storeReqs, q)
		key := q.Get("cursor")
		if key == "" {
			key = q.Get("digest")
		}
		body, ok := n.storePages[key]
		if !ok {
			body = `{"messages":[]}`
		}
		_, _ = w.Write([]byte(body))

	case path == pathDebugInfo:
		n.infoCalls++
		_, _ = w.Write([]byte(`{"listenAddresses":["/ip4/127.0.0.1/tcp/60000/p2p/16Uiu2HAmPeer"]}`))

	default:
		http.NotFound(w, r)
	}
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func TestPublish(t *testing.T) {
	node, c := newFakeNode(t)

	res, err := c.Publish(context.Background(), transport.Message{
		PubsubTopic:  DefaultPubsubTopic,
		ContentTopic: "/agents/1/direct/bob",
		Payload:      []byte(`{"a":1}`),
		Timestamp:    1700000000000000000,
	})
	require.NoError(t, err)
	assert.Equal(t, "waku", res.Backend)
	assert.Equal(t, "OK", res.Detail)

	require.Len(t, node.published, 1)
	assert.Equal(t, b64(`{"a":1}`), node.published[0]["payload"])
	assert.Equal(t, "/agents/1/direct/bob", node.published[0]["contentTopic"])
	assert.EqualValues(t, 1700000000000000000, node.published[0]["timestamp"])
}

func TestPublishStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no peers", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	c := New(srv.URL)

	_, err := c.Publish(context.Background(), transport.Message{ContentTopic: "/t", Payload: []byte("x")})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Status)
	assert.Equal(t, "no peers", se.Body)
}

func TestLiveFanOutAndRefcount(t *testing.T) {
	node, c := newFakeNode(t)
	ctx := context.Background()

	hBob, err := c.Subscribe(ctx, []string{"/agents/1/direct/bob", "/agents/1/group/team"})
	require.NoError(t, err)
	hCarol, err := c.Subscribe(ctx, []string{"/agents/1/direct/carol", "/agents/1/group/team"})
	require.NoError(t, err)
	assert.True(t, node.subs["/agents/1/group/team"])

	node.mu.Lock()
	node.cache["/agents/1/group/team"] = []map[string]any{
		{"payload": b64("g1"), "contentTopic": "/agents/1/group/team", "timestamp": "42"},
	}
	node.mu.Unlock()

	// bob's poll drains the shared cache; carol still receives her copy
	msgs, err := c.PollLive(ctx, hBob)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(42), msgs[0].Timestamp)
	assert.Equal(t, DefaultPubsubTopic, msgs[0].PubsubTopic)

	msgs, err = c.PollLive(ctx, hCarol)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, b64("g1"), msgs[0].Payload)

	ok, err := c.Unsubscribe(ctx, hBob)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, node.subs["/agents/1/group/team"], "shared topic must stay subscribed")
	assert.False(t, node.subs["/agents/1/direct/bob"])

	_, err = c.Unsubscribe(ctx, hBob)
	assert.ErrorIs(t, err, transport.ErrUnknownHandle)

	require.NoError(t, c.Close())
	assert.Empty(t, node.subs)

	_, err = c.Subscribe(ctx, []string{"/t"})
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestOverlappingHandleSwap(t *testing.T) {
	node, c := newFakeNode(t)
	ctx := context.Background()

	old, err := c.Subscribe(ctx, []string{"/agents/1/direct/bob"})
	require.NoError(t, err)

	node.mu.Lock()
	node.cache["/agents/1/direct/bob"] = []map[string]any{
		{"payload": b64("buffered"), "contentTopic": "/agents/1/direct/bob", "timestamp": 7},
	}
	node.mu.Unlock()

	// subscribe the replacement first, then drain and release the old handle
	next, err := c.Subscribe(ctx, []string{"/agents/1/direct/bob", "/agents/1/group/team"})
	require.NoError(t, err)
	msgs, err := c.PollLive(ctx, old)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	ok, err := c.Unsubscribe(ctx, old)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Empty(t, node.unsubbed, "shared topic must not be deleted on the node")
	assert.True(t, node.subs["/agents/1/direct/bob"])

	// the replacement got its own copy of what the old handle drained
	msgs, err = c.PollLive(ctx, next)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, b64("buffered"), msgs[0].Payload)
}

func TestQueryStoreStartTime(t *testing.T) {
	node, c := newFakeNode(t)

	_, err := c.QueryStore(context.Background(), transport.StoreQuery{
		ContentTopics: []string{"/t"},
		StartTime:     time.Unix(1700000000, 5),
	})
	require.NoError(t, err)
	require.Len(t, node.storeReqs, 1)
	assert.Equal(t, "1700000000000000005", node.storeReqs[0].Get("startTime"))
}

func TestRejectedRelaySubscriptionDegrades(t *testing.T) {
	node, c := newFakeNode(t)
	node.rejectSubs = true
	ctx := context.Background()

	h, err := c.Subscribe(ctx, []string{"/t"})
	require.NoError(t, err)
	assert.NotEmpty(t, h)

	msgs, err := c.PollLive(ctx, h)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	ok, err := c.Unsubscribe(ctx, h)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, node.unsubbed)
}

func TestSubscribeUnreachableNode(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c := New(addr, WithTimeout(time.Second))
	_, err := c.Subscribe(context.Background(), []string{"/t"})
	assert.Error(t, err)
}

func TestQueryStore(t *testing.T) {
	node, c := newFakeNode(t)
	node.storePages[""] = `{
		"messages": [
			{"payload": "` + b64("one") + `", "contentTopic": "/t", "timestamp": 1},
			{"messageHash": "0xaa", "pubsubTopic": "/waku/2/rs/0/1", "message": {"payload": "` + b64("two") + `", "contentTopic": "/t", "timestamp": "2"}}
		],
		"paginationCursor": "p2"
	}`
	node.storePages["p2"] = `{
		"messages": [{"payload": "` + b64("three") + `", "contentTopic": "/t", "timestamp": 3}],
		"cursor": {"pubsubTopic": "/app/agents/1", "senderTime": 3, "storeTime": 3, "digest": {"data": "d3"}}
	}`
	node.storePages["d3"] = `{"messages": []}`

	msgs, err := c.QueryStore(context.Background(), transport.StoreQuery{
		ContentTopics: []string{"/t"},
		PubsubTopic:   "/app/agents/1",
		PageSize:      2,
	})
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, b64("one"), msgs[0].Payload)
	assert.Equal(t, "/app/agents/1", msgs[0].PubsubTopic)
	assert.Equal(t, b64("two"), msgs[1].Payload)
	assert.Equal(t, int64(2), msgs[1].Timestamp)
	assert.Equal(t, "/waku/2/rs/0/1", msgs[1].PubsubTopic)
	assert.Equal(t, int64(3), msgs[2].Timestamp)

	require.Len(t, node.storeReqs, 3)
	first := node.storeReqs[0]
	assert.Equal(t, []string{"/t"}, first["contentTopics"])
	assert.Equal(t, "2", first.Get("pageSize"))
	assert.Equal(t, "true", first.Get("ascending"))
	assert.Equal(t, "16Uiu2HAmPeer", first.Get("peerId"))
	assert.Equal(t, "p2", node.storeReqs[1].Get("cursor"))
	assert.Equal(t, "3", node.storeReqs[2].Get("storeTime"))

	// peer discovery happens once
	_, err = c.QueryStore(context.Background(), transport.StoreQuery{ContentTopics: []string{"/t"}})
	require.NoError(t, err)
	assert.Equal(t, 1, node.infoCalls)
}

func TestQueryStoreMaxPages(t *testing.T) {
	node, c := newFakeNode(t)
	c.maxPages = 1
	node.storePages[""] = `{"messages":[{"payload":"eA==","contentTopic":"/t","timestamp":1}],"paginationCursor":"next"}`

	msgs, err := c.QueryStore(context.Background(), transport.StoreQuery{ContentTopics: []string{"/t"}})
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	assert.Len(t, node.storeReqs, 1)
}

func TestFlexInt(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{`12`, 12},
		{`"1700000000000000000"`, 1700000000000000000},
		{`null`, 0},
		{`"abc"`, 0},
	}
	for _, tt := range tests {
		var f flexInt
		require.NoError(t, json.Unmarshal([]byte(tt.in), &f), tt.in)
		assert.Equal(t, tt.want, int64(f), tt.in)
	}
}
