package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"agent_relay/internal/model"
	"agent_relay/internal/protocol/envelope"
	"agent_relay/internal/service/messaging"
	"agent_relay/internal/topic"
	"agent_relay/internal/transport/transporttest"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	svc *messaging.Service
	mem *transporttest.Memory
	srv *httptest.Server
}

func newTestEnv(t *testing.T, secret string) *testEnv {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Unix(1700000000, 0))
	mem := transporttest.NewMemory()
	mem.SetNow(mock.Now)
	reg := prometheus.NewRegistry()

	svc := messaging.New(mem, messaging.Options{
		Secret:   []byte(secret),
		Clock:    mock,
		Registry: reg,
	})
	srv := httptest.NewServer(NewHttpServer("", svc, reg).Router())
	t.Cleanup(srv.Close)
	return &testEnv{svc: svc, mem: mem, srv: srv}
}

func (e *testEnv) post(t *testing.T, path string, body any, out any) int {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	resp, err := http.Post(e.srv.URL+path, "application/json", rd)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (e *testEnv) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func ptr(s string) *string { return &s }

func TestSubscribeAndUnsubscribe(t *testing.T) {
	e := newTestEnv(t, "s")

	var sub model.SubscribeResponse
	status := e.post(t, "/waku/subscribe", model.SubscribeRequest{AgentID: "Bob", Groups: []string{"team"}}, &sub)
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, sub.SubscriptionID)
	assert.Equal(t, []string{topic.Direct("bob"), topic.Group("team")}, sub.ContentTopics)

	var unsub model.UnsubscribeResponse
	require.Equal(t, http.StatusOK, e.post(t, "/waku/unsubscribe", model.UnsubscribeRequest{AgentID: "bob"}, &unsub))
	assert.True(t, unsub.OK)
	assert.Empty(t, unsub.Message)

	unsub = model.UnsubscribeResponse{}
	require.Equal(t, http.StatusOK, e.post(t, "/waku/unsubscribe", model.UnsubscribeRequest{AgentID: "bob"}, &unsub))
	assert.True(t, unsub.OK)
	assert.Equal(t, "No active subscription", unsub.Message)
}

func TestSubscribe_BadRequest(t *testing.T) {
	e := newTestEnv(t, "s")

	var errResp model.ErrorResponse
	assert.Equal(t, http.StatusBadRequest, e.post(t, "/waku/subscribe", "{not json", &errResp))
	assert.NotEmpty(t, errResp.Error)

	assert.Equal(t, http.StatusBadRequest, e.post(t, "/waku/subscribe", model.SubscribeRequest{}, nil))
}

func TestSend(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		req    model.SendRequest
		status int
	}{
		{
			name:   "direct",
			secret: "s",
			req:    model.SendRequest{FromAgent: "alice", Message: json.RawMessage(`{"text":"hi"}`), ToAgent: ptr("bob")},
			status: http.StatusOK,
		},
		{
			name:   "no target",
			secret: "s",
			req:    model.SendRequest{FromAgent: "alice", Message: json.RawMessage(`"hi"`)},
			status: http.StatusBadRequest,
		},
		{
			name:   "both targets",
			secret: "s",
			req:    model.SendRequest{FromAgent: "alice", Message: json.RawMessage(`"hi"`), ToAgent: ptr("bob"), Group: ptr("team")},
			status: http.StatusBadRequest,
		},
		{
			name:   "no secret",
			secret: "",
			req:    model.SendRequest{FromAgent: "alice", Message: json.RawMessage(`"hi"`), ToAgent: ptr("bob")},
			status: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t, tt.secret)
			assert.Equal(t, tt.status, e.post(t, "/waku/send", tt.req, nil))
		})
	}
}

func TestSend_DeliversToRecipient(t *testing.T) {
	e := newTestEnv(t, "s")

	var res model.SendResponse
	status := e.post(t, "/waku/send", model.SendRequest{
		FromAgent: "alice",
		Message:   json.RawMessage(`{"text":"hi"}`),
		ToAgent:   ptr("Bob"),
	}, &res)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, res.OK)
	assert.Equal(t, messaging.DefaultPubsubTopic, res.PubsubTopic)
	assert.Equal(t, topic.Direct("bob"), res.ContentTopic)
	assert.NotNil(t, res.Result)

	var msgs model.MessagesResponse
	require.Equal(t, http.StatusOK, e.get(t, "/waku/messages?agent_id=bob", &msgs))
	require.Len(t, msgs.Messages, 1)
	env := msgs.Messages[0].Envelope()
	assert.Equal(t, "alice", env.From)
	assert.Equal(t, "Bob", env.To)

	msgs = model.MessagesResponse{}
	require.Equal(t, http.StatusOK, e.get(t, "/waku/messages?agent_id=bob", &msgs))
	assert.Empty(t, msgs.Messages)
}

func TestSend_PreservesNumbers(t *testing.T) {
	e := newTestEnv(t, "s")

	require.Equal(t, http.StatusOK, e.post(t, "/waku/send",
		`{"from_agent":"alice","to_agent":"bob","message":{"x":1,"id":12345678901234567891,"f":1.50}}`, nil))

	published := e.mem.Published()
	require.Len(t, published, 1)
	assert.Contains(t, string(published[0].Payload), `"body":{"f":1.50,"id":12345678901234567891,"x":1}`)

	resp, err := http.Get(e.srv.URL + "/waku/messages?agent_id=bob")
	require.NoError(t, err)
	defer resp.Body.Close()

	var polled struct {
		Messages []struct {
			Payload json.RawMessage `json:"payload"`
		} `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&polled))
	require.Len(t, polled.Messages, 1)

	fields, err := envelope.Parse(polled.Messages[0].Payload)
	require.NoError(t, err)
	assert.True(t, envelope.Verify(fields, []byte("s")), "polled payload must verify")

	body, err := envelope.Canonicalize(fields["body"])
	require.NoError(t, err)
	assert.Equal(t, `{"f":1.50,"id":12345678901234567891,"x":1}`, string(body))
}

func TestDecodeBody(t *testing.T) {
	body, err := decodeBody(nil)
	require.NoError(t, err)
	assert.Nil(t, body)

	body, err = decodeBody(json.RawMessage(`[7,"a"]`))
	require.NoError(t, err)
	assert.Equal(t, []any{json.Number("7"), "a"}, body)

	_, err = decodeBody(json.RawMessage(`1 2`))
	assert.Error(t, err)
	_, err = decodeBody(json.RawMessage(`{`))
	assert.Error(t, err)
}

func TestSend_PublishFailure(t *testing.T) {
	e := newTestEnv(t, "s")
	e.mem.SetErr(func(m *transporttest.Memory) { m.ErrPublish = errors.New("relay down") })

	var errResp model.ErrorResponse
	status := e.post(t, "/waku/send", model.SendRequest{
		FromAgent: "alice",
		Message:   json.RawMessage(`"hi"`),
		ToAgent:   ptr("bob"),
	}, &errResp)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Contains(t, errResp.Detail, "relay down")
	assert.Equal(t, 1, e.svc.Pending("bob"))
}

func TestMessages_Validation(t *testing.T) {
	e := newTestEnv(t, "s")

	assert.Equal(t, http.StatusBadRequest, e.get(t, "/waku/messages", nil))
	assert.Equal(t, http.StatusBadRequest, e.get(t, "/waku/messages?agent_id=bob&max_items=x", nil))

	var msgs model.MessagesResponse
	require.Equal(t, http.StatusOK, e.get(t, "/waku/messages?agent_id=bob&max_items=0", &msgs))
	assert.NotNil(t, msgs.Messages)
	assert.Empty(t, msgs.Messages)
}

func TestGroups(t *testing.T) {
	e := newTestEnv(t, "s")

	var created model.GroupResponse
	require.Equal(t, http.StatusOK, e.post(t, "/groups/create", model.GroupRequest{GroupID: "team", Creator: "Alice"}, &created))
	assert.Equal(t, []string{"alice"}, created.Members)

	var joined model.GroupResponse
	require.Equal(t, http.StatusOK, e.post(t, "/groups/join", model.GroupRequest{GroupID: "team", AgentID: "Bob"}, &joined))
	assert.Equal(t, "bob", joined.Agent)
	assert.NotEmpty(t, joined.SubscriptionID)

	var members model.MembersResponse
	require.Equal(t, http.StatusOK, e.get(t, "/groups/members?group_id=team", &members))
	assert.Equal(t, []string{"alice", "bob"}, members.Members)

	var list model.GroupsResponse
	require.Equal(t, http.StatusOK, e.get(t, "/groups/list", &list))
	assert.Equal(t, []model.GroupSummary{{Group: "team", Members: 2}}, list.Groups)

	require.Equal(t, http.StatusOK, e.post(t, "/groups/leave", model.GroupRequest{GroupID: "team", AgentID: "bob"}, nil))
	members = model.MembersResponse{}
	require.Equal(t, http.StatusOK, e.get(t, "/groups/members?group_id=team", &members))
	assert.Equal(t, []string{"alice"}, members.Members)

	members = model.MembersResponse{}
	require.Equal(t, http.StatusOK, e.get(t, "/groups/members?group_id=nobody", &members))
	assert.NotNil(t, members.Members)
	assert.Empty(t, members.Members)

	assert.Equal(t, http.StatusBadRequest, e.post(t, "/groups/join", model.GroupRequest{GroupID: "team"}, nil))
	assert.Equal(t, http.StatusBadRequest, e.post(t, "/groups/create", model.GroupRequest{}, nil))
	assert.Equal(t, http.StatusBadRequest, e.get(t, "/groups/members", nil))
}

func TestHealthAndMetrics(t *testing.T) {
	e := newTestEnv(t, "s")

	assert.Equal(t, http.StatusOK, e.get(t, "/healthz", nil))

	e.post(t, "/waku/send", model.SendRequest{FromAgent: "alice", Message: json.RawMessage(`"x"`), ToAgent: ptr("bob")}, nil)

	resp, err := http.Get(e.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "relay_records_delivered_total")
}

func TestStream(t *testing.T) {
	e := newTestEnv(t, "s")

	wsURL := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/waku/stream?agent_id=bob"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	_, ok := e.svc.Handle("bob")
	assert.True(t, ok)

	// alice sends over HTTP; bob receives on the stream
	require.Equal(t, http.StatusOK, e.post(t, "/waku/send", model.SendRequest{
		FromAgent: "alice",
		Message:   json.RawMessage(`"ping"`),
		ToAgent:   ptr("bob"),
	}, nil))

	var frame model.StreamFrame
	require.NoError(t, conn.ReadJSON(&frame))
	require.NotNil(t, frame.Message)
	assert.Equal(t, "alice", frame.Message.Envelope().From)

	// bob replies over the stream; the sender is the stream's agent
	require.NoError(t, conn.WriteJSON(model.SendRequest{Message: json.RawMessage(`"pong"`), ToAgent: ptr("alice")}))
	frame = model.StreamFrame{}
	require.NoError(t, conn.ReadJSON(&frame))
	require.NotNil(t, frame.Sent)
	assert.Equal(t, topic.Direct("alice"), frame.Sent.ContentTopic)

	msgs := e.svc.Drain("alice", 10)
	require.Len(t, msgs, 1)
	assert.Equal(t, "bob", msgs[0].Envelope().From)

	// an invalid frame yields an error frame, not a closed stream
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{")))
	frame = model.StreamFrame{}
	require.NoError(t, conn.ReadJSON(&frame))
	require.NotNil(t, frame.Error)
}

func TestStream_RequiresAgent(t *testing.T) {
	e := newTestEnv(t, "s")
	assert.Equal(t, http.StatusBadRequest, e.get(t, "/waku/stream", nil))
}
