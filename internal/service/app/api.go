package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"agent_relay/internal/model"

	"github.com/gorilla/websocket"
)

const DefaultHost = "localhost:9090"

type (
	// API is a client for the relay HTTP API.
	API struct {
		host string
		http *http.Client
	}

	// APIError is a non-2xx answer from the relay.
	APIError struct {
		Status int
		model.ErrorResponse
	}
)

func (e *APIError) Error() string {
	msg := e.ErrorResponse.Error
	if msg == "" {
		msg = e.Detail
	}
	return fmt.Sprintf("relay: status %d: %s", e.Status, msg)
}

func NewAPI(host string) *API {
	if host == "" {
		host = DefaultHost
	}
	return &API{
		host: host,
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

func (a *API) url(path string, query url.Values) string {
	u := url.URL{
		Scheme:   "http",
		Host:     a.host,
		Path:     path,
		RawQuery: query.Encode(),
	}
	return u.String()
}

func (a *API) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.url(path, query), rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr.ErrorResponse)
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (a *API) Subscribe(ctx context.Context, agentID string, groups []string) (*model.SubscribeResponse, error) {
	var res model.SubscribeResponse
	err := a.do(ctx, http.MethodPost, "/waku/subscribe", nil, model.SubscribeRequest{AgentID: agentID, Groups: groups}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (a *API) Unsubscribe(ctx context.Context, agentID string) error {
	return a.do(ctx, http.MethodPost, "/waku/unsubscribe", nil, model.UnsubscribeRequest{AgentID: agentID}, nil)
}

func (a *API) Messages(ctx context.Context, agentID string, max int) ([]*model.DeliveryRecord, error) {
	q := url.Values{
		"agent_id":  []string{agentID},
		"max_items": []string{strconv.Itoa(max)},
	}
	var res model.MessagesResponse
	if err := a.do(ctx, http.MethodGet, "/waku/messages", q, nil, &res); err != nil {
		return nil, err
	}
	return res.Messages, nil
}

func (a *API) Send(ctx context.Context, req model.SendRequest) (*model.SendResponse, error) {
	var res model.SendResponse
	if err := a.do(ctx, http.MethodPost, "/waku/send", nil, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (a *API) JoinGroup(ctx context.Context, groupID, agentID string) error {
	return a.do(ctx, http.MethodPost, "/groups/join", nil, model.GroupRequest{GroupID: groupID, AgentID: agentID}, nil)
}

func (a *API) Members(ctx context.Context, groupID string) ([]string, error) {
	var res model.MembersResponse
	if err := a.do(ctx, http.MethodGet, "/groups/members", url.Values{"group_id": []string{groupID}}, nil, &res); err != nil {
		return nil, err
	}
	return res.Members, nil
}

// OpenStream dials the push stream for agentID.
func (a *API) OpenStream(agentID string) (*websocket.Conn, error) {
	u := url.URL{
		Scheme:   "ws",
		Host:     a.host,
		Path:     "/waku/stream",
		RawQuery: url.Values{"agent_id": []string{agentID}}.Encode(),
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
