package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"agent_relay/internal/model"
	"agent_relay/internal/service/messaging"
	"agent_relay/internal/topic"
	"agent_relay/internal/transport"
	"agent_relay/internal/utils/log"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const defaultMaxItems = 50

type (
	HttpServer struct {
		svc      *messaging.Service
		gatherer prometheus.Gatherer
		srv      *http.Server
	}
)

func NewHttpServer(addr string, svc *messaging.Service, gatherer prometheus.Gatherer) *HttpServer {
	s := &HttpServer{
		svc:      svc,
		gatherer: gatherer,
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *HttpServer) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/waku/subscribe", s.HandleSubscribe()).Methods(http.MethodPost)
	r.HandleFunc("/waku/unsubscribe", s.HandleUnsubscribe()).Methods(http.MethodPost)
	r.HandleFunc("/waku/messages", s.HandleMessages()).Methods(http.MethodGet)
	r.HandleFunc("/waku/send", s.HandleSend()).Methods(http.MethodPost)
	r.HandleFunc("/waku/stream", s.HandleStream()).Methods(http.MethodGet)

	r.HandleFunc("/groups/list", s.HandleListGroups()).Methods(http.MethodGet)
	r.HandleFunc("/groups/members", s.HandleMembers()).Methods(http.MethodGet)
	r.HandleFunc("/groups/create", s.HandleCreateGroup()).Methods(http.MethodPost)
	r.HandleFunc("/groups/join", s.HandleJoinGroup()).Methods(http.MethodPost)
	r.HandleFunc("/groups/leave", s.HandleLeaveGroup()).Methods(http.MethodPost)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}).Methods(http.MethodGet)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return r
}

// Run serves until Shutdown is called.
func (s *HttpServer) Run() error {
	log.Info("http server listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HttpServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("write response failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, model.ErrorResponse{Error: msg, Detail: msg})
}

// statusFor maps service errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, messaging.ErrTargetRequired),
		errors.Is(err, messaging.ErrAgentRequired),
		errors.Is(err, messaging.ErrGroupRequired):
		return http.StatusBadRequest
	case errors.Is(err, messaging.ErrSecretNotConfigured):
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *HttpServer) HandleSubscribe() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req model.SubscribeRequest
		if !decode(w, r, &req) {
			return
		}

		sub, err := s.svc.Subscribe(r.Context(), req.AgentID, req.Groups)
		if err != nil {
			log.Error("subscribe failed", zap.String("agent", req.AgentID), zap.Error(err))
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, model.SubscribeResponse{
			SubscriptionID: string(sub.Handle),
			ContentTopics:  sub.ContentTopics,
		})
	}
}

func (s *HttpServer) HandleUnsubscribe() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req model.UnsubscribeRequest
		if !decode(w, r, &req) {
			return
		}

		ok, err := s.svc.Unsubscribe(r.Context(), req.AgentID)
		if err != nil {
			log.Error("unsubscribe failed", zap.String("agent", req.AgentID), zap.Error(err))
			writeError(w, statusFor(err), err.Error())
			return
		}
		if !ok {
			writeJSON(w, http.StatusOK, model.UnsubscribeResponse{OK: true, Message: "No active subscription"})
			return
		}
		writeJSON(w, http.StatusOK, model.UnsubscribeResponse{OK: true})
	}
}

func (s *HttpServer) HandleMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		agentID := q.Get("agent_id")
		if agentID == "" {
			writeError(w, http.StatusBadRequest, "agent_id cannot be empty")
			return
		}

		max := defaultMaxItems
		if v := q.Get("max_items"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "max_items must be a non-negative integer")
				return
			}
			max = n
		}

		msgs := s.svc.Poll(r.Context(), agentID, max)
		if msgs == nil {
			msgs = []*model.DeliveryRecord{}
		}
		writeJSON(w, http.StatusOK, model.MessagesResponse{Messages: msgs})
	}
}

func (s *HttpServer) HandleSend() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req model.SendRequest
		if !decode(w, r, &req) {
			return
		}

		res, status, err := s.send(r.Context(), req, "")
		if err != nil {
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// decodeBody decodes a message body keeping numbers as json.Number, so they are signed and
// relayed exactly as the client wrote them.
func decodeBody(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var body any
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("invalid message body: %w", err)
	}
	if dec.More() {
		return nil, errors.New("invalid message body: trailing data")
	}
	return body, nil
}

// send runs a send request. from, when set, overrides the request's sender.
func (s *HttpServer) send(ctx context.Context, req model.SendRequest, from string) (*model.SendResponse, int, error) {
	body, err := decodeBody(req.Message)
	if err != nil {
		return nil, http.StatusBadRequest, err
	}
	if from == "" {
		from = req.FromAgent
	}

	sreq := messaging.SendRequest{From: from, Body: body}
	if req.ToAgent != nil {
		sreq.To = *req.ToAgent
	}
	if req.Group != nil {
		sreq.Group = *req.Group
	}
	if (req.ToAgent == nil) == (req.Group == nil) || (sreq.To == "" && sreq.Group == "") {
		return nil, http.StatusBadRequest, messaging.ErrTargetRequired
	}

	res, err := s.svc.Send(ctx, sreq)
	if err != nil {
		log.Error("send failed", zap.String("from", from), zap.Error(err))
		return nil, statusFor(err), err
	}
	return &model.SendResponse{
		OK:           true,
		PubsubTopic:  res.PubsubTopic,
		ContentTopic: res.ContentTopic,
		Result:       res.Publish,
	}, http.StatusOK, nil
}

func (s *HttpServer) HandleListGroups() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		groups := s.svc.ListGroups()
		if groups == nil {
			groups = []model.GroupSummary{}
		}
		writeJSON(w, http.StatusOK, model.GroupsResponse{Groups: groups})
	}
}

func (s *HttpServer) HandleMembers() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		groupID := r.URL.Query().Get("group_id")
		if groupID == "" {
			writeError(w, http.StatusBadRequest, "group_id cannot be empty")
			return
		}
		members := s.svc.Members(groupID)
		if members == nil {
			members = []string{}
		}
		writeJSON(w, http.StatusOK, model.MembersResponse{Group: groupID, Members: members})
	}
}

func (s *HttpServer) HandleCreateGroup() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req model.GroupRequest
		if !decode(w, r, &req) {
			return
		}

		members, err := s.svc.CreateGroup(r.Context(), req.GroupID, req.Creator)
		if err != nil {
			log.Error("create group failed", zap.String("group", req.GroupID), zap.Error(err))
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, model.GroupResponse{OK: true, Group: req.GroupID, Members: members})
	}
}

func (s *HttpServer) HandleJoinGroup() http.HandlerFunc {
	return s.handleMembership("join", s.svc.JoinGroup)
}

func (s *HttpServer) HandleLeaveGroup() http.HandlerFunc {
	return s.handleMembership("leave", s.svc.LeaveGroup)
}

func (s *HttpServer) handleMembership(op string, fn func(ctx context.Context, groupID, agentID string) (transport.Handle, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req model.GroupRequest
		if !decode(w, r, &req) {
			return
		}

		h, err := fn(r.Context(), req.GroupID, req.AgentID)
		if err != nil {
			log.Error(op+" group failed", zap.String("group", req.GroupID), zap.String("agent", req.AgentID), zap.Error(err))
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, model.GroupResponse{
			OK:             true,
			Group:          req.GroupID,
			Agent:          topic.Normalize(req.AgentID),
			SubscriptionID: string(h),
		})
	}
}
