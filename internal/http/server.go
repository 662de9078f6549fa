package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"smrcore/pkg/replica"
	"smrcore/pkg/statetransfer"
	"smrcore/pkg/types"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5
)

type iController interface {
	SubmitRequest(ctx context.Context, req types.Request) (types.Reply, error)
	Status() replica.Status
}

type iTransferResponder interface {
	HandleOfferRequest(target types.SeqNum) (statetransfer.Offer, bool)
	HandleFetch(seq types.SeqNum) (statetransfer.Payload, error)
}

type iOrdering interface {
	Handle(ctx context.Context, msg raftpb.Message) error
	IsLeader() bool
	LeaderAddr() string
}

// Server exposes the replica: client request intake, operator status, the
// state-transfer responder and the ordering-protocol message endpoint.
type Server struct {
	ctrl       iController
	transfer   iTransferResponder
	ordering   iOrdering // nil when ordering runs out of process
	httpServer *http.Server
	URL        string
	addr       string
}

// NewServer creates a new server instance.
func NewServer(ctrl iController, transfer iTransferResponder, ordering iOrdering, port string) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	return &Server{
		ctrl:     ctrl,
		transfer: transfer,
		ordering: ordering,
		URL:      "http://localhost:" + port,
		addr:     ":" + port,
	}
}

// Start starts the server.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

// Stop stops the server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	return nil
}

// createRouter builds chi router.
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Post("/api/request", s.handleRequest)
	r.Get("/internal/state/offer", s.handleStateOffer)
	r.Get("/internal/state/fetch", s.handleStateFetch)

	if s.ordering != nil {
		r.Post("/internal/ordering", s.handleOrdering)
	}

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

// redirectLeader forwards client requests to the ordering leader; followers
// can still answer duplicates from cache, so only novel requests bounce.
func (s *Server) redirectLeader(w http.ResponseWriter, r *http.Request) (bool, error) {
	if s.ordering == nil || s.ordering.IsLeader() {
		return false, nil
	}

	leaderAddr := s.ordering.LeaderAddr()
	if leaderAddr == "" || leaderAddr == s.URL {
		// Leader unknown yet, or it's us under another name — handle locally.
		return false, nil
	}

	leaderURL, err := url.JoinPath(leaderAddr, r.URL.Path)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse("Failed to get leader URL"))
		return false, fmt.Errorf("failed to join leader path: %w", err)
	}

	http.Redirect(w, r, leaderURL, http.StatusTemporaryRedirect)
	return true, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	var req types.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("malformed request body"))
		return
	}
	if req.Client == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("missing client id"))
		return
	}

	if redirected, err := s.redirectLeader(w, r); redirected || err != nil {
		return
	}

	reply, err := s.ctrl.SubmitRequest(r.Context(), req)
	if err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, NewErrorResponse(err.Error()))
		return
	}

	s.writeJSON(w, http.StatusOK, NewReplyResponse(reply))
}

func (s *Server) handleStateOffer(w http.ResponseWriter, r *http.Request) {
	target, err := strconv.ParseUint(r.URL.Query().Get("target"), 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("malformed target"))
		return
	}

	offer, ok := s.transfer.HandleOfferRequest(types.SeqNum(target))
	if !ok {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("no durable checkpoint"))
		return
	}

	s.writeJSON(w, http.StatusOK, offer)
}

func (s *Server) handleStateFetch(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseUint(r.URL.Query().Get("seq"), 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("malformed seq"))
		return
	}

	payload, err := s.transfer.HandleFetch(types.SeqNum(seq))
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse(err.Error()))
		return
	}

	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleOrdering(w http.ResponseWriter, r *http.Request) {
	var msg raftpb.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("malformed ordering message"))
		return
	}

	if err := s.ordering.Handle(r.Context(), msg); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}

	w.WriteHeader(http.StatusOK)
}
