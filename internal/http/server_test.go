package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.etcd.io/etcd/raft/v3/raftpb"

	"smrcore/pkg/journal"
	"smrcore/pkg/replica"
	"smrcore/pkg/statetransfer"
	"smrcore/pkg/types"
)

// fakeController implements iController for tests
type fakeController struct {
	reply  types.Reply
	err    error
	status replica.Status
}

func (f *fakeController) SubmitRequest(ctx context.Context, req types.Request) (types.Reply, error) {
	if f.err != nil {
		return types.Reply{}, f.err
	}
	return f.reply, nil
}

func (f *fakeController) Status() replica.Status { return f.status }

// fakeTransfer implements iTransferResponder for tests
type fakeTransfer struct {
	offer    statetransfer.Offer
	hasOffer bool
	payload  statetransfer.Payload
	fetchErr error
}

func (f *fakeTransfer) HandleOfferRequest(target types.SeqNum) (statetransfer.Offer, bool) {
	return f.offer, f.hasOffer
}

func (f *fakeTransfer) HandleFetch(seq types.SeqNum) (statetransfer.Payload, error) {
	if f.fetchErr != nil {
		return statetransfer.Payload{}, f.fetchErr
	}
	return f.payload, nil
}

// fakeOrdering implements iOrdering for tests
type fakeOrdering struct {
	leader     bool
	leaderAddr string
	handled    []raftpb.Message
	handleErr  error
}

func (f *fakeOrdering) Handle(ctx context.Context, msg raftpb.Message) error {
	if f.handleErr != nil {
		return f.handleErr
	}
	f.handled = append(f.handled, msg)
	return nil
}

func (f *fakeOrdering) IsLeader() bool     { return f.leader }
func (f *fakeOrdering) LeaderAddr() string { return f.leaderAddr }

func decodeResp(t *testing.T, rr *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return resp
}

func TestHealthHandler(t *testing.T) {
	s := NewServer(&fakeController{}, &fakeTransfer{}, nil, "8080")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}
	if resp := decodeResp(t, rr); resp.Status != StatusOK {
		t.Fatalf("Expected OK status, got %s", resp.Status)
	}
}

func TestStatusHandler(t *testing.T) {
	ctrl := &fakeController{status: replica.Status{
		Phase:       "normal",
		LastApplied: 42,
		Epoch:       3,
		Members:     []types.ReplicaID{1, 2, 3, 4},
		Checkpoint:  40,
	}}
	s := NewServer(ctrl, &fakeTransfer{}, nil, "8080")

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rr := httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}
	var st replica.Status
	if err := json.NewDecoder(rr.Body).Decode(&st); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if st.Phase != "normal" || st.LastApplied != 42 || st.Checkpoint != 40 {
		t.Fatalf("Unexpected status: %+v", st)
	}
}

func TestRequestHandler(t *testing.T) {
	ctrl := &fakeController{reply: types.Reply{Client: "c", Num: 1, Result: []byte("OK")}}
	s := NewServer(ctrl, &fakeTransfer{}, nil, "8080")

	body, err := json.Marshal(types.Request{Client: "c", Num: 1, Payload: []byte("PUT k v")})
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/request", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}
	resp := decodeResp(t, rr)
	if resp.Status != StatusSuccess {
		t.Fatalf("Expected success status, got %s", resp.Status)
	}
	if resp.Reply == nil || string(resp.Reply.Result) != "OK" {
		t.Fatalf("Unexpected reply: %+v", resp.Reply)
	}
}

func TestRequestHandlerMalformedBody(t *testing.T) {
	s := NewServer(&fakeController{}, &fakeTransfer{}, nil, "8080")

	req := httptest.NewRequest(http.MethodPost, "/api/request", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", rr.Code)
	}
	if resp := decodeResp(t, rr); resp.Status != StatusError {
		t.Fatalf("Expected error status, got %s", resp.Status)
	}
}

func TestRequestHandlerMissingClient(t *testing.T) {
	s := NewServer(&fakeController{}, &fakeTransfer{}, nil, "8080")

	body, _ := json.Marshal(types.Request{Num: 1, Payload: []byte("PUT k v")})
	req := httptest.NewRequest(http.MethodPost, "/api/request", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", rr.Code)
	}
}

func TestRequestHandlerSubmitError(t *testing.T) {
	ctrl := &fakeController{err: errors.New("ordering unavailable")}
	s := NewServer(ctrl, &fakeTransfer{}, nil, "8080")

	body, _ := json.Marshal(types.Request{Client: "c", Num: 1, Payload: []byte("PUT k v")})
	req := httptest.NewRequest(http.MethodPost, "/api/request", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d", rr.Code)
	}
	if resp := decodeResp(t, rr); resp.Error == "" {
		t.Fatal("Expected an error message in the response")
	}
}

func TestRequestHandlerRedirectsToLeader(t *testing.T) {
	ord := &fakeOrdering{leader: false, leaderAddr: "http://replica-2:8080"}
	s := NewServer(&fakeController{}, &fakeTransfer{}, ord, "8080")

	body, _ := json.Marshal(types.Request{Client: "c", Num: 1, Payload: []byte("PUT k v")})
	req := httptest.NewRequest(http.MethodPost, "/api/request", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)

	if rr.Code != http.StatusTemporaryRedirect {
		t.Fatalf("Expected 307, got %d", rr.Code)
	}
	loc := rr.Header().Get("Location")
	if !strings.HasPrefix(loc, "http://replica-2:8080") {
		t.Fatalf("Unexpected redirect location: %s", loc)
	}
}

func TestRequestHandlerLeaderHandlesLocally(t *testing.T) {
	ord := &fakeOrdering{leader: true}
	ctrl := &fakeController{reply: types.Reply{Client: "c", Num: 1, Result: []byte("OK")}}
	s := NewServer(ctrl, &fakeTransfer{}, ord, "8080")

	body, _ := json.Marshal(types.Request{Client: "c", Num: 1, Payload: []byte("PUT k v")})
	req := httptest.NewRequest(http.MethodPost, "/api/request", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}
}

func TestStateOfferHandler(t *testing.T) {
	blob := []byte(`{"k":"v"}`)
	offer := statetransfer.Offer{Peer: 1, Seq: 10, Digest: types.DigestOf(blob)}
	s := NewServer(&fakeController{}, &fakeTransfer{offer: offer, hasOffer: true}, nil, "8080")

	req := httptest.NewRequest(http.MethodGet, "/internal/state/offer?target=10", nil)
	rr := httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}
	var got statetransfer.Offer
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode offer: %v", err)
	}
	if got.Peer != 1 || got.Seq != 10 || got.Digest != offer.Digest {
		t.Fatalf("Unexpected offer: %+v", got)
	}
}

func TestStateOfferHandlerNoCheckpoint(t *testing.T) {
	s := NewServer(&fakeController{}, &fakeTransfer{}, nil, "8080")

	req := httptest.NewRequest(http.MethodGet, "/internal/state/offer?target=10", nil)
	rr := httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", rr.Code)
	}
}

func TestStateOfferHandlerMalformedTarget(t *testing.T) {
	s := NewServer(&fakeController{}, &fakeTransfer{hasOffer: true}, nil, "8080")

	req := httptest.NewRequest(http.MethodGet, "/internal/state/offer?target=abc", nil)
	rr := httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", rr.Code)
	}
}

func TestStateFetchHandler(t *testing.T) {
	blob := []byte(`{"k":"v"}`)
	payload := statetransfer.Payload{
		Checkpoint: journal.Checkpoint{Seq: 10, Digest: types.DigestOf(blob), Blob: blob},
		Suffix:     []types.Decision{{Seq: 11}},
	}
	s := NewServer(&fakeController{}, &fakeTransfer{payload: payload}, nil, "8080")

	req := httptest.NewRequest(http.MethodGet, "/internal/state/fetch?seq=10", nil)
	rr := httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}
	var got statetransfer.Payload
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode payload: %v", err)
	}
	if got.Checkpoint.Seq != 10 || len(got.Suffix) != 1 {
		t.Fatalf("Unexpected payload: checkpoint %d with %d suffix decisions", got.Checkpoint.Seq, len(got.Suffix))
	}
}

func TestStateFetchHandlerNotAvailable(t *testing.T) {
	tr := &fakeTransfer{fetchErr: errors.New("checkpoint 10 not available")}
	s := NewServer(&fakeController{}, tr, nil, "8080")

	req := httptest.NewRequest(http.MethodGet, "/internal/state/fetch?seq=10", nil)
	rr := httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", rr.Code)
	}
}

func TestOrderingHandler(t *testing.T) {
	ord := &fakeOrdering{leader: true}
	s := NewServer(&fakeController{}, &fakeTransfer{}, ord, "8080")

	body, err := json.Marshal(raftpb.Message{Type: raftpb.MsgHeartbeat, From: 2, To: 1})
	if err != nil {
		t.Fatalf("Failed to marshal message: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/internal/ordering", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}
	if len(ord.handled) != 1 || ord.handled[0].From != 2 {
		t.Fatalf("Message not forwarded to the ordering protocol: %+v", ord.handled)
	}
}

func TestOrderingHandlerRouteAbsentWithoutOrdering(t *testing.T) {
	s := NewServer(&fakeController{}, &fakeTransfer{}, nil, "8080")

	req := httptest.NewRequest(http.MethodPost, "/internal/ordering", nil)
	rr := httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)

	if rr.Code == http.StatusOK {
		t.Fatal("Ordering route must not be mounted when ordering runs out of process")
	}
}
