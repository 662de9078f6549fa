package statetransfer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"smrcore/pkg/types"
)

const (
	offerEndpoint = "/internal/state/offer"
	fetchEndpoint = "/internal/state/fetch"

	peerRequestTimeout = 10 * time.Second
)

// HTTPPeers is the HTTP PeerClient: state-transfer messages travel over the
// same surface that serves the replica's admin API on each peer.
type HTTPPeers struct {
	mu    sync.RWMutex
	addrs map[types.ReplicaID]string

	httpClient *http.Client
}

func NewHTTPPeers(addrs map[types.ReplicaID]string) *HTTPPeers {
	copied := make(map[types.ReplicaID]string, len(addrs))
	for id, addr := range addrs {
		copied[id] = addr
	}
	return &HTTPPeers{
		addrs: copied,
		httpClient: &http.Client{
			Timeout: peerRequestTimeout,
		},
	}
}

func (p *HTTPPeers) AddPeer(id types.ReplicaID, addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addrs[id] = addr
}

func (p *HTTPPeers) RemovePeer(id types.ReplicaID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.addrs, id)
}

func (p *HTTPPeers) addr(id types.ReplicaID) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	addr, ok := p.addrs[id]
	if !ok {
		return "", fmt.Errorf("unknown peer replica: %d", id)
	}
	return addr, nil
}

func (p *HTTPPeers) RequestOffer(ctx context.Context, peer types.ReplicaID, target types.SeqNum) (Offer, error) {
	var offer Offer
	url := fmt.Sprintf("%s?target=%d", offerEndpoint, target)
	if err := p.getJSON(ctx, peer, url, &offer); err != nil {
		return Offer{}, err
	}
	return offer, nil
}

func (p *HTTPPeers) FetchState(ctx context.Context, peer types.ReplicaID, seq types.SeqNum) (Payload, error) {
	var payload Payload
	url := fmt.Sprintf("%s?seq=%d", fetchEndpoint, seq)
	if err := p.getJSON(ctx, peer, url, &payload); err != nil {
		return Payload{}, err
	}
	return payload, nil
}

func (p *HTTPPeers) getJSON(ctx context.Context, peer types.ReplicaID, path string, out any) error {
	addr, err := p.addr(peer)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
