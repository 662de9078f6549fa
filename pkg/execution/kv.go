package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"smrcore/pkg/types"
)

// KVEngine is a reference deterministic engine: a string map driven by
// "PUT k v" / "GET k" / "DEL k" payloads. It exists so the replica can run
// and be tested end-to-end; production deployments supply their own Engine.
type KVEngine struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewKVEngine() *KVEngine {
	return &KVEngine{data: make(map[string]string)}
}

func (e *KVEngine) Apply(ctx context.Context, batch []types.Request) ([]types.Reply, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	replies := make([]types.Reply, len(batch))
	for i, r := range batch {
		result, err := e.exec(string(r.Payload))
		if err != nil {
			return nil, fmt.Errorf("request (%s, %d): %w", r.Client, r.Num, err)
		}
		replies[i] = types.Reply{Client: r.Client, Num: r.Num, Result: []byte(result)}
	}
	return replies, nil
}

func (e *KVEngine) exec(op string) (string, error) {
	fields := strings.SplitN(op, " ", 3)
	switch fields[0] {
	case "PUT":
		if len(fields) != 3 {
			return "", fmt.Errorf("malformed PUT: %q", op)
		}
		e.data[fields[1]] = fields[2]
		return "OK", nil
	case "GET":
		if len(fields) != 2 {
			return "", fmt.Errorf("malformed GET: %q", op)
		}
		return e.data[fields[1]], nil
	case "DEL":
		if len(fields) != 2 {
			return "", fmt.Errorf("malformed DEL: %q", op)
		}
		delete(e.data, fields[1])
		return "OK", nil
	default:
		return "", fmt.Errorf("unknown operation: %q", op)
	}
}

// Snapshot serializes the map. json marshaling of a map sorts keys, so the
// blob is deterministic across replicas.
func (e *KVEngine) Snapshot() ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return json.Marshal(e.data)
}

func (e *KVEngine) Restore(blob []byte) error {
	data := make(map[string]string)
	if err := json.Unmarshal(blob, &data); err != nil {
		return fmt.Errorf("failed to decode state blob: %w", err)
	}

	e.mu.Lock()
	e.data = data
	e.mu.Unlock()
	return nil
}
