package pipeline

import (
	"github.com/zhangyunhao116/skipmap"

	"smrcore/pkg/types"
)

type cacheEntry struct {
	Num    types.RequestNum
	Result []byte
}

// replyCache holds the latest executed (request number, reply) per client.
// Concurrent: the applier writes while the intake path reads for duplicate
// detection. Index-addressed by client id, no pointer links, so compaction
// is just overwriting the per-client slot.
type replyCache struct {
	m *skipmap.OrderedMap[string, cacheEntry]
}

func newReplyCache() *replyCache {
	return &replyCache{m: skipmap.New[string, cacheEntry]()}
}

// lookup returns the cached reply for (client, num).
// seen reports whether num is a duplicate (already executed or older).
func (c *replyCache) lookup(client types.ClientID, num types.RequestNum) (reply types.Reply, seen bool) {
	e, ok := c.m.Load(string(client))
	if !ok || num > e.Num {
		return types.Reply{}, false
	}
	if num == e.Num {
		return types.Reply{Client: client, Num: num, Result: e.Result}, true
	}
	// Older than the latest executed request: duplicate, but the reply is
	// gone. The client has already moved on.
	return types.Reply{}, true
}

func (c *replyCache) store(r types.Reply) {
	c.m.Store(string(r.Client), cacheEntry{Num: r.Num, Result: r.Result})
}
