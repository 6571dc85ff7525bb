package mediator

import (
	"sync"
	"time"

	"github.com/sekia-ai/relay/pkg/protocol"
)

// history keeps the most recent messages up to a fixed size.
type history struct {
	mu   sync.Mutex
	size int
	msgs []protocol.Message
}

func newHistory(size int) *history {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &history{size: size}
}

func (h *history) add(msg protocol.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msg)
	if over := len(h.msgs) - h.size; over > 0 {
		h.msgs = append(h.msgs[:0:0], h.msgs[over:]...)
	}
}

// snapshot returns unexpired messages, oldest first.
func (h *history) snapshot(now time.Time) []protocol.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]protocol.Message, 0, len(h.msgs))
	for _, m := range h.msgs {
		if !m.Expired(now) {
			out = append(out, m)
		}
	}
	return out
}

func (h *history) clear() {
	h.mu.Lock()
	h.msgs = nil
	h.mu.Unlock()
}
