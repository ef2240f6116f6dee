package relay

import "github.com/lk2023060901/darkrelay-go/internal/protocol"

// history 为定长环形队列，满后覆盖最旧的消息。非并发安全，由所属频道的锁保护。
type history struct {
	buf   []protocol.Envelope
	head  int
	count int
}

func newHistory(capacity int) *history {
	return &history{buf: make([]protocol.Envelope, capacity)}
}

// push 追加一条消息，发生淘汰时返回 true。
func (h *history) push(env protocol.Envelope) bool {
	if h.count < len(h.buf) {
		h.buf[(h.head+h.count)%len(h.buf)] = env
		h.count++
		return false
	}
	h.buf[h.head] = env
	h.head = (h.head + 1) % len(h.buf)
	return true
}

func (h *history) len() int {
	return h.count
}

// last 按时间先后返回最新的 n 条消息的副本。
func (h *history) last(n int) []protocol.Envelope {
	if n > h.count {
		n = h.count
	}
	if n <= 0 {
		return []protocol.Envelope{}
	}
	out := make([]protocol.Envelope, n)
	start := h.head + h.count - n
	for i := range out {
		out[i] = h.buf[(start+i)%len(h.buf)]
	}
	return out
}
