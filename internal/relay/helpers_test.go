package relay

import (
	"sync"

	"github.com/lk2023060901/darkrelay-go/internal/protocol"
	"github.com/lk2023060901/darkrelay-go/pkg/util/merr"
)

// cheapArgon2 让测试中的密码哈希足够快。
var cheapArgon2 = Argon2Params{Time: 1, MemoryKiB: 64, Threads: 1, KeyLen: 16, SaltLen: 8}

func testOptions() Options {
	opts := DefaultOptions()
	opts.SpecialKey = []byte("secret")
	opts.Argon2 = cheapArgon2
	return opts
}

// recorder 记录投递给它的所有消息，closed 为 true 时模拟已关闭的会话。
type recorder struct {
	mu     sync.Mutex
	msgs   []protocol.Message
	closed bool
}

func (r *recorder) Send(msg protocol.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return merr.WrapErrSessionClosed(0)
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *recorder) all() []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Message(nil), r.msgs...)
}

func (r *recorder) last() protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		return nil
	}
	return r.msgs[len(r.msgs)-1]
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.msgs = nil
	r.mu.Unlock()
}

// broadcasts 返回收到的 Broadcast 中的消息信封，按收到的顺序排列。
func (r *recorder) broadcasts() []protocol.Envelope {
	var out []protocol.Envelope
	for _, msg := range r.all() {
		if b, ok := msg.(*protocol.Broadcast); ok {
			out = append(out, b.Envelope)
		}
	}
	return out
}

func newTestStore() *ChannelStore {
	hasher, err := NewArgon2Hasher(cheapArgon2)
	if err != nil {
		panic(err)
	}
	return NewChannelStore(hasher, 64)
}
