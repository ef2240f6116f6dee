package relay

import (
	"strings"
	"sync"
	"unicode"

	"go.uber.org/atomic"

	"github.com/lk2023060901/darkrelay-go/internal/protocol"
	"github.com/lk2023060901/darkrelay-go/pkg/metrics"
	"github.com/lk2023060901/darkrelay-go/pkg/util/merr"
)

// SessionID 为登录成功后分配的会话 ID，从 1 开始递增。
type SessionID = uint64

// DeliveryHandle 为会话的出站路径，Send 不得阻塞。
type DeliveryHandle interface {
	Send(msg protocol.Message) error
}

// Member 为一个已登录会话的不可变记录，同时保存在 Registry 与所在频道中。
type Member struct {
	ID       SessionID
	Username string
	handle   DeliveryHandle
}

// Deliver 把消息交给该会话的出站队列。
func (m *Member) Deliver(msg protocol.Message) error {
	return m.handle.Send(msg)
}

// Departure 描述一次注销：被移除的会话以及它离开的频道（可能为空）。
type Departure struct {
	Member  *Member
	Channel string
}

// Registry 维护在线会话与用户名的唯一性。
//
// Registry 的锁从不与 ChannelStore 的锁嵌套持有：Unregister 先调用 store.Leave，
// 再单独加锁移除自身记录。
type Registry struct {
	store       *ChannelStore
	maxUsername int

	mu        sync.RWMutex
	sessions  map[SessionID]*Member
	usernames map[string]SessionID

	nextID atomic.Uint64
}

func NewRegistry(store *ChannelStore, maxUsernameLength int) *Registry {
	return &Registry{
		store:       store,
		maxUsername: maxUsernameLength,
		sessions:    make(map[SessionID]*Member),
		usernames:   make(map[string]SessionID),
	}
}

// NormalizeUsername 去掉首尾空白并校验长度与字符。
func (r *Registry) NormalizeUsername(username string) (string, error) {
	name := strings.TrimSpace(username)
	if name == "" {
		return "", merr.WrapErrInvalidUsername("empty username")
	}
	if len([]rune(name)) > r.maxUsername {
		return "", merr.WrapErrInvalidUsername("username too long")
	}
	for _, c := range name {
		if unicode.IsControl(c) || unicode.IsSpace(c) {
			return "", merr.WrapErrInvalidUsername("username contains whitespace or control characters")
		}
	}
	return name, nil
}

// Register 原子地占用用户名并分配会话 ID。用户名已被在线会话占用时返回 ErrDuplicateUsername。
func (r *Registry) Register(username string, handle DeliveryHandle) (*Member, error) {
	name, err := r.NormalizeUsername(username)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.usernames[name]; taken {
		return nil, merr.WrapErrDuplicateUsername(name)
	}
	m := &Member{
		ID:       r.nextID.Inc(),
		Username: name,
		handle:   handle,
	}
	r.sessions[m.ID] = m
	r.usernames[name] = m.ID
	metrics.SessionsOnline.Inc()
	return m, nil
}

// Unregister 移除会话及其频道成员关系，可重复调用。会话不存在时返回 (nil, false)。
func (r *Registry) Unregister(id SessionID) (*Departure, bool) {
	channel, _ := r.store.Leave(id)

	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	delete(r.sessions, id)
	delete(r.usernames, m.Username)
	metrics.SessionsOnline.Dec()
	return &Departure{Member: m, Channel: channel}, true
}

// Deliver 把消息交给指定会话，会话不存在时返回 ErrSessionNotFound。
func (r *Registry) Deliver(id SessionID, msg protocol.Message) error {
	m, ok := r.Get(id)
	if !ok {
		return merr.WrapErrSessionNotFound(id)
	}
	return m.Deliver(msg)
}

func (r *Registry) Get(id SessionID) (*Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.sessions[id]
	return m, ok
}

// Lookup 按用户名查找在线会话。
func (r *Registry) Lookup(username string) (*Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.usernames[username]
	if !ok {
		return nil, false
	}
	return r.sessions[id], true
}

// Count 返回在线会话数。
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Broadcast 向所有在线会话发送 msg，用于服务端通知。
func (r *Registry) Broadcast(msg protocol.Message) {
	r.mu.RLock()
	members := make([]*Member, 0, len(r.sessions))
	for _, m := range r.sessions {
		members = append(members, m)
	}
	r.mu.RUnlock()

	for _, m := range members {
		deliver(m, msg)
	}
}
