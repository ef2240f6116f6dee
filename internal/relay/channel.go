package relay

import (
	"slices"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/darkrelay-go/internal/protocol"
	"github.com/lk2023060901/darkrelay-go/pkg/log"
	"github.com/lk2023060901/darkrelay-go/pkg/metrics"
	"github.com/lk2023060901/darkrelay-go/pkg/util/merr"
)

// Channel 为一个命名频道。名称与密码哈希创建后不变，成员与历史由 mu 保护。
type Channel struct {
	name string
	// passwordHash 为空表示不带密码。
	passwordHash string

	mu      sync.Mutex
	members map[SessionID]*Member
	history *history
}

func newChannel(name, passwordHash string) *Channel {
	return &Channel{
		name:         name,
		passwordHash: passwordHash,
		members:      make(map[SessionID]*Member),
		history:      newHistory(HistoryLimit),
	}
}

func (c *Channel) Name() string {
	return c.name
}

func (c *Channel) Protected() bool {
	return c.passwordHash != ""
}

// fanOutLocked 向除 except 之外的所有成员投递消息，调用方需持有 c.mu。
func (c *Channel) fanOutLocked(msg protocol.Message, except SessionID) {
	for id, m := range c.members {
		if id == except {
			continue
		}
		deliver(m, msg)
	}
}

// JoinOutcome 为一次成功加入的结果。
type JoinOutcome struct {
	Channel string
	// History 为加入时的历史快照，按时间先后排列。
	History []protocol.Envelope
	// Previous 为因切换频道而离开的频道，没有则为空。
	Previous string
	// AlreadyMember 表示会话本就在该频道中。
	AlreadyMember bool
}

// ChannelStore 管理所有频道及会话当前所在的频道。
//
// 加锁顺序固定为 mu -> Channel.mu。频道内的广播、加入与离开通知都在频道锁内投递，
// 因此每个成员看到的消息顺序与历史记录一致。
type ChannelStore struct {
	hasher  PasswordHasher
	maxName int
	now     func() time.Time

	mu       sync.RWMutex
	channels map[string]*Channel
	current  map[SessionID]string

	msgID atomic.Uint64
}

func NewChannelStore(hasher PasswordHasher, maxChannelNameLength int) *ChannelStore {
	return &ChannelStore{
		hasher:   hasher,
		maxName:  maxChannelNameLength,
		now:      time.Now,
		channels: make(map[string]*Channel),
		current:  make(map[SessionID]string),
	}
}

// NormalizeChannelName 去掉首尾空白并校验频道名。频道名区分大小写。
func (s *ChannelStore) NormalizeChannelName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", merr.WrapErrInvalidChannelName(name, "empty channel name")
	}
	if len([]rune(trimmed)) > s.maxName {
		return "", merr.WrapErrInvalidChannelName(name, "channel name too long")
	}
	for _, c := range trimmed {
		if unicode.IsControl(c) || unicode.IsSpace(c) {
			return "", merr.WrapErrInvalidChannelName(name, "channel name contains whitespace or control characters")
		}
	}
	return trimmed, nil
}

// Ensure 创建一个不带密码的频道，已存在时不做任何修改。
func (s *ChannelStore) Ensure(name string) error {
	name, err := s.NormalizeChannelName(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[name]; !ok {
		s.channels[name] = newChannel(name, "")
		metrics.ChannelsTotal.Inc()
	}
	return nil
}

// ListChannels 返回按字典序排列的频道名。
func (s *ChannelStore) ListChannels() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.channels))
	for name := range s.channels {
		names = append(names, name)
	}
	s.mu.RUnlock()
	slices.Sort(names)
	return names
}

// Current 返回会话当前所在的频道。
func (s *ChannelStore) Current(id SessionID) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.current[id]
	return name, ok
}

func (s *ChannelStore) lookup(name string) *Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channels[name]
}

// resolve 返回可加入的频道：不存在时按 password 创建，存在且带密码时校验密码。
// 密码哈希与校验都在锁外完成。
func (s *ChannelStore) resolve(name, password string) (*Channel, error) {
	for {
		if ch := s.lookup(name); ch != nil {
			if !ch.Protected() {
				return ch, nil
			}
			ok, err := s.hasher.Verify(password, ch.passwordHash)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, merr.WrapErrWrongPassword(name)
			}
			return ch, nil
		}

		var hash string
		if password != "" {
			var err error
			if hash, err = s.hasher.Hash(password); err != nil {
				return nil, err
			}
		}
		s.mu.Lock()
		if _, ok := s.channels[name]; ok {
			// 并发创建，按已存在的频道重新处理。
			s.mu.Unlock()
			continue
		}
		ch := newChannel(name, hash)
		s.channels[name] = ch
		metrics.ChannelsTotal.Inc()
		s.mu.Unlock()
		log.Info("channel created", log.FieldChannel(name), zap.Bool("protected", ch.Protected()))
		return ch, nil
	}
}

// JoinOrCreate 将会话加入频道，频道不存在时创建。
//
// 成功时 JoinResult 由本方法在频道锁内投递给 m，随后向其他成员投递 UserJoined；
// 若会话原本在其他频道，先离开并向原频道成员投递 UserLeft。
// 失败时不修改任何状态。
func (s *ChannelStore) JoinOrCreate(name, password string, m *Member) (*JoinOutcome, error) {
	name, err := s.NormalizeChannelName(name)
	if err != nil {
		return nil, err
	}
	ch, err := s.resolve(name, password)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	outcome := &JoinOutcome{Channel: name}
	prev, hasPrev := s.current[m.ID]
	if hasPrev && prev == name {
		ch.mu.Lock()
		outcome.AlreadyMember = true
		outcome.History = ch.history.last(SnapshotSize)
		deliver(m, &protocol.JoinResult{Success: true, Channel: name, History: outcome.History})
		ch.mu.Unlock()
		return outcome, nil
	}
	if hasPrev {
		s.leaveLocked(m.ID, prev)
		outcome.Previous = prev
	}

	ch.mu.Lock()
	ch.members[m.ID] = m
	outcome.History = ch.history.last(SnapshotSize)
	deliver(m, &protocol.JoinResult{Success: true, Channel: name, History: outcome.History})
	ch.fanOutLocked(&protocol.UserJoined{Channel: name, Username: m.Username}, m.ID)
	ch.mu.Unlock()

	s.current[m.ID] = name
	return outcome, nil
}

// Leave 将会话移出当前频道，并向剩余成员投递 UserLeft。可重复调用。
func (s *ChannelStore) Leave(id SessionID) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, ok := s.current[id]
	if !ok {
		return "", false
	}
	s.leaveLocked(id, name)
	return name, true
}

// leaveLocked 调用方需持有 s.mu 的写锁。
func (s *ChannelStore) leaveLocked(id SessionID, name string) {
	delete(s.current, id)
	ch := s.channels[name]
	if ch == nil {
		return
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	m, ok := ch.members[id]
	if !ok {
		return
	}
	delete(ch.members, id)
	ch.fanOutLocked(&protocol.UserLeft{Channel: name, Username: m.Username}, id)
}

// Append 向频道追加一条消息，超过 HistoryLimit 时淘汰最旧的消息，返回追加时的成员列表。
func (s *ChannelStore) Append(name string, env protocol.Envelope) ([]*Member, error) {
	ch := s.lookup(name)
	if ch == nil {
		return nil, merr.WrapErrChannelNotFound(name)
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	s.appendLocked(ch, env)
	members := make([]*Member, 0, len(ch.members))
	for _, m := range ch.members {
		members = append(members, m)
	}
	return members, nil
}

func (s *ChannelStore) appendLocked(ch *Channel, env protocol.Envelope) {
	if ch.history.push(env) {
		metrics.HistoryEvictions.Inc()
	}
}

// Publish 以 sender 的身份向其当前频道发送 payload：分配消息 id，写入历史，
// 再向包括发送者在内的所有成员投递 Broadcast。消息 id 在频道锁内分配，
// 因此同一频道内 id 顺序即历史顺序。
func (s *ChannelStore) Publish(sender *Member, payload []byte) (protocol.Envelope, error) {
	name, ok := s.Current(sender.ID)
	if !ok {
		return protocol.Envelope{}, merr.WrapErrNotInChannel("")
	}
	ch := s.lookup(name)
	if ch == nil {
		return protocol.Envelope{}, merr.WrapErrNotInChannel(name)
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	// Current 与加锁之间会话可能已经离开。
	if _, ok := ch.members[sender.ID]; !ok {
		return protocol.Envelope{}, merr.WrapErrNotInChannel(name)
	}
	env := protocol.Envelope{
		ID:        s.msgID.Inc(),
		Timestamp: s.now().UnixMilli(),
		Sender:    sender.Username,
		Channel:   name,
		Payload:   payload,
	}
	s.appendLocked(ch, env)
	ch.fanOutLocked(&protocol.Broadcast{Envelope: env}, 0)
	return env, nil
}

// History 返回频道最新的 limit 条消息。name 为空时取会话当前所在频道；
// limit 为 0 时取 SnapshotSize，且不超过 HistoryLimit。只有频道成员可以读取。
func (s *ChannelStore) History(id SessionID, name string, limit int) (string, []protocol.Envelope, error) {
	if name == "" {
		current, ok := s.Current(id)
		if !ok {
			return "", nil, merr.WrapErrNotInChannel("")
		}
		name = current
	}
	if limit <= 0 {
		limit = SnapshotSize
	}
	limit = min(limit, HistoryLimit)

	ch := s.lookup(name)
	if ch == nil {
		// 与非成员同样处理，不暴露频道是否存在。
		return name, nil, merr.WrapErrNotInChannel(name)
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if _, ok := ch.members[id]; !ok {
		return name, nil, merr.WrapErrNotInChannel(name)
	}
	return name, ch.history.last(limit), nil
}

// Members 返回频道当前成员的用户名，按字典序排列。
func (s *ChannelStore) Members(name string) []string {
	ch := s.lookup(name)
	if ch == nil {
		return nil
	}
	ch.mu.Lock()
	names := make([]string, 0, len(ch.members))
	for _, m := range ch.members {
		names = append(names, m.Username)
	}
	ch.mu.Unlock()
	slices.Sort(names)
	return names
}

// HistoryLen 返回频道当前保存的消息数，频道不存在时为 0。
func (s *ChannelStore) HistoryLen(name string) int {
	ch := s.lookup(name)
	if ch == nil {
		return 0
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.history.len()
}
