package relay

import "time"

const (
	// HistoryLimit 为每个频道保留的最大消息数，超出后淘汰最旧的消息。
	HistoryLimit = 100
	// SnapshotSize 为加入频道时返回的历史消息条数上限。
	SnapshotSize = 50
)

// Options 描述聊天服务本身的行为参数，与传输层配置无关。
type Options struct {
	// SpecialKey 为所有客户端共享的接入密钥。
	SpecialKey []byte

	// HandshakeTimeout 限制从发送 AuthChallenge 到收到 AuthResponse 的时间。
	HandshakeTimeout time.Duration
	// IdleTimeout 为认证之后两条消息之间的最长间隔，0 表示不限制。
	IdleTimeout time.Duration

	// MaxLoginAttempts 为同一连接上用户名冲突等可重试失败的最大次数。
	MaxLoginAttempts int

	MaxUsernameLength    int
	MaxChannelNameLength int
	MaxPayloadSize       int

	// DefaultChannels 在启动时创建，不带密码。
	DefaultChannels []string

	Argon2 Argon2Params
}

// DefaultOptions 返回默认参数。
func DefaultOptions() Options {
	return Options{
		SpecialKey:           []byte("darkrelay-dev-key"),
		HandshakeTimeout:     10 * time.Second,
		MaxLoginAttempts:     3,
		MaxUsernameLength:    32,
		MaxChannelNameLength: 64,
		MaxPayloadSize:       64 * 1024,
		DefaultChannels:      []string{"general"},
		Argon2:               DefaultArgon2Params(),
	}
}
