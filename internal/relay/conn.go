package relay

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/lk2023060901/darkrelay-go/internal/network/session"
	"github.com/lk2023060901/darkrelay-go/pkg/log"
)

// conn 是一个客户端连接，在 BaseSession 之上叠加认证与登录状态。
// 除出站队列外，所有字段只在该连接的处理协程中访问。
type conn struct {
	*session.BaseSession

	opts      *Options
	handshake *Handshake
	// member 在登录成功后设置。
	member        *Member
	loginAttempts int
	logger        *log.MLogger
}

var _ session.Session = (*conn)(nil)

func newConn(ctx context.Context, id uint64, raw net.Conn, sopts session.Options, opts *Options) *conn {
	c := &conn{
		BaseSession: session.NewBaseSession(ctx, id, raw, sopts),
		opts:        opts,
		handshake:   NewHandshake(opts.SpecialKey),
	}
	c.logger = log.With(
		zap.Uint64("conn", id),
		log.FieldRemote(raw.RemoteAddr().String()),
		zap.String("trace", c.handshake.Nonce()),
	)
	return c
}

// OnConnected 下发 AuthChallenge 并开始握手计时。
func (c *conn) OnConnected() {
	challenge, err := c.handshake.Challenge()
	if err != nil {
		c.logger.Warn("challenge failed", zap.Error(err))
		return
	}
	if c.opts.HandshakeTimeout > 0 {
		_ = c.SetReadDeadline(time.Now().Add(c.opts.HandshakeTimeout))
	}
	if err := c.Send(challenge); err != nil {
		c.logger.Warn("send challenge failed", zap.Error(err))
		return
	}
	c.logger.Info("client connected")
}

// refreshDeadline 在认证后的每条消息之后重置空闲计时，IdleTimeout 为 0 时清除读超时。
func (c *conn) refreshDeadline() {
	if c.opts.IdleTimeout > 0 {
		_ = c.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))
		return
	}
	_ = c.SetReadDeadline(time.Time{})
}

func (c *conn) loggedIn() bool {
	return c.member != nil
}
