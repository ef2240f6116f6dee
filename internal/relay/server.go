package relay

import (
	"context"
	"fmt"
	"net"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	network "github.com/lk2023060901/darkrelay-go/internal/network"
	"github.com/lk2023060901/darkrelay-go/internal/network/acceptor"
	"github.com/lk2023060901/darkrelay-go/internal/network/router"
	"github.com/lk2023060901/darkrelay-go/internal/network/session"
	"github.com/lk2023060901/darkrelay-go/internal/protocol"
	"github.com/lk2023060901/darkrelay-go/pkg/log"
	"github.com/lk2023060901/darkrelay-go/pkg/metrics"
	"github.com/lk2023060901/darkrelay-go/pkg/util/merr"
)

// errQuit 表示客户端主动退出，不视为异常关闭。
var errQuit = errors.New("client quit")

// Server 实现 acceptor.Handler，承载认证、登录、频道与广播逻辑。
// 聊天状态全部保存在 Registry 与 ChannelStore 中，Server 本身无连接级状态。
type Server struct {
	opts       Options
	store      *ChannelStore
	registry   *Registry
	dispatcher *Dispatcher
	router     router.Router[*conn]
}

var _ acceptor.Handler = (*Server)(nil)

// NewServer 创建服务并预先创建 DefaultChannels。
func NewServer(opts Options) (*Server, error) {
	if len(opts.SpecialKey) == 0 {
		return nil, errors.New("relay: special key is empty")
	}
	if opts.MaxLoginAttempts <= 0 || opts.MaxUsernameLength <= 0 ||
		opts.MaxChannelNameLength <= 0 || opts.MaxPayloadSize <= 0 {
		return nil, errors.Newf("relay: invalid limits %+v", opts)
	}
	hasher, err := NewArgon2Hasher(opts.Argon2)
	if err != nil {
		return nil, err
	}

	s := &Server{opts: opts}
	s.store = NewChannelStore(hasher, opts.MaxChannelNameLength)
	s.registry = NewRegistry(s.store, opts.MaxUsernameLength)
	s.dispatcher = NewDispatcher(s.store, opts.MaxPayloadSize)
	for _, name := range opts.DefaultChannels {
		if err := s.store.Ensure(name); err != nil {
			return nil, err
		}
	}

	s.router = router.New[*conn]()
	routes := map[protocol.Op]router.Handler[*conn]{
		protocol.OpAuthResponse: s.handleAuthAgain,
		protocol.OpLogin:        s.handleLogin,
		protocol.OpListChannels: s.handleListChannels,
		protocol.OpJoinChannel:  s.handleJoin,
		protocol.OpSendMessage:  s.handleSend,
		protocol.OpQuit:         s.handleQuit,
		protocol.OpGetHistory:   s.handleHistory,
		protocol.OpLeaveChannel: s.handleLeave,
	}
	for op, h := range routes {
		if err := s.router.Register(op, h); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Server) Registry() *Registry {
	return s.registry
}

func (s *Server) Store() *ChannelStore {
	return s.store
}

// OnAccept 实现 acceptor.Handler。
func (s *Server) OnAccept(ctx context.Context, id uint64, raw net.Conn, opts session.Options) (session.Session, error) {
	return newConn(ctx, id, raw, opts, &s.opts), nil
}

// OnMessage 实现 acceptor.Handler。
//
// 未认证的连接只接受 AuthResponse；已认证未登录的连接只接受 Login 与 Quit。
// 可恢复的错误以 Error 消息回写并保持连接，其余错误结束连接。
func (s *Server) OnMessage(sess session.Session, header protocol.Header, msg protocol.Message) error {
	c := sess.(*conn)
	if !header.Op.IsClient() {
		return merr.WrapErrProtocolMalformed("server op " + header.Op.String() + " sent by client")
	}
	if !c.handshake.Authenticated() {
		return s.authenticate(c, msg)
	}
	c.refreshDeadline()

	if !c.loggedIn() && header.Op != protocol.OpLogin && header.Op != protocol.OpQuit {
		return s.reply(c, merr.WrapErrNotLoggedIn())
	}
	return s.reply(c, s.router.Handle(c, header, msg))
}

// reply 把处理结果转换为对客户端的回应，返回非 nil 时连接结束。
func (s *Server) reply(c *conn, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errQuit) || merr.IsProtocolErr(err) {
		return err
	}
	if sendErr := c.Send(&protocol.Error{Kind: merr.Kind(err), Text: merr.Reason(err)}); sendErr != nil {
		return sendErr
	}
	if errors.Is(err, merr.ErrTooManyLoginAttempts) {
		return err
	}
	if merr.GetErrorType(err) == merr.SystemError {
		c.logger.Warn("request failed", zap.Error(err))
	} else {
		c.logger.Debug("request rejected", zap.Error(err))
	}
	return nil
}

// authenticate 处理握手阶段的唯一一条消息，任何失败都以 AuthResult 回应并关闭连接。
func (s *Server) authenticate(c *conn, msg protocol.Message) error {
	resp, ok := msg.(*protocol.AuthResponse)
	if !ok {
		err := merr.WrapErrAuthRequired(msg.Op().String())
		s.authFailed(c, err)
		return err
	}
	if err := c.handshake.Verify(resp.Secret); err != nil {
		s.authFailed(c, err)
		return err
	}
	metrics.AuthResults.WithLabelValues(metrics.SuccessLabel).Inc()
	c.refreshDeadline()
	c.logger.Info("auth succeeded")
	return c.Send(&protocol.AuthResult{Success: true})
}

func (s *Server) authFailed(c *conn, err error) {
	metrics.AuthResults.WithLabelValues(metrics.FailLabel).Inc()
	c.logger.Info("auth failed", zap.Error(err))
	_ = c.Send(&protocol.AuthResult{Success: false, Reason: merr.Reason(err)})
}

func (s *Server) handleAuthAgain(_ *conn, header protocol.Header, _ protocol.Message) error {
	return merr.WrapErrUnexpectedMessage(header.Op, "already authenticated")
}

func (s *Server) handleLogin(c *conn, _ protocol.Header, msg protocol.Message) error {
	req := msg.(*protocol.Login)
	if c.loggedIn() {
		return merr.WrapErrAlreadyLoggedIn(c.member.Username)
	}

	c.loginAttempts++
	m, err := s.registry.Register(req.Username, c)
	if err != nil {
		c.logger.Info("login failed", zap.String("username", req.Username), zap.Int("attempt", c.loginAttempts), zap.Error(err))
		if sendErr := c.Send(&protocol.LoginResult{Success: false, Reason: merr.Reason(err)}); sendErr != nil {
			return sendErr
		}
		if c.loginAttempts >= s.opts.MaxLoginAttempts {
			return merr.WrapErrTooManyLoginAttempts(s.opts.MaxLoginAttempts, err.Error())
		}
		return err
	}

	c.member = m
	c.logger = c.logger.With(log.FieldSession(m.ID), log.FieldUser(m.Username))
	c.logger.Info("login succeeded")
	return merr.Combine(
		c.Send(&protocol.LoginResult{Success: true, SessionID: m.ID, Username: m.Username}),
		c.Send(&protocol.ChannelList{Channels: s.store.ListChannels()}),
		c.Send(&protocol.System{Text: fmt.Sprintf("welcome %s, /join <channel> to start chatting", m.Username)}),
	)
}

func (s *Server) handleListChannels(c *conn, _ protocol.Header, _ protocol.Message) error {
	return c.Send(&protocol.ChannelList{Channels: s.store.ListChannels()})
}

// handleJoin 成功时 JoinResult 由 ChannelStore 投递，失败时在这里回写 JoinResult(failure)。
func (s *Server) handleJoin(c *conn, _ protocol.Header, msg protocol.Message) error {
	req := msg.(*protocol.JoinChannel)
	outcome, err := s.store.JoinOrCreate(req.Name, req.PasswordOrEmpty(), c.member)
	if err != nil {
		c.logger.Info("join failed", log.FieldChannel(req.Name), zap.Error(err))
		return c.Send(&protocol.JoinResult{Success: false, Channel: req.Name, Reason: merr.Reason(err)})
	}
	c.logger.Info("join succeeded",
		log.FieldChannel(outcome.Channel),
		zap.String("previous", outcome.Previous),
		zap.Int("history", len(outcome.History)),
		zap.Bool("already_member", outcome.AlreadyMember))
	return nil
}

func (s *Server) handleSend(c *conn, _ protocol.Header, msg protocol.Message) error {
	req := msg.(*protocol.SendMessage)
	env, err := s.dispatcher.Send(c.member, req.Payload)
	if err != nil {
		return err
	}
	c.logger.Debug("broadcast", log.FieldChannel(env.Channel), zap.Uint64("msg_id", env.ID), zap.Int("size", len(env.Payload)))
	return nil
}

func (s *Server) handleHistory(c *conn, _ protocol.Header, msg protocol.Message) error {
	req := msg.(*protocol.GetHistory)
	name, envelopes, err := s.store.History(c.member.ID, req.Channel, int(req.Limit))
	if err != nil {
		return err
	}
	return c.Send(&protocol.History{Channel: name, Envelopes: envelopes})
}

func (s *Server) handleLeave(c *conn, _ protocol.Header, _ protocol.Message) error {
	name, ok := s.store.Leave(c.member.ID)
	if !ok {
		return merr.WrapErrNotInChannel("")
	}
	c.logger.Info("left channel", log.FieldChannel(name))
	return c.Send(&protocol.System{Text: "left channel " + name})
}

func (s *Server) handleQuit(c *conn, _ protocol.Header, _ protocol.Message) error {
	return errQuit
}

// OnTimeout 实现 acceptor.Handler：握手阶段超时等同于密钥错误，认证后为空闲超时。
func (s *Server) OnTimeout(sess session.Session) error {
	if sess == nil {
		return nil
	}
	c := sess.(*conn)
	if !c.handshake.Authenticated() {
		err := merr.WrapErrAuthTimeout(s.opts.HandshakeTimeout)
		if c.handshake.Expire() {
			s.authFailed(c, err)
		}
		return err
	}
	if s.opts.IdleTimeout <= 0 {
		c.refreshDeadline()
		return nil
	}
	err := merr.WrapErrIdleTimeout(s.opts.IdleTimeout)
	_ = c.Send(&protocol.Error{Kind: merr.Kind(err), Text: merr.Reason(err)})
	return err
}

// OnError 实现 acceptor.Handler。协议错误在断开前回写 Error(protocol_error)。
func (s *Server) OnError(sess session.Session, stage network.Stage, err error) {
	if sess == nil {
		log.RatedWarn(1, "network error", zap.String("stage", string(stage)), zap.Error(err))
		return
	}
	c := sess.(*conn)
	if merr.IsProtocolErr(err) {
		_ = c.Send(&protocol.Error{Kind: merr.KindProtocol, Text: merr.Reason(err)})
	}
	c.logger.Warn("connection error", zap.String("stage", string(stage)), zap.Error(err))
}

// OnSessionClosed 实现 acceptor.Handler：注销会话并通知所在频道。
func (s *Server) OnSessionClosed(sess session.Session, cause error) {
	c := sess.(*conn)
	fields := []zap.Field{zap.Stringer("state", c.handshake.State())}
	if cause != nil && !errors.Is(cause, errQuit) {
		fields = append(fields, zap.Error(cause))
	}
	if c.member != nil {
		if dep, ok := s.registry.Unregister(c.member.ID); ok && dep.Channel != "" {
			fields = append(fields, log.FieldChannel(dep.Channel))
		}
	}
	c.logger.Info("client disconnected", fields...)
}

// OnReject 实现 acceptor.Handler。
func (s *Server) OnReject(net.Conn, error) protocol.Message {
	return &protocol.Error{Kind: merr.KindServerBusy, Text: "server busy"}
}
