package relay

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/darkrelay-go/internal/network/acceptor"
	"github.com/lk2023060901/darkrelay-go/internal/network/codec"
	"github.com/lk2023060901/darkrelay-go/internal/network/connector"
	"github.com/lk2023060901/darkrelay-go/internal/protocol"
	"github.com/lk2023060901/darkrelay-go/pkg/util/merr"
)

// ServerSuite 在 127.0.0.1 上启动完整服务，通过 connector 以真实客户端的方式交互。
type ServerSuite struct {
	suite.Suite
	srv    *Server
	acc    *acceptor.BaseAcceptor
	addr   string
	cancel context.CancelFunc
	done   chan error
}

func (s *ServerSuite) SetupTest() {
	s.start(testOptions())
}

func (s *ServerSuite) TearDownTest() {
	s.stop()
}

func (s *ServerSuite) start(opts Options) {
	srv, err := NewServer(opts)
	s.Require().NoError(err)
	acc, err := acceptor.NewBaseAcceptor(acceptor.Config{ShutdownLinger: time.Second}, codec.NewDefault(0))
	s.Require().NoError(err)
	ln, err := acceptor.Listen("127.0.0.1:0")
	s.Require().NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	s.srv, s.acc, s.addr, s.cancel = srv, acc, ln.Addr().String(), cancel
	s.done = make(chan error, 1)
	go func() { s.done <- acc.Serve(ctx, ln, srv) }()
}

func (s *ServerSuite) stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.NoError(<-s.done)
	s.NoError(s.acc.Close())
	s.cancel = nil
}

// restart 以新的参数重启服务。
func (s *ServerSuite) restart(mutate func(*Options)) {
	s.stop()
	opts := testOptions()
	mutate(&opts)
	s.start(opts)
}

func (s *ServerSuite) ctx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	s.T().Cleanup(cancel)
	return ctx
}

func (s *ServerSuite) dial() *connector.Conn {
	c, err := connector.Dial(s.ctx(), s.addr, connector.Options{})
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = c.Close() })
	return c
}

func (s *ServerSuite) authenticated() *connector.Conn {
	c := s.dial()
	res, err := c.Authenticate(s.ctx(), []byte("secret"))
	s.Require().NoError(err)
	s.Require().True(res.Success)
	return c
}

// login 认证并登录，取走登录后的 ChannelList 与欢迎消息。
func (s *ServerSuite) login(username string) *connector.Conn {
	c := s.authenticated()
	res, err := c.Login(s.ctx(), username)
	s.Require().NoError(err)
	s.Require().True(res.Success)
	s.Equal(username, res.Username)
	s.NotZero(res.SessionID)
	_, err = connector.Await[*protocol.ChannelList](s.ctx(), c)
	s.Require().NoError(err)
	_, err = connector.Await[*protocol.System](s.ctx(), c)
	s.Require().NoError(err)
	return c
}

func (s *ServerSuite) join(c *connector.Conn, name string, password *string) *protocol.JoinResult {
	s.Require().NoError(c.Send(&protocol.JoinChannel{Name: name, Password: password}))
	res, err := connector.Await[*protocol.JoinResult](s.ctx(), c)
	s.Require().NoError(err)
	return res
}

func (s *ServerSuite) awaitError(c *connector.Conn) *protocol.Error {
	e, err := connector.Await[*protocol.Error](s.ctx(), c)
	s.Require().NoError(err)
	return e
}

// awaitBroadcasts 收取 n 条 Broadcast，忽略其他消息。
func (s *ServerSuite) awaitBroadcasts(c *connector.Conn, n int) []protocol.Envelope {
	out := make([]protocol.Envelope, 0, n)
	for len(out) < n {
		b, err := connector.Await[*protocol.Broadcast](s.ctx(), c)
		s.Require().NoError(err)
		out = append(out, b.Envelope)
	}
	return out
}

// awaitClosed 丢弃剩余消息直到服务端关闭连接。
func (s *ServerSuite) awaitClosed(c *connector.Conn) {
	for {
		if _, err := c.Recv(s.ctx()); err != nil {
			s.ErrorIs(err, io.EOF)
			return
		}
	}
}

func ptr(v string) *string { return &v }

func (s *ServerSuite) TestChallengeOnConnect() {
	c := s.dial()
	s.Equal(protocol.Version, c.Challenge().Version)
	s.NotEmpty(c.Challenge().Nonce)
}

func (s *ServerSuite) TestWrongSecretCloses() {
	c := s.dial()
	res, err := c.Authenticate(s.ctx(), []byte("wrong"))
	s.Require().NoError(err)
	s.False(res.Success)
	s.Equal("invalid special key", res.Reason)
	s.awaitClosed(c)
	s.Zero(s.srv.Registry().Count())
}

func (s *ServerSuite) TestMessageBeforeAuthCloses() {
	c := s.dial()
	s.Require().NoError(c.Send(&protocol.Login{Username: "alice"}))
	res, err := connector.Await[*protocol.AuthResult](s.ctx(), c)
	s.Require().NoError(err)
	s.False(res.Success)
	s.Equal("authentication required", res.Reason)
	s.awaitClosed(c)
}

func (s *ServerSuite) TestHandshakeTimeout() {
	s.restart(func(o *Options) { o.HandshakeTimeout = 200 * time.Millisecond })
	c := s.dial()
	res, err := connector.Await[*protocol.AuthResult](s.ctx(), c)
	s.Require().NoError(err)
	s.False(res.Success)
	s.Equal("handshake timeout", res.Reason)
	s.awaitClosed(c)
}

func (s *ServerSuite) TestLoginAndJoinGeneral() {
	c := s.authenticated()
	res, err := c.Login(s.ctx(), "alice")
	s.Require().NoError(err)
	s.True(res.Success)

	list, err := connector.Await[*protocol.ChannelList](s.ctx(), c)
	s.Require().NoError(err)
	s.Equal([]string{"general"}, list.Channels)

	joined := s.join(c, "general", nil)
	s.True(joined.Success)
	s.Equal("general", joined.Channel)
	s.Empty(joined.History)
	s.Equal(1, s.srv.Registry().Count())
}

func (s *ServerSuite) TestCommandsBeforeLogin() {
	c := s.authenticated()
	s.Require().NoError(c.Send(&protocol.ListChannels{}))
	e := s.awaitError(c)
	s.Equal(merr.KindNotLoggedIn, e.Kind)

	// 连接保持可用。
	res, err := c.Login(s.ctx(), "alice")
	s.Require().NoError(err)
	s.True(res.Success)

	_, err = c.Login(s.ctx(), "alice2")
	var serr *connector.ServerError
	s.Require().ErrorAs(err, &serr)
	s.Equal(merr.KindAlreadyLoggedIn, serr.Kind)
}

func (s *ServerSuite) TestDuplicateUsernameRetry() {
	s.login("alice")
	c := s.authenticated()

	res, err := c.Login(s.ctx(), "alice")
	var serr *connector.ServerError
	s.Require().ErrorAs(err, &serr)
	s.False(res.Success)
	s.Equal("username already taken", res.Reason)
	s.Equal(merr.KindDuplicateUsername, serr.Kind)

	res, err = c.Login(s.ctx(), "alice2")
	s.Require().NoError(err)
	s.True(res.Success)
	s.Equal(2, s.srv.Registry().Count())
}

func (s *ServerSuite) TestTooManyLoginAttempts() {
	s.login("alice")
	c := s.authenticated()
	var serr *connector.ServerError
	for i := 1; i <= 3; i++ {
		_, err := c.Login(s.ctx(), "alice")
		s.Require().ErrorAs(err, &serr)
		if i < 3 {
			s.Equal(merr.KindDuplicateUsername, serr.Kind)
		}
	}
	s.Equal(merr.KindTooManyLoginAttempts, serr.Kind)
	s.awaitClosed(c)
}

func (s *ServerSuite) TestInvalidUsername() {
	c := s.authenticated()
	_, err := c.Login(s.ctx(), "   ")
	var serr *connector.ServerError
	s.Require().ErrorAs(err, &serr)
	s.Equal(merr.KindInvalidUsername, serr.Kind)
}

func (s *ServerSuite) TestHistoryEvictionAndSnapshot() {
	alice := s.login("alice")
	s.True(s.join(alice, "general", nil).Success)
	for i := 1; i <= 101; i++ {
		s.Require().NoError(alice.Send(&protocol.SendMessage{Payload: []byte(fmt.Sprintf("msg-%d", i))}))
	}
	// 发送者也会收到自己的广播，收齐后历史已全部写入。
	s.awaitBroadcasts(alice, 101)

	bob := s.login("bob")
	res := s.join(bob, "general", nil)
	s.Require().True(res.Success)
	s.Require().Len(res.History, SnapshotSize)
	for i, env := range res.History {
		s.Equal(fmt.Sprintf("msg-%d", 52+i), string(env.Payload))
		s.Equal("alice", env.Sender)
	}
	s.Equal(HistoryLimit, s.srv.Store().HistoryLen("general"))

	s.Require().NoError(bob.Send(&protocol.GetHistory{Channel: "general", Limit: 1000}))
	h, err := connector.Await[*protocol.History](s.ctx(), bob)
	s.Require().NoError(err)
	s.Require().Len(h.Envelopes, HistoryLimit)
	s.Equal("msg-2", string(h.Envelopes[0].Payload))
}

func (s *ServerSuite) TestPasswordProtectedChannel() {
	owner := s.login("owner")
	s.True(s.join(owner, "private", ptr("pw")).Success)

	guest := s.login("guest")
	res := s.join(guest, "private", ptr("wrong"))
	s.False(res.Success)
	s.Equal("invalid channel password", res.Reason)

	res = s.join(guest, "private", nil)
	s.False(res.Success)

	res = s.join(guest, "private", ptr("pw"))
	s.True(res.Success)
	s.Equal("private", res.Channel)

	joined, err := connector.Await[*protocol.UserJoined](s.ctx(), owner)
	s.Require().NoError(err)
	s.Equal("guest", joined.Username)
}

func (s *ServerSuite) TestInterleavedSenders() {
	alice := s.login("alice")
	bob := s.login("bob")
	s.True(s.join(alice, "general", nil).Success)
	s.True(s.join(bob, "general", nil).Success)

	for i := range 50 {
		s.Require().NoError(alice.Send(&protocol.SendMessage{Payload: []byte(fmt.Sprintf("a%d", i))}))
		s.Require().NoError(bob.Send(&protocol.SendMessage{Payload: []byte(fmt.Sprintf("b%d", i))}))
	}
	fromAlice := s.awaitBroadcasts(alice, 100)
	fromBob := s.awaitBroadcasts(bob, 100)
	s.Equal(fromAlice, fromBob)

	s.Require().NoError(alice.Send(&protocol.GetHistory{Limit: 100}))
	h, err := connector.Await[*protocol.History](s.ctx(), alice)
	s.Require().NoError(err)
	s.Require().Len(h.Envelopes, 100)
	s.Equal(fromAlice, h.Envelopes)

	next := map[string]int{}
	for _, env := range h.Envelopes {
		prefix := map[string]string{"alice": "a", "bob": "b"}[env.Sender]
		s.Equal(fmt.Sprintf("%s%d", prefix, next[env.Sender]), string(env.Payload))
		next[env.Sender]++
	}
	s.Equal(50, next["alice"])
	s.Equal(50, next["bob"])
}

func (s *ServerSuite) TestSendWithoutChannel() {
	c := s.login("alice")
	s.Require().NoError(c.Send(&protocol.SendMessage{Payload: []byte("hello")}))
	e := s.awaitError(c)
	s.Equal(merr.KindNotInChannel, e.Kind)
	s.Equal("not joined to channel", e.Text)

	s.Require().NoError(c.Send(&protocol.LeaveChannel{}))
	s.Equal(merr.KindNotInChannel, s.awaitError(c).Kind)
}

func (s *ServerSuite) TestPayloadTooLarge() {
	s.restart(func(o *Options) { o.MaxPayloadSize = 8 })
	c := s.login("alice")
	s.True(s.join(c, "general", nil).Success)
	s.Require().NoError(c.Send(&protocol.SendMessage{Payload: []byte(strings.Repeat("x", 9))}))
	s.Equal(merr.KindPayloadTooLarge, s.awaitError(c).Kind)
	s.Zero(s.srv.Store().HistoryLen("general"))
}

func (s *ServerSuite) TestPresenceOnLeaveAndDisconnect() {
	alice := s.login("alice")
	bob := s.login("bob")
	s.True(s.join(alice, "general", nil).Success)
	s.True(s.join(bob, "general", nil).Success)

	s.Require().NoError(bob.Send(&protocol.LeaveChannel{}))
	left, err := connector.Await[*protocol.UserLeft](s.ctx(), alice)
	s.Require().NoError(err)
	s.Equal("bob", left.Username)
	sys, err := connector.Await[*protocol.System](s.ctx(), bob)
	s.Require().NoError(err)
	s.Equal("left channel general", sys.Text)

	s.True(s.join(bob, "general", nil).Success)
	_, err = connector.Await[*protocol.UserJoined](s.ctx(), alice)
	s.Require().NoError(err)

	s.Require().NoError(bob.Close())
	left, err = connector.Await[*protocol.UserLeft](s.ctx(), alice)
	s.Require().NoError(err)
	s.Equal("bob", left.Username)
	s.Eventually(func() bool { return s.srv.Registry().Count() == 1 }, 5*time.Second, 10*time.Millisecond)
	s.Equal([]string{"alice"}, s.srv.Store().Members("general"))
}

func (s *ServerSuite) TestQuitReleasesUsername() {
	c := s.login("alice")
	s.Require().NoError(c.Send(&protocol.Quit{}))
	s.awaitClosed(c)
	s.Eventually(func() bool { return s.srv.Registry().Count() == 0 }, 5*time.Second, 10*time.Millisecond)
	s.login("alice")
}

func (s *ServerSuite) TestCreateIsJoin() {
	alice := s.login("alice")
	s.True(s.join(alice, "room", nil).Success)

	bob := s.login("bob")
	s.Require().NoError(bob.Send(&protocol.ListChannels{}))
	list, err := connector.Await[*protocol.ChannelList](s.ctx(), bob)
	s.Require().NoError(err)
	s.Equal([]string{"general", "room"}, list.Channels)

	// 再次“创建”已存在的频道等同于加入。
	res := s.join(bob, "room", nil)
	s.True(res.Success)
	s.Equal([]string{"alice", "bob"}, s.srv.Store().Members("room"))
}

func (s *ServerSuite) TestMalformedFrameCloses() {
	c := s.authenticated()
	frame := binary.BigEndian.AppendUint32(nil, 3)
	frame = append(frame, 0xde, 0xad, 0xbe)
	s.Require().NoError(c.SendRaw(frame))
	e := s.awaitError(c)
	s.Equal(merr.KindProtocol, e.Kind)
	s.awaitClosed(c)
}

func (s *ServerSuite) TestServerOpFromClientCloses() {
	c := s.authenticated()
	s.Require().NoError(c.Send(&protocol.System{Text: "spoof"}))
	s.Equal(merr.KindProtocol, s.awaitError(c).Kind)
	s.awaitClosed(c)
}

func (s *ServerSuite) TestIdleTimeout() {
	s.restart(func(o *Options) { o.IdleTimeout = 300 * time.Millisecond })
	c := s.login("alice")
	e := s.awaitError(c)
	s.Equal(merr.KindIdleTimeout, e.Kind)
	s.awaitClosed(c)
	s.Eventually(func() bool { return s.srv.Registry().Count() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestServer(t *testing.T) {
	suite.Run(t, new(ServerSuite))
}

func TestNewServerValidation(t *testing.T) {
	opts := testOptions()
	opts.SpecialKey = nil
	_, err := NewServer(opts)
	require.Error(t, err)

	opts = testOptions()
	opts.DefaultChannels = []string{"bad name"}
	_, err = NewServer(opts)
	require.ErrorIs(t, err, merr.ErrInvalidChannelName)

	opts = testOptions()
	opts.Argon2.Time = 0
	_, err = NewServer(opts)
	require.Error(t, err)

	opts = testOptions()
	opts.DefaultChannels = []string{"general", "ops"}
	srv, err := NewServer(opts)
	require.NoError(t, err)
	require.Equal(t, []string{"general", "ops"}, srv.Store().ListChannels())
}
