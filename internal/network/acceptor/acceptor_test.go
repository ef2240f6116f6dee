package acceptor

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/suite"

	network "github.com/lk2023060901/darkrelay-go/internal/network"
	"github.com/lk2023060901/darkrelay-go/internal/network/codec"
	"github.com/lk2023060901/darkrelay-go/internal/network/session"
	"github.com/lk2023060901/darkrelay-go/internal/network/transport"
	"github.com/lk2023060901/darkrelay-go/internal/protocol"
	"github.com/lk2023060901/darkrelay-go/pkg/util/merr"
)

// echoHandler 把收到的每条消息的类型名作为 System 消息回写。
type echoHandler struct {
	closed chan error
	stages chan network.Stage
}

func newEchoHandler() *echoHandler {
	return &echoHandler{
		closed: make(chan error, 16),
		stages: make(chan network.Stage, 16),
	}
}

func (h *echoHandler) OnAccept(ctx context.Context, id uint64, conn net.Conn, opts session.Options) (session.Session, error) {
	return session.NewBaseSession(ctx, id, conn, opts), nil
}

func (h *echoHandler) OnMessage(sess session.Session, header protocol.Header, msg protocol.Message) error {
	if _, ok := msg.(*protocol.Quit); ok {
		return merr.WrapErrSessionClosed(sess.ID(), "quit")
	}
	return sess.Send(&protocol.System{Text: header.Op.String()})
}

func (h *echoHandler) OnTimeout(session.Session) error {
	return merr.WrapErrIdleTimeout(0)
}

func (h *echoHandler) OnError(_ session.Session, stage network.Stage, _ error) {
	select {
	case h.stages <- stage:
	default:
	}
}

func (h *echoHandler) OnSessionClosed(_ session.Session, cause error) {
	h.closed <- cause
}

func (h *echoHandler) OnReject(net.Conn, error) protocol.Message {
	return &protocol.Error{Kind: merr.KindServerBusy, Text: "server busy"}
}

type AcceptorSuite struct {
	suite.Suite
	codec    codec.Codec
	handler  *echoHandler
	acceptor *BaseAcceptor
	ln       net.Listener
	cancel   context.CancelFunc
	served   chan error
}

func (s *AcceptorSuite) start(cfg Config) {
	s.codec = codec.NewDefault(1024)
	s.handler = newEchoHandler()

	var err error
	s.acceptor, err = NewBaseAcceptor(cfg, s.codec)
	s.Require().NoError(err)
	s.ln, err = Listen("127.0.0.1:0")
	s.Require().NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.served = make(chan error, 1)
	go func() { s.served <- s.acceptor.Serve(ctx, s.ln, s.handler) }()
}

func (s *AcceptorSuite) TearDownTest() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	select {
	case err := <-s.served:
		s.NoError(err)
	case <-time.After(5 * time.Second):
		s.Fail("Serve did not return after cancel")
	}
	s.NoError(s.acceptor.Close())
	s.cancel = nil
}

func (s *AcceptorSuite) dial() net.Conn {
	conn, err := net.Dial("tcp", s.ln.Addr().String())
	s.Require().NoError(err)
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func (s *AcceptorSuite) roundTrip(conn net.Conn, msg protocol.Message) {
	s.Require().NoError(s.codec.Encode(conn, &protocol.Header{}, msg))
	_, reply, err := s.codec.Decode(conn)
	s.Require().NoError(err)
	s.Equal(&protocol.System{Text: msg.Op().String()}, reply)
}

func (s *AcceptorSuite) closeCause() error {
	select {
	case err := <-s.handler.closed:
		return err
	case <-time.After(5 * time.Second):
		s.FailNow("session was not closed")
		return nil
	}
}

func (s *AcceptorSuite) TestEchoAndCleanClose() {
	s.start(Config{})
	conn := s.dial()

	s.roundTrip(conn, &protocol.ListChannels{})
	s.roundTrip(conn, &protocol.Login{Username: "alice"})
	s.Len(s.acceptor.Sessions(), 1)

	s.Require().NoError(conn.Close())
	s.NoError(s.closeCause())
	s.Eventually(func() bool { return len(s.acceptor.Sessions()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func (s *AcceptorSuite) TestHandlerErrorClosesConnection() {
	s.start(Config{})
	conn := s.dial()
	defer conn.Close()

	s.Require().NoError(s.codec.Encode(conn, &protocol.Header{}, &protocol.Quit{}))
	s.ErrorIs(s.closeCause(), merr.ErrSessionClosed)
	_, _, err := s.codec.Decode(conn)
	s.ErrorIs(err, io.EOF)
}

func (s *AcceptorSuite) TestOversizedFrameFailsClosed() {
	s.start(Config{})
	conn := s.dial()
	defer conn.Close()

	_, err := conn.Write(binary.BigEndian.AppendUint32(nil, 1<<30))
	s.Require().NoError(err)

	cause := s.closeCause()
	s.ErrorIs(cause, merr.ErrFrameTooLarge)
	s.ErrorIs(cause, network.ErrDecodeFailed)
	s.Equal(network.StageDecode, <-s.handler.stages)

	_, _, err = s.codec.Decode(conn)
	s.ErrorIs(err, io.EOF)
}

func (s *AcceptorSuite) TestTruncatedFrame() {
	s.start(Config{})
	conn := s.dial()

	raw, err := s.codec.AppendFrame(nil, &protocol.Header{}, &protocol.Login{Username: "alice"})
	s.Require().NoError(err)
	_, err = conn.Write(raw[:len(raw)-2])
	s.Require().NoError(err)
	s.Require().NoError(conn.Close())

	s.ErrorIs(s.closeCause(), merr.ErrProtocolMalformed)
}

func (s *AcceptorSuite) TestRejectWhenFull() {
	s.start(Config{MaxConnections: 1})
	first := s.dial()
	defer first.Close()
	s.roundTrip(first, &protocol.ListChannels{})

	second := s.dial()
	defer second.Close()
	_, msg, err := s.codec.Decode(second)
	s.Require().NoError(err)
	s.Equal(&protocol.Error{Kind: merr.KindServerBusy, Text: "server busy"}, msg)
	_, _, err = s.codec.Decode(second)
	s.ErrorIs(err, io.EOF)

	// 第一个连接不受影响。
	s.roundTrip(first, &protocol.Login{Username: "alice"})
}

func (s *AcceptorSuite) TestWebSocket() {
	s.start(Config{})
	ws := NewWSAcceptor(s.acceptor)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	s.Require().NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ws.Serve(ctx, ln, s.handler) }()

	raw, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws", nil)
	s.Require().NoError(err)
	conn := transport.NewWSConn(raw)
	s.roundTrip(conn, &protocol.ListChannels{})
	s.Require().NoError(conn.Close())
	s.NoError(s.closeCause())

	cancel()
	s.NoError(<-done)
}

func TestAcceptor(t *testing.T) {
	suite.Run(t, new(AcceptorSuite))
}
