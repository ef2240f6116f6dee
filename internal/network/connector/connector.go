package connector

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	network "github.com/lk2023060901/darkrelay-go/internal/network"
	"github.com/lk2023060901/darkrelay-go/internal/network/codec"
	"github.com/lk2023060901/darkrelay-go/internal/network/transport"
	"github.com/lk2023060901/darkrelay-go/internal/protocol"
	"github.com/lk2023060901/darkrelay-go/pkg/log"
	"github.com/lk2023060901/darkrelay-go/pkg/util/conc"
	"github.com/lk2023060901/darkrelay-go/pkg/util/merr"
	"github.com/lk2023060901/darkrelay-go/pkg/util/retry"
)

// Options 描述客户端连接的基础配置。
type Options struct {
	// Codec 必须与服务端的压缩、加密设置一致；为 nil 时使用 codec.NewDefault(0)。
	Codec codec.Codec

	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// DialAttempts/DialRetrySleep 控制建连失败时的重试，握手阶段的错误不重试。
	DialAttempts   uint
	DialRetrySleep time.Duration

	// RecvQueueSize 为已解码但尚未被 Recv 取走的消息数量上限，满时读协程阻塞。
	RecvQueueSize int
}

func defaultOptions() Options {
	return Options{
		DialTimeout:    5 * time.Second,
		WriteTimeout:   10 * time.Second,
		DialAttempts:   3,
		DialRetrySleep: 200 * time.Millisecond,
		RecvQueueSize:  1024,
	}
}

// Inbound 为一条从服务端收到的消息。
type Inbound struct {
	Header  protocol.Header
	Message protocol.Message
}

// Conn 为客户端侧的一条连接。
//
// 注意：
//   - Send 可被多个协程并发调用，写出是串行的；
//   - 读协程持续解码服务端消息，调用方通过 Recv 或 Await 按顺序取出；
//   - 连接结束后 Recv 返回 Err()，对端正常关闭时为 io.EOF。
type Conn struct {
	conn  net.Conn
	codec codec.Codec
	opts  Options

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
	seq     uint64

	recv chan Inbound
	err  atomic.Error

	challenge *protocol.AuthChallenge
	closeOnce sync.Once
}

// Dial 连接服务端并等待 AuthChallenge。
//
// addr 为 "host:port" 时使用 TCP；以 ws:// 或 wss:// 开头时使用 WebSocket。
// 服务端声明的协议主版本与本端不一致时返回错误。
func Dial(ctx context.Context, addr string, opts Options) (*Conn, error) {
	opts = withDefaults(opts)

	var raw net.Conn
	err := retry.Do(ctx, func() error {
		c, err := dial(ctx, addr, opts.DialTimeout)
		if err != nil {
			return err
		}
		raw = c
		return nil
	}, retry.Attempts(opts.DialAttempts), retry.Sleep(opts.DialRetrySleep))
	if err != nil {
		return nil, errors.Wrapf(err, "connector: dial %s", addr)
	}

	c := newConn(raw, opts)
	challenge, err := Await[*protocol.AuthChallenge](ctx, c)
	if err != nil {
		_ = c.Close()
		return nil, network.WrapStage(network.StageHandshake, err)
	}
	if err := protocol.Compatible(challenge.Version); err != nil {
		_ = c.Close()
		return nil, network.WrapStage(network.StageHandshake, err)
	}
	c.challenge = challenge
	return c, nil
}

func withDefaults(opts Options) Options {
	def := defaultOptions()
	if opts.Codec == nil {
		opts.Codec = codec.NewDefault(0)
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = def.DialTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.DialAttempts == 0 {
		opts.DialAttempts = def.DialAttempts
	}
	if opts.DialRetrySleep <= 0 {
		opts.DialRetrySleep = def.DialRetrySleep
	}
	if opts.RecvQueueSize <= 0 {
		opts.RecvQueueSize = def.RecvQueueSize
	}
	return opts
}

func dial(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, addr, nil)
		if err != nil {
			return nil, err
		}
		return transport.NewWSConn(ws), nil
	}
	var d net.Dialer
	return d.DialContext(dialCtx, "tcp", addr)
}

func newConn(raw net.Conn, opts Options) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		conn:   raw,
		codec:  opts.Codec,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		recv:   make(chan Inbound, opts.RecvQueueSize),
	}
	conc.Go(func() (struct{}, error) {
		c.recvLoop()
		return struct{}{}, nil
	})
	return c
}

// Challenge 返回建连时服务端下发的 AuthChallenge。
func (c *Conn) Challenge() *protocol.AuthChallenge {
	return c.challenge
}

func (c *Conn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Done 在连接结束后被关闭。
func (c *Conn) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Err 返回连接结束的原因，连接仍然可用时为 nil。
func (c *Conn) Err() error {
	return c.err.Load()
}

// Send 编码一条消息并同步写出。
func (c *Conn) Send(msg protocol.Message) error {
	if err := c.ctx.Err(); err != nil {
		return merr.WrapErrSessionClosed(0, "connector: send")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.seq++
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return network.WrapStage(network.StageSend, err)
	}
	if err := c.codec.Encode(c.conn, &protocol.Header{Seq: c.seq}, msg); err != nil {
		return network.WrapStage(network.StageSend, err)
	}
	return nil
}

// SendRaw 直接写出原始字节，不经过编码，用于构造异常输入。
func (c *Conn) SendRaw(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(p)
	return err
}

// Recv 阻塞直到收到下一条消息、连接结束或 ctx 结束。
func (c *Conn) Recv(ctx context.Context) (Inbound, error) {
	select {
	case in, ok := <-c.recv:
		if !ok {
			return Inbound{}, c.Err()
		}
		return in, nil
	case <-ctx.Done():
		return Inbound{}, ctx.Err()
	}
}

// Authenticate 发送 AuthResponse 并等待 AuthResult。
func (c *Conn) Authenticate(ctx context.Context, secret []byte) (*protocol.AuthResult, error) {
	if err := c.Send(&protocol.AuthResponse{Secret: secret}); err != nil {
		return nil, err
	}
	return Await[*protocol.AuthResult](ctx, c)
}

// Login 发送 Login 并等待 LoginResult。
//
// 登录失败时服务端在 LoginResult 之后紧跟一条 Error，Login 一并取出并以 *ServerError 返回，
// 返回的 LoginResult 仍然有效。
func (c *Conn) Login(ctx context.Context, username string) (*protocol.LoginResult, error) {
	if err := c.Send(&protocol.Login{Username: username}); err != nil {
		return nil, err
	}
	res, err := Await[*protocol.LoginResult](ctx, c)
	if err != nil || res.Success {
		return res, err
	}
	e, err := Await[*protocol.Error](ctx, c)
	if err != nil {
		return res, err
	}
	return res, &ServerError{Kind: e.Kind, Text: e.Text}
}

// Close 关闭连接，多次调用是幂等的。
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.conn.Close()
	})
	return err
}

// recvLoop 持续读取并解码服务端消息，结束时关闭 recv 通道。
func (c *Conn) recvLoop() {
	r := bufio.NewReader(c.conn)
	defer close(c.recv)
	defer c.cancel()

	for {
		header, msg, err := c.codec.Decode(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && c.ctx.Err() == nil {
				log.Debug("connector recv loop stopped", zap.Error(err))
			}
			if errors.Is(err, net.ErrClosed) {
				err = io.EOF
			}
			c.err.Store(err)
			return
		}
		select {
		case c.recv <- Inbound{Header: header, Message: msg}:
		case <-c.ctx.Done():
			c.err.Store(io.EOF)
			return
		}
	}
}

// Await 丢弃其他消息，直到收到类型为 T 的消息。
//
// 收到 Error 消息而 T 不是 *protocol.Error 时，返回由该消息转换的错误。
func Await[T protocol.Message](ctx context.Context, c *Conn) (T, error) {
	var zero T
	for {
		in, err := c.Recv(ctx)
		if err != nil {
			return zero, err
		}
		if msg, ok := in.Message.(T); ok {
			return msg, nil
		}
		if e, ok := in.Message.(*protocol.Error); ok {
			return zero, &ServerError{Kind: e.Kind, Text: e.Text}
		}
	}
}

// ServerError 为服务端通过 Error 消息返回的错误。
type ServerError struct {
	Kind string
	Text string
}

func (e *ServerError) Error() string {
	return e.Kind + ": " + e.Text
}
