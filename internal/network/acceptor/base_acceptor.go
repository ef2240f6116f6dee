package acceptor

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	network "github.com/lk2023060901/darkrelay-go/internal/network"
	"github.com/lk2023060901/darkrelay-go/internal/network/codec"
	"github.com/lk2023060901/darkrelay-go/internal/network/session"
	"github.com/lk2023060901/darkrelay-go/internal/protocol"
	"github.com/lk2023060901/darkrelay-go/pkg/log"
	"github.com/lk2023060901/darkrelay-go/pkg/metrics"
	"github.com/lk2023060901/darkrelay-go/pkg/util/conc"
	"github.com/lk2023060901/darkrelay-go/pkg/util/merr"
)

// rejectWriteTimeout 为向被拒绝连接写出提示消息的最长时间。
const rejectWriteTimeout = time.Second

// BaseAcceptor 是 Acceptor 接口的基础 TCP 实现。
//
// 设计目标：
//   - 对外只暴露 Acceptor 接口和 Handler 回调，不绑定具体业务逻辑；
//   - 内部负责：接受连接、创建 Session、驱动流式解码并回调 Handler；
//   - 每个连接在协程池中占用一个 worker，池满时新连接被立即拒绝；
//   - 任务中的 panic 由协程池恢复，只影响当前连接。
type BaseAcceptor struct {
	cfg      Config
	codec    codec.Codec
	sessions *session.BaseSessionManager
	pool     *conc.Pool[struct{}]

	nextID atomic.Uint64
	wg     sync.WaitGroup

	mu        sync.Mutex
	listeners []net.Listener
	closeOnce sync.Once
}

var _ Acceptor = (*BaseAcceptor)(nil)

// NewBaseAcceptor 创建一个基础接入器，cfg 中的零值字段使用默认值。
func NewBaseAcceptor(cfg Config, c codec.Codec) (*BaseAcceptor, error) {
	if c == nil {
		return nil, errors.New("acceptor: codec is nil")
	}
	def := defaultConfig()
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}
	if cfg.Path == "" {
		cfg.Path = def.Path
	}

	return &BaseAcceptor{
		cfg:      cfg,
		codec:    c,
		sessions: session.NewBaseSessionManager(),
		pool: conc.NewPool[struct{}](
			conc.WithCapacity(cfg.MaxConnections),
			conc.WithNonBlocking(true),
			conc.WithConcealPanic(true),
		),
	}, nil
}

// Listen 在给定地址上监听 TCP。
func Listen(addr string) (net.Listener, error) {
	if addr == "" {
		return nil, errors.New("acceptor: addr is empty")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "acceptor: listen %s", addr)
	}
	return ln, nil
}

// Serve 实现 Acceptor.Serve。
func (a *BaseAcceptor) Serve(ctx context.Context, ln net.Listener, h Handler) error {
	if h == nil {
		return errors.New("acceptor: handler is nil")
	}
	if ln == nil {
		return errors.New("acceptor: listener is nil")
	}
	a.track(ln)
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	log.Info("acceptor serving", zap.String("transport", TransportTCP), zap.Stringer("addr", ln.Addr()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			// 上层取消或主动关闭监听器视为正常退出。
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if terr := h.OnTimeout(nil); terr != nil {
					return terr
				}
				continue
			}
			return errors.Wrap(err, "acceptor: accept")
		}
		a.dispatch(ctx, conn, TransportTCP, h)
	}
}

// Close 实现 Acceptor.Close。
func (a *BaseAcceptor) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.mu.Lock()
		for _, ln := range a.listeners {
			if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				err = merr.Combine(err, cerr)
			}
		}
		a.mu.Unlock()

		a.sessions.Range(func(sess session.Session) bool {
			go func() { _ = sess.Shutdown(a.cfg.ShutdownLinger) }()
			return true
		})
		a.wg.Wait()
		a.pool.Release()
	})
	return err
}

// Sessions 实现 Acceptor.Sessions。
func (a *BaseAcceptor) Sessions() []session.Session {
	result := make([]session.Session, 0, a.sessions.Count())
	a.sessions.Range(func(sess session.Session) bool {
		result = append(result, sess)
		return true
	})
	return result
}

func (a *BaseAcceptor) track(ln net.Listener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, ln)
}

// dispatch 将连接交给协程池处理，池满时拒绝连接。
func (a *BaseAcceptor) dispatch(ctx context.Context, conn net.Conn, transport string, h Handler) {
	metrics.ConnectionsTotal.WithLabelValues(transport).Inc()

	a.wg.Add(1)
	_, err := a.pool.TrySubmit(func() (struct{}, error) {
		defer a.wg.Done()
		a.ServeConn(ctx, conn, h)
		return struct{}{}, nil
	})
	if err != nil {
		a.wg.Done()
		metrics.ConnectionsRejected.WithLabelValues(transport).Inc()
		log.RatedWarn(1, "connection rejected",
			log.FieldRemote(conn.RemoteAddr().String()),
			zap.String("transport", transport),
			zap.Error(err))
		a.reject(conn, h, err)
	}
}

func (a *BaseAcceptor) reject(conn net.Conn, h Handler, cause error) {
	defer conn.Close()
	msg := h.OnReject(conn, cause)
	if msg == nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(rejectWriteTimeout))
	if err := a.codec.Encode(conn, &protocol.Header{}, msg); err != nil {
		h.OnError(nil, network.StageSend, err)
	}
}

func (a *BaseAcceptor) sessionOptions() session.Options {
	return session.Options{
		Codec:         a.codec,
		SendQueueSize: a.cfg.SendQueueSize,
		WriteTimeout:  a.cfg.WriteTimeout,
	}
}

// ServeConn 处理单个连接的完整生命周期，阻塞直至连接结束。
//
// 流程：
//  1. 调用 Handler.OnAccept 创建 Session，并注册到 SessionManager；
//  2. 调用 sess.OnConnected()；
//  3. 在当前协程中流式读取、解码，并按顺序回调 Handler.OnMessage；
//  4. 读循环结束后调用 sess.OnDisconnected 与 Handler.OnSessionClosed；
//  5. 在 ShutdownLinger 内写出排队消息后关闭连接。
func (a *BaseAcceptor) ServeConn(ctx context.Context, conn net.Conn, h Handler) {
	id := a.nextID.Inc()
	// 会话上下文不随服务停止而取消，保证关闭前仍能写出排队消息。
	sess, err := h.OnAccept(context.WithoutCancel(ctx), id, conn, a.sessionOptions())
	if err != nil {
		_ = conn.Close()
		h.OnError(nil, network.StageHandshake, err)
		return
	}
	if sess == nil {
		_ = conn.Close()
		return
	}
	if err := a.sessions.Register(sess); err != nil {
		h.OnError(sess, network.StageHandshake, err)
		_ = sess.Close()
		return
	}

	// 服务停止时关闭连接，读循环随之返回。
	stop := context.AfterFunc(ctx, func() { _ = sess.Shutdown(a.cfg.ShutdownLinger) })

	var cause error
	panicking := true
	defer func() {
		stop()
		if panicking {
			cause = merr.WrapErrServiceInternal("connection task panicked")
		}
		sess.OnDisconnected(cause)
		h.OnSessionClosed(sess, cause)
		_ = sess.Shutdown(a.cfg.ShutdownLinger)
		_ = a.sessions.Unregister(sess.ID())
	}()

	sess.OnConnected()
	cause = a.readLoop(sess, conn, h)
	panicking = false
}

// readLoop 持续从连接中读取字节并解码，将每条消息交给 Handler.OnMessage。
//
// 返回值：
//   - nil 表示对端在帧边界正常断开；
//   - 否则为关闭原因（协议错误、读错误、超时或 Handler 返回的错误）。
func (a *BaseAcceptor) readLoop(sess session.Session, conn net.Conn, h Handler) error {
	dec := a.codec.NewStreamDecoder()
	for {
		_, rerr := dec.ReadFrom(conn)

		// 先处理本次读到的完整帧，再处理读错误。
		for {
			frame, err := dec.Next()
			if err != nil {
				return a.protocolFailure(sess, h, err)
			}
			if frame == nil {
				break
			}
			msg, err := a.codec.DecodeFrame(frame)
			if err != nil {
				return a.protocolFailure(sess, h, err)
			}
			if err := h.OnMessage(sess, frame.Header, msg); err != nil {
				if merr.IsProtocolErr(err) {
					return a.protocolFailure(sess, h, err)
				}
				return err
			}
		}

		if rerr == nil {
			continue
		}
		switch {
		case errors.Is(rerr, io.EOF):
			if dec.Partial() {
				return a.protocolFailure(sess, h, merr.WrapErrProtocolMalformed("connection closed mid-frame"))
			}
			return nil
		case errors.Is(rerr, net.ErrClosed):
			// 本端已关闭连接，关闭原因由会话自身记录。
			return sess.Cause()
		case isTimeout(rerr):
			if terr := h.OnTimeout(sess); terr != nil {
				return terr
			}
		default:
			if cause := sess.Cause(); cause != nil {
				return cause
			}
			h.OnError(sess, network.StageRecvRaw, rerr)
			return network.WrapStage(network.StageRecvRaw, rerr)
		}
	}
}

func (a *BaseAcceptor) protocolFailure(sess session.Session, h Handler, err error) error {
	metrics.ProtocolErrors.WithLabelValues(protocolErrorKind(err)).Inc()
	h.OnError(sess, network.StageDecode, err)
	return network.WrapStage(network.StageDecode, err)
}

func protocolErrorKind(err error) string {
	switch {
	case errors.Is(err, merr.ErrFrameTooLarge):
		return "frame_too_large"
	case errors.Is(err, merr.ErrUnknownOp):
		return "unknown_op"
	default:
		return "malformed"
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
