package session

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	network "github.com/lk2023060901/darkrelay-go/internal/network"
	"github.com/lk2023060901/darkrelay-go/internal/network/codec"
	"github.com/lk2023060901/darkrelay-go/internal/pool/ringbuffer"
	"github.com/lk2023060901/darkrelay-go/internal/protocol"
	"github.com/lk2023060901/darkrelay-go/pkg/buffer/ring"
	"github.com/lk2023060901/darkrelay-go/pkg/log"
	"github.com/lk2023060901/darkrelay-go/pkg/util/merr"
)

const (
	// DefaultSendQueueSize 为每个会话的发送队列默认容量。
	DefaultSendQueueSize = 256

	// flushThreshold 为单次批量写出的目标字节数，超过后立即刷到连接。
	flushThreshold = 64 * 1024
)

// Options 描述创建 BaseSession 所需的参数。
type Options struct {
	Codec codec.Codec
	// SendQueueSize 为发送队列容量，<= 0 时使用 DefaultSendQueueSize。
	SendQueueSize int
	// WriteTimeout 为单次写出的超时时间，0 表示不设置 deadline。
	WriteTimeout time.Duration
}

// BaseSession 提供了 Session 接口的基础实现。
//
// 设计目标：
//   - 封装最小但完整的会话能力：ID、Context、地址信息、发送与关闭；
//   - 所有写操作只发生在 sendLoop 协程中，调用方通过有界队列投递消息；
//   - 默认 OnConnected/OnDisconnected 为空，方便业务在自定义 Session 中嵌入并覆写。
type BaseSession struct {
	id uint64

	ctx    context.Context
	cancel context.CancelFunc

	conn         net.Conn
	codec        codec.Codec
	writeTimeout time.Duration

	remoteAddr net.Addr
	localAddr  net.Addr

	// sendQueue 为待发送消息的对象级队列，从不关闭，避免并发 Send 时向已关闭通道写入。
	sendQueue chan protocol.Message

	// sendBuf 为发送缓冲区，仅由 sendLoop 访问。
	//   - 同一批次的多条消息先编码到 sendBuf，再一次性刷到连接；
	//   - 取自 ringbuffer 池，sendLoop 退出时归还。
	sendBuf *ring.Buffer

	// seq 为服务器侧主动发送消息的本地自增序号，仅由 sendLoop 访问。
	seq uint64

	closing   atomic.Bool
	draining  chan struct{}
	drainOnce sync.Once
	sendDone  chan struct{}

	cause     atomic.Error
	markOnce  sync.Once
	closeOnce sync.Once
}

var _ Session = (*BaseSession)(nil)

// NewBaseSession 创建一个基于 net.Conn 的基础 Session 实例，并启动发送协程。
//
// 参数：
//   - parent：会话所属的上层上下文；若为 nil，则使用 context.Background()；
//   - id    ：连接 ID，由调用侧保证唯一；
//   - conn  ：底层网络连接；
//   - opts  ：编解码器与发送队列参数。
func NewBaseSession(parent context.Context, id uint64, conn net.Conn, opts Options) *BaseSession {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	size := opts.SendQueueSize
	if size <= 0 {
		size = DefaultSendQueueSize
	}

	s := &BaseSession{
		id:           id,
		ctx:          ctx,
		cancel:       cancel,
		conn:         conn,
		codec:        opts.Codec,
		writeTimeout: opts.WriteTimeout,
		remoteAddr:   conn.RemoteAddr(),
		localAddr:    conn.LocalAddr(),
		sendQueue:    make(chan protocol.Message, size),
		sendBuf:      ringbuffer.Get(),
		draining:     make(chan struct{}),
		sendDone:     make(chan struct{}),
	}
	go s.sendLoop()

	return s
}

// ID 实现 Session.ID。
func (s *BaseSession) ID() uint64 {
	return s.id
}

// Context 实现 Session.Context。
func (s *BaseSession) Context() context.Context {
	return s.ctx
}

// RemoteAddr 实现 Session.RemoteAddr。
func (s *BaseSession) RemoteAddr() net.Addr {
	return s.remoteAddr
}

// LocalAddr 实现 Session.LocalAddr。
func (s *BaseSession) LocalAddr() net.Addr {
	return s.localAddr
}

// Send 实现 Session.Send。
func (s *BaseSession) Send(msg protocol.Message) error {
	if msg == nil {
		return merr.WrapErrServiceInternal("nil message", "session: send")
	}
	if s.closing.Load() {
		return merr.WrapErrSessionClosed(s.id)
	}
	select {
	case <-s.ctx.Done():
		return merr.WrapErrSessionClosed(s.id)
	case s.sendQueue <- msg:
		return nil
	default:
		// 发送协程可能阻塞在写出上并持有连接的写锁，关闭连接放到后台，Send 不阻塞。
		err := merr.WrapErrSlowConsumer(s.id, cap(s.sendQueue))
		s.markClosed(err)
		go s.closeWithCause(err)
		return err
	}
}

// SetReadDeadline 实现 Session.SetReadDeadline。
func (s *BaseSession) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

// Close 实现 Session.Close。
func (s *BaseSession) Close() error {
	return s.closeWithCause(nil)
}

// Shutdown 实现 Session.Shutdown。
func (s *BaseSession) Shutdown(linger time.Duration) error {
	s.closing.Store(true)
	s.drainOnce.Do(func() { close(s.draining) })

	if linger > 0 {
		timer := time.NewTimer(linger)
		defer timer.Stop()
		select {
		case <-s.sendDone:
		case <-s.ctx.Done():
		case <-timer.C:
		}
	}
	return s.Close()
}

// Cause 实现 Session.Cause。
func (s *BaseSession) Cause() error {
	return s.cause.Load()
}

// OnConnected 默认实现为空，方便在自定义 Session 中覆写。
func (s *BaseSession) OnConnected() {}

// OnDisconnected 默认实现为空，方便在自定义 Session 中覆写。
func (s *BaseSession) OnDisconnected(error) {}

func (s *BaseSession) closeWithCause(cause error) error {
	var err error
	s.closeOnce.Do(func() {
		s.markClosed(cause)
		err = s.conn.Close()
	})
	return err
}

// markClosed 记录关闭原因并取消上下文，不触碰底层连接，不会阻塞。
// 只有第一次调用记录的原因生效。
func (s *BaseSession) markClosed(cause error) {
	s.markOnce.Do(func() {
		if cause != nil {
			s.cause.Store(cause)
		}
		s.closing.Store(true)
		s.cancel()
	})
}

// sendLoop 为每个会话启动的专职发送协程。
//
// 行为：
//   - 从 sendQueue 中按顺序取出待发送消息，尽量合并成一批后写出；
//   - Shutdown 触发 draining 后写出队列中剩余的消息并退出；
//   - 写出失败时记录原因并关闭会话。
func (s *BaseSession) sendLoop() {
	defer func() {
		ringbuffer.Put(s.sendBuf)
		s.sendBuf = nil
		close(s.sendDone)
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.sendQueue:
			if err := s.writeBatch(msg); err != nil {
				s.closeWithCause(network.WrapStage(network.StageSend, err))
				return
			}
		case <-s.draining:
			for {
				select {
				case msg := <-s.sendQueue:
					if err := s.writeBatch(msg); err != nil {
						s.closeWithCause(network.WrapStage(network.StageSend, err))
						return
					}
				default:
					return
				}
			}
		}
	}
}

// writeBatch 编码 first 以及队列中已就绪的后续消息，然后一次性刷到连接。
func (s *BaseSession) writeBatch(first protocol.Message) error {
	s.encode(first)
	for s.sendBuf.Buffered() < flushThreshold {
		select {
		case msg := <-s.sendQueue:
			s.encode(msg)
			continue
		default:
		}
		break
	}
	return s.flush()
}

// encode 将一条消息编码到发送缓冲区。编码失败只丢弃该消息，连接保持可用。
func (s *BaseSession) encode(msg protocol.Message) {
	s.seq++
	header := &protocol.Header{Seq: s.seq}
	if err := s.codec.Encode(s.sendBuf, header, msg); err != nil {
		log.Error("failed to encode outbound message",
			zap.Uint64("connID", s.id),
			zap.Stringer("op", msg.Op()),
			zap.Error(network.WrapStage(network.StageEncode, err)))
	}
}

func (s *BaseSession) flush() error {
	if s.sendBuf.IsEmpty() {
		return nil
	}
	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}
	for !s.sendBuf.IsEmpty() {
		if _, err := s.sendBuf.WriteTo(s.conn); err != nil {
			return err
		}
	}
	return nil
}
