package session

import (
	"context"
	"net"
	"time"

	"github.com/lk2023060901/darkrelay-go/internal/protocol"
)

// Session 抽象了一条网络会话/连接。
//
// 约定：
//   - 每个 Session 对应一条底层连接（一个 TCP 连接或一个 WebSocket 会话）；
//   - ID 为连接级标识，由接入层分配，与聊天层的会话 ID 无关；
//   - 框架层只关心连接本身，不关心用户名、频道等业务概念。
type Session interface {
	// ID 返回该连接在进程内的唯一标识。
	ID() uint64

	// Context 返回与该会话关联的上下文，会话关闭时 Done() 被触发。
	Context() context.Context

	RemoteAddr() net.Addr
	LocalAddr() net.Addr

	// Send 将一条消息投递到发送队列，不阻塞。
	//
	// 行为：
	//   - 队列已满时视为慢消费者：返回 ErrSlowConsumer 并关闭会话；
	//   - 会话已关闭或正在关闭时返回 ErrSessionClosed；
	//   - 帧头的 seq 由发送协程按会话递增分配。
	Send(msg protocol.Message) error

	// SetReadDeadline 设置底层连接的读超时，零值表示不超时。
	SetReadDeadline(t time.Time) error

	// Close 立即关闭会话，丢弃尚未写出的消息。多次调用是幂等的。
	Close() error

	// Shutdown 停止接收新消息，在 linger 时间内尽量写出已排队的消息后关闭。
	Shutdown(linger time.Duration) error

	// Cause 返回会话被关闭的原因，正常关闭时为 nil。
	Cause() error

	// OnConnected 在会话建立成功后被接入层调用一次。
	OnConnected()

	// OnDisconnected 在读循环结束后被接入层调用，err 为断开原因。
	OnDisconnected(err error)
}
