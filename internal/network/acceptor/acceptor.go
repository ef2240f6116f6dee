package acceptor

import (
	"context"
	"net"
	"time"

	network "github.com/lk2023060901/darkrelay-go/internal/network"
	"github.com/lk2023060901/darkrelay-go/internal/network/session"
	"github.com/lk2023060901/darkrelay-go/internal/protocol"
)

const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

// Config 描述 Acceptor 在会话层面的配置。
//
// 说明：
//   - MaxConnections 为同时处理的连接上限，超出后新连接被立即拒绝；
//   - SendQueueSize/WriteTimeout 原样传给每个连接的 BaseSession；
//   - ShutdownLinger 为连接关闭前写出排队消息的最长时间；
//   - Path 控制 WebSocket 的升级路径（如 "/ws"）。
type Config struct {
	MaxConnections int
	SendQueueSize  int
	WriteTimeout   time.Duration
	ShutdownLinger time.Duration
	Path           string
}

func defaultConfig() Config {
	return Config{
		MaxConnections: 10000,
		SendQueueSize:  session.DefaultSendQueueSize,
		WriteTimeout:   10 * time.Second,
		ShutdownLinger: 2 * time.Second,
		Path:           "/ws",
	}
}

// Handler 由框架使用者实现，用于在服务器侧的各个阶段插入自定义逻辑。
//
// 同一连接上的回调都在该连接的处理协程中串行执行；不同连接的回调并发执行。
type Handler interface {
	// OnAccept 在连接建立后被调用，负责创建 Session。返回 nil 表示拒绝该连接。
	OnAccept(ctx context.Context, id uint64, conn net.Conn, opts session.Options) (session.Session, error)

	// OnMessage 在成功解码出一条消息后被调用。返回非 nil 错误会结束该连接，
	// 错误本身作为关闭原因交给 OnSessionClosed。
	OnMessage(sess session.Session, header protocol.Header, msg protocol.Message) error

	// OnTimeout 在读超时时被调用，sess 为 nil 表示监听器本身超时。
	// 返回 nil 时继续读取，此时实现方应负责重新设置读超时。
	OnTimeout(sess session.Session) error

	// OnError 在各个阶段发生错误时被调用，stage 用于标识错误发生的位置。
	OnError(sess session.Session, stage network.Stage, err error)

	// OnSessionClosed 在连接的读循环结束后、排队消息写出之前被调用一次。
	OnSessionClosed(sess session.Session, cause error)

	// OnReject 在连接数达到上限时被调用，返回的消息会尽力写给对端，可以为 nil。
	OnReject(conn net.Conn, err error) protocol.Message
}

// Acceptor 抽象了服务器侧的接入层。
//
// 职责：
//   - 在给定 listener 上接受连接；
//   - 为每个连接创建 Session，并调用 Handler 的各阶段回调；
//   - 维护当前活跃会话列表，便于运维与监控。
type Acceptor interface {
	// Serve 在给定 listener 上启动服务，阻塞直至 ctx 取消或出现致命错误。ctx 取消时返回 nil。
	Serve(ctx context.Context, ln net.Listener, h Handler) error

	// Close 关闭监听器并以 ShutdownLinger 关闭所有会话。
	Close() error

	// Sessions 返回当前活跃会话的快照。
	Sessions() []session.Session
}
