package acceptor

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	network "github.com/lk2023060901/darkrelay-go/internal/network"
	"github.com/lk2023060901/darkrelay-go/internal/network/session"
	"github.com/lk2023060901/darkrelay-go/internal/network/transport"
	"github.com/lk2023060901/darkrelay-go/pkg/log"
)

const readHeaderTimeout = 10 * time.Second

// WSAcceptor 在 HTTP 上完成 WebSocket 升级，之后把连接交给 BaseAcceptor 处理。
//
// WebSocket 连接与 TCP 连接共用同一个协程池与会话表，因此连接上限对两者合并计算，
// 帧格式也完全相同：二进制消息承载的就是 TCP 上的字节流。
type WSAcceptor struct {
	base     *BaseAcceptor
	upgrader websocket.Upgrader
}

var _ Acceptor = (*WSAcceptor)(nil)

// NewWSAcceptor 基于已有的 BaseAcceptor 创建 WebSocket 接入器。
func NewWSAcceptor(base *BaseAcceptor) *WSAcceptor {
	return &WSAcceptor{
		base: base,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// 客户端不是浏览器页面，不做 Origin 校验。
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Serve 实现 Acceptor.Serve。
func (a *WSAcceptor) Serve(ctx context.Context, ln net.Listener, h Handler) error {
	if h == nil {
		return errors.New("acceptor: handler is nil")
	}
	if ln == nil {
		return errors.New("acceptor: listener is nil")
	}
	a.base.track(ln)

	mux := http.NewServeMux()
	mux.HandleFunc(a.base.cfg.Path, func(w http.ResponseWriter, r *http.Request) {
		ws, err := a.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade 已经向对端写出 HTTP 错误响应。
			h.OnError(nil, network.StageHandshake, err)
			return
		}
		a.base.dispatch(ctx, transport.NewWSConn(ws), TransportWebSocket, h)
	})

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	stop := context.AfterFunc(ctx, func() { _ = srv.Close() })
	defer stop()

	log.Info("acceptor serving",
		zap.String("transport", TransportWebSocket),
		zap.Stringer("addr", ln.Addr()),
		zap.String("path", a.base.cfg.Path))
	err := srv.Serve(ln)
	if ctx.Err() != nil || errors.IsAny(err, http.ErrServerClosed, net.ErrClosed) {
		return nil
	}
	return errors.Wrap(err, "acceptor: serve websocket")
}

// Close 实现 Acceptor.Close。
func (a *WSAcceptor) Close() error {
	return a.base.Close()
}

// Sessions 实现 Acceptor.Sessions。
func (a *WSAcceptor) Sessions() []session.Session {
	return a.base.Sessions()
}
