package router

import (
	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/darkrelay-go/internal/protocol"
	"github.com/lk2023060901/darkrelay-go/pkg/util/merr"
)

// Handler 是框架暴露给业务层的通用处理函数签名。
//
// 说明：
//   - sess  ：当前会话，类型由业务层决定（通常是嵌入了 session.BaseSession 的自定义类型）；
//   - header：对端发来的帧头；
//   - msg   ：已经完成解密、解压与反序列化的消息，具体类型与 header.Op 对应；
//   - 返回的错误由调用方决定是转换成错误消息回写，还是结束连接。
type Handler[S any] func(sess S, header protocol.Header, msg protocol.Message) error

// Router 维护协议号到处理函数的映射。
//
// 典型调用链（服务器侧）：
//  1. 接入层从连接中解码出 header + msg；
//  2. 上层调用 Router.Handle(sess, header, msg)；
//  3. Router 根据 header.Op 找到 Handler 并调用。
//
// 注册应在开始处理连接之前完成，之后 Router 只读，可被多个连接并发使用。
type Router[S any] interface {
	// Register 为协议号 op 注册处理函数，同一协议号不允许重复注册。
	Register(op protocol.Op, h Handler[S]) error

	// Handle 分发一条消息，没有对应处理函数时返回 ErrUnexpectedMessage。
	Handle(sess S, header protocol.Header, msg protocol.Message) error
}

// defaultRouter 是 Router 接口的基础实现，基于一个简单的 map[op]Handler 进行路由。
type defaultRouter[S any] struct {
	routes map[protocol.Op]Handler[S]
}

var _ Router[struct{}] = (*defaultRouter[struct{}])(nil)

// New 创建一个空的 Router 实例。
func New[S any]() Router[S] {
	return &defaultRouter[S]{
		routes: make(map[protocol.Op]Handler[S]),
	}
}

// Register 实现 Router.Register。
func (r *defaultRouter[S]) Register(op protocol.Op, h Handler[S]) error {
	if !op.Known() {
		return errors.Newf("router: unknown op %s", op)
	}
	if h == nil {
		return errors.Newf("router: handler is nil for op=%s", op)
	}
	if _, exists := r.routes[op]; exists {
		return errors.Newf("router: op=%s already registered", op)
	}
	r.routes[op] = h
	return nil
}

// Handle 实现 Router.Handle。
func (r *defaultRouter[S]) Handle(sess S, header protocol.Header, msg protocol.Message) error {
	if msg == nil {
		return errors.New("router: msg is nil")
	}
	h, ok := r.routes[header.Op]
	if !ok {
		return merr.WrapErrUnexpectedMessage(header.Op, "router")
	}
	return h(sess, header, msg)
}
