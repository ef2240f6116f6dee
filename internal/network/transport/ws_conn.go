// Package transport 提供把不同传输协议适配为 net.Conn 字节流的实现。
package transport

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
)

// closeGrace 为发送 WebSocket 关闭帧的最长等待时间。
const closeGrace = time.Second

// WSConn 将一条 WebSocket 连接适配为 net.Conn。
//
// 写入的每段字节作为一条二进制消息发出；读取时把连续的二进制消息拼接成字节流，
// 因此一帧可以跨越多条消息，一条消息也可以携带多帧。文本消息被忽略。
type WSConn struct {
	ws *websocket.Conn

	// reader 为当前正在读取的消息，只由读协程访问。
	reader io.Reader

	writeMu   sync.Mutex
	closeOnce sync.Once
}

var _ net.Conn = (*WSConn)(nil)

// NewWSConn 包装一条已经完成握手的 WebSocket 连接。
func NewWSConn(ws *websocket.Conn) *WSConn {
	return &WSConn{ws: ws}
}

// Read 实现 net.Conn.Read。对端正常关闭时返回 io.EOF。
func (c *WSConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			typ, r, err := c.ws.NextReader()
			if err != nil {
				return 0, readErr(err)
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		if err != nil {
			return n, readErr(err)
		}
		return n, nil
	}
}

// Write 实现 net.Conn.Write，p 作为一条二进制消息整体写出。
func (c *WSConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close 先尽力发送关闭帧，再关闭底层连接。
func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		err = c.ws.Close()
	})
	return err
}

func (c *WSConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *WSConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *WSConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *WSConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *WSConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

func readErr(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return io.EOF
	}
	return err
}
