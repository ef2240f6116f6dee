package session

// SessionManager 维护当前所有打开的连接的索引。
//
// 职责说明：
//   - 只负责会话的注册、查询和移除，不直接创建或关闭底层连接；
//   - Session 的生命周期由接入层决定；
//   - 进程退出时可以基于 Range 对所有连接执行 Shutdown。
type SessionManager interface {
	// Register 将一个已创建好的 Session 注册到管理器中，ID 重复时返回错误。
	Register(sess Session) error

	// Get 根据连接 ID 查找会话。
	Get(id uint64) (sess Session, ok bool)

	// Unregister 移除指定 id 的会话，仅删除索引，不负责关闭连接。
	Unregister(id uint64) error

	// Range 遍历当前所有会话，fn 返回 false 时中断遍历。
	Range(fn func(sess Session) bool)

	// Count 返回当前已注册的会话数量。
	Count() int
}
