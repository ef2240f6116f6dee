package serializer

// Serializer 抽象了消息体“对象 <-> 字节”的序列化能力。
//
// 实现需满足：同一对象多次 Marshal 得到相同字节，Unmarshal 后再 Marshal 得到原字节。
type Serializer interface {
	// Marshal 将任意对象编码为字节序列。
	Marshal(v any) ([]byte, error)

	// Unmarshal 将字节序列解码到目标对象，v 通常为指针类型。
	Unmarshal(data []byte, v any) error
}
