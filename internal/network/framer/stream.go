package framer

import (
	"encoding/binary"
	"io"

	"github.com/lk2023060901/darkrelay-go/pkg/buffer/ring"
)

// StreamDecoder 从任意切分的字节流中增量还原帧。
//
// 不完整的帧会留在内部环形缓冲区中，直到后续数据补齐；Next 在数据不足时返回 (nil, nil)
// 而不是阻塞或报错。长度前缀一旦超过上限立即失败，不会为其分配内存。
// StreamDecoder 不是并发安全的，应只由连接的读协程使用。
type StreamDecoder struct {
	framer *LengthPrefixedFramer
	buf    *ring.Buffer
	// pending 为已解析出的下一帧帧体长度，0 表示尚未读到完整的长度前缀。
	pending uint32
	err     error
}

// NewStreamDecoder 创建一个使用 f 的长度上限的流式解码器。
func NewStreamDecoder(f *LengthPrefixedFramer) *StreamDecoder {
	return &StreamDecoder{
		framer: f,
		buf:    ring.New(ring.DefaultBufferSize),
	}
}

// ReadFrom 从 r 执行一次读取并缓存读到的字节，返回读到的字节数。
func (d *StreamDecoder) ReadFrom(r io.Reader) (int, error) {
	return d.buf.ReadOnce(r)
}

// Write 缓存一段字节，总是全部接受。
func (d *StreamDecoder) Write(p []byte) (int, error) {
	return d.buf.Write(p)
}

// Next 返回下一帧；缓冲数据不足一帧时返回 (nil, nil)。
// 一旦返回错误，解码器进入失败状态，后续调用都返回同一个错误。
func (d *StreamDecoder) Next() (*Frame, error) {
	if d.err != nil {
		return nil, d.err
	}

	if d.pending == 0 {
		if d.buf.Buffered() < LengthSize {
			return nil, nil
		}
		// 长度前缀可能跨越环形边界，拆成 head/tail 两段。
		var prefix [LengthSize]byte
		head, tail := d.buf.Peek(LengthSize)
		copy(prefix[copy(prefix[:], head):], tail)
		length, err := d.framer.checkLength(binary.BigEndian.Uint32(prefix[:]))
		if err != nil {
			d.err = err
			return nil, err
		}
		_, _ = d.buf.Discard(LengthSize)
		d.pending = length
	}

	if d.buf.Buffered() < int(d.pending) {
		return nil, nil
	}
	body := make([]byte, d.pending)
	_, _ = d.buf.Read(body)
	d.pending = 0

	frame, err := parseBody(body)
	if err != nil {
		d.err = err
		return nil, err
	}
	return frame, nil
}

// Buffered 返回已缓存、尚未组成完整帧的字节数。
func (d *StreamDecoder) Buffered() int {
	return d.buf.Buffered()
}

// Partial 判断是否存在一个尚未读完的帧，用于区分“在帧边界断开”和“截断”。
func (d *StreamDecoder) Partial() bool {
	return d.pending > 0 || d.buf.Buffered() > 0
}
