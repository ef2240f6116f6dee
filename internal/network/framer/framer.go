package framer

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/darkrelay-go/internal/protocol"
	"github.com/lk2023060901/darkrelay-go/pkg/util/merr"
)

// Frame 是线上的一个传输单元：固定头部 + 消息体（可能已压缩/加密）。
type Frame struct {
	Header protocol.Header
	Body   []byte
}

// Framer 抽象了帧的打包/解包能力。
//
// 约定：
//   - 一帧数据的格式为：4 字节大端无符号整型 N + N 字节帧体；
//   - 帧体为 protocol.HeaderSize 字节的固定头部，其后是消息体。
type Framer interface {
	// WriteFrame 将 Frame 打包为一帧并写入到 w 中。
	WriteFrame(w io.Writer, f *Frame) error

	// ReadFrame 从 r 中读取一帧数据。流在帧边界处结束时返回 io.EOF。
	ReadFrame(r io.Reader) (*Frame, error)

	// MaxFrameSize 返回允许的最大帧体长度。
	MaxFrameSize() uint32
}

// LengthPrefixedFramer 使用长度前缀（4 字节大端）作为帧边界。
// 适用于基于流的连接（如 TCP、WebSocket 二进制流等）。
type LengthPrefixedFramer struct {
	maxFrameSize uint32
}

const (
	// LengthSize 为长度前缀的字节数。
	LengthSize = 4

	DefaultMaxFrameSize uint32 = 16 * 1024 * 1024 // 16MB
)

var _ Framer = (*LengthPrefixedFramer)(nil)

// NewLengthPrefixedFramer 创建一个长度前缀帧编码器。
// maxFrameSize 为 0 时使用默认值。
func NewLengthPrefixedFramer(maxFrameSize uint32) *LengthPrefixedFramer {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &LengthPrefixedFramer{
		maxFrameSize: maxFrameSize,
	}
}

func (f *LengthPrefixedFramer) MaxFrameSize() uint32 {
	return f.maxFrameSize
}

// AppendFrame 将 Frame 编码后追加到 dst，便于调用方一次写出整帧。
func (f *LengthPrefixedFramer) AppendFrame(dst []byte, frame *Frame) ([]byte, error) {
	if frame == nil {
		return dst, errors.New("framer: frame is nil")
	}
	length := uint64(protocol.HeaderSize) + uint64(len(frame.Body))
	if length > uint64(f.maxFrameSize) {
		return dst, merr.WrapErrFrameTooLarge(length, f.maxFrameSize, "framer: write")
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(length))
	dst = frame.Header.AppendBinary(dst)
	return append(dst, frame.Body...), nil
}

// WriteFrame 将 Frame 编码为长度前缀帧，并通过一次 Write 写出。
func (f *LengthPrefixedFramer) WriteFrame(w io.Writer, frame *Frame) error {
	var size int
	if frame != nil {
		size = LengthSize + protocol.HeaderSize + len(frame.Body)
	}
	buf, err := f.AppendFrame(make([]byte, 0, size), frame)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return errors.Wrap(err, "framer: write frame")
	}
	return nil
}

// ReadFrame 从流中阻塞读取一帧。
func (f *LengthPrefixedFramer) ReadFrame(r io.Reader) (*Frame, error) {
	var prefix [LengthSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, merr.WrapErrProtocolMalformed("truncated length prefix")
		}
		return nil, err
	}

	length, err := f.checkLength(binary.BigEndian.Uint32(prefix[:]))
	if err != nil {
		return nil, err
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.IsAny(err, io.EOF, io.ErrUnexpectedEOF) {
			return nil, merr.WrapErrProtocolMalformed("truncated frame body")
		}
		return nil, errors.Wrap(err, "framer: read body")
	}
	return parseBody(body)
}

// checkLength 在分配内存之前校验长度前缀。
func (f *LengthPrefixedFramer) checkLength(length uint32) (uint32, error) {
	if length > f.maxFrameSize {
		return 0, merr.WrapErrFrameTooLarge(uint64(length), f.maxFrameSize, "framer: read")
	}
	if length < protocol.HeaderSize {
		return 0, merr.WrapErrProtocolMalformed("frame shorter than header")
	}
	return length, nil
}

// parseBody 解析帧体，返回的 Frame.Body 与 body 共享底层数组。
func parseBody(body []byte) (*Frame, error) {
	header, err := protocol.ParseHeader(body)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Header: header,
		Body:   body[protocol.HeaderSize:],
	}, nil
}
