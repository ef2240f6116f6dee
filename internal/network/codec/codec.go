package codec

import (
	"io"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/darkrelay-go/internal/network/compressor"
	"github.com/lk2023060901/darkrelay-go/internal/network/crypto"
	"github.com/lk2023060901/darkrelay-go/internal/network/framer"
	"github.com/lk2023060901/darkrelay-go/internal/network/serializer"
	"github.com/lk2023060901/darkrelay-go/internal/protocol"
	"github.com/lk2023060901/darkrelay-go/pkg/util/merr"
)

// Codec 抽象了“从协议消息到网络帧，以及从网络帧回到协议消息”的完整编解码流程。
//
// Pipeline（写出 Encode）：
//
//	msg --> serializer --> [compress?] --> [encrypt?] --> Frame{Header+Body} --> framer
//
// Pipeline（读入 Decode）：
//
//	framer --> Frame{Header+Body} --> [decrypt?] --> [decompress?] --> serializer --> msg
//
// 未开启加密时，对 Encode 产生的任意帧满足 encode(decode(bytes)) == bytes。
type Codec interface {
	// Encode 将消息编码为一帧并写入 w。header.Op 与 header.Flags 由 Codec 填写，调用方只需设置 Seq。
	Encode(w io.Writer, header *protocol.Header, msg protocol.Message) error

	// AppendFrame 与 Encode 相同，但把整帧字节追加到 dst 后返回。
	AppendFrame(dst []byte, header *protocol.Header, msg protocol.Message) ([]byte, error)

	// Decode 从 r 阻塞读取一帧并解码。流在帧边界结束时返回 io.EOF。
	Decode(r io.Reader) (protocol.Header, protocol.Message, error)

	// DecodeFrame 解码一个已经由 framer.StreamDecoder 切分好的帧。
	DecodeFrame(f *framer.Frame) (protocol.Message, error)

	// NewStreamDecoder 创建一个与本 Codec 帧长上限一致的流式解码器。
	NewStreamDecoder() *framer.StreamDecoder
}

// Options 用于构造 Codec 的依赖注入参数。
type Options struct {
	Framer     *framer.LengthPrefixedFramer
	Serializer serializer.Serializer
	Compressor compressor.Compressor // 允许为 nil（内部会用 NopCompressor）
	Encryptor  crypto.Encryptor      // 允许为 nil（内部会用 NopEncryptor）

	EnableCompression bool // 是否启用压缩（影响压缩行为与 Header.Flags）
	EnableEncryption  bool // 是否启用加密（影响加密行为与 Header.Flags）
	// MinCompressSize 为触发压缩的最小消息体字节数，更短的消息体原样发送。
	MinCompressSize int
}

type codec struct {
	framer     *framer.LengthPrefixedFramer
	serializer serializer.Serializer
	compressor compressor.Compressor
	encryptor  crypto.Encryptor

	compress        bool
	encrypt         bool
	minCompressSize int
}

var _ Codec = (*codec)(nil)

// New 创建一个基于给定依赖的 Codec。
func New(opts Options) (Codec, error) {
	if opts.Framer == nil {
		return nil, errors.New("codec: framer is nil")
	}
	if opts.Serializer == nil {
		return nil, errors.New("codec: serializer is nil")
	}
	if opts.EnableCompression && opts.Compressor == nil {
		return nil, errors.New("codec: compression enabled without compressor")
	}
	if opts.EnableEncryption && opts.Encryptor == nil {
		return nil, errors.New("codec: encryption enabled without encryptor")
	}

	c := &codec{
		framer:          opts.Framer,
		serializer:      opts.Serializer,
		compressor:      compressor.NopCompressor{},
		encryptor:       crypto.NopEncryptor{},
		compress:        opts.EnableCompression,
		encrypt:         opts.EnableEncryption,
		minCompressSize: opts.MinCompressSize,
	}
	if opts.Compressor != nil {
		c.compressor = opts.Compressor
	}
	if opts.Encryptor != nil {
		c.encryptor = opts.Encryptor
	}
	return c, nil
}

// NewDefault 创建只做 JSON 序列化、不压缩不加密的 Codec。
func NewDefault(maxFrameSize uint32) Codec {
	c, _ := New(Options{
		Framer:     framer.NewLengthPrefixedFramer(maxFrameSize),
		Serializer: serializer.JSONSerializer{},
	})
	return c
}

func (c *codec) encodeFrame(header *protocol.Header, msg protocol.Message) (*framer.Frame, error) {
	if header == nil {
		return nil, errors.New("codec: header is nil")
	}
	if msg == nil {
		return nil, errors.New("codec: msg is nil")
	}

	// 第一步：消息序列化。
	body, err := c.serializer.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "codec: marshal")
	}

	header.Op = msg.Op()
	header.Flags = 0

	// 第二步：可选压缩。
	if c.compress && len(body) >= c.minCompressSize {
		packed, err := c.compressor.Compress(nil, body)
		if err != nil {
			return nil, errors.Wrap(err, "codec: compress")
		}
		body = packed
		header.Flags |= protocol.FlagCompressed
	}

	// 第三步：可选加密。加密标记先写入头部，保证 AAD 与接收端看到的头部一致。
	if c.encrypt {
		header.Flags |= protocol.FlagEncrypted
		packet, err := c.encryptor.Encrypt(body, buildAAD(header))
		if err != nil {
			return nil, errors.Wrap(err, "codec: encrypt")
		}
		body = packet
	}

	return &framer.Frame{Header: *header, Body: body}, nil
}

// Encode 实现 Codec.Encode。
func (c *codec) Encode(w io.Writer, header *protocol.Header, msg protocol.Message) error {
	if w == nil {
		return errors.New("codec: writer is nil")
	}
	frame, err := c.encodeFrame(header, msg)
	if err != nil {
		return err
	}
	return c.framer.WriteFrame(w, frame)
}

// AppendFrame 实现 Codec.AppendFrame。
func (c *codec) AppendFrame(dst []byte, header *protocol.Header, msg protocol.Message) ([]byte, error) {
	frame, err := c.encodeFrame(header, msg)
	if err != nil {
		return dst, err
	}
	return c.framer.AppendFrame(dst, frame)
}

// Decode 实现 Codec.Decode。
func (c *codec) Decode(r io.Reader) (protocol.Header, protocol.Message, error) {
	if r == nil {
		return protocol.Header{}, nil, errors.New("codec: reader is nil")
	}
	frame, err := c.framer.ReadFrame(r)
	if err != nil {
		return protocol.Header{}, nil, err
	}
	msg, err := c.DecodeFrame(frame)
	if err != nil {
		return protocol.Header{}, nil, err
	}
	return frame.Header, msg, nil
}

// DecodeFrame 实现 Codec.DecodeFrame。任何一步失败都视为协议错误。
func (c *codec) DecodeFrame(frame *framer.Frame) (protocol.Message, error) {
	header := frame.Header
	data := frame.Body

	// 第一阶段：解密。
	if header.Flags&protocol.FlagEncrypted != 0 {
		if !c.encrypt {
			return nil, merr.WrapErrProtocolMalformed("encrypted frame but encryption disabled")
		}
		plain, err := c.encryptor.Decrypt(data, buildAAD(&header))
		if err != nil {
			return nil, merr.WrapErrProtocolMalformed(err.Error(), "codec: decrypt")
		}
		data = plain
	} else if c.encrypt {
		return nil, merr.WrapErrProtocolMalformed("plaintext frame but encryption required")
	}

	// 第二阶段：解压。
	if header.Flags&protocol.FlagCompressed != 0 {
		if !c.compress {
			return nil, merr.WrapErrProtocolMalformed("compressed frame but compression disabled")
		}
		plain, err := c.compressor.Decompress(nil, data)
		if err != nil {
			return nil, merr.WrapErrProtocolMalformed(err.Error(), "codec: decompress")
		}
		data = plain
	}

	// 第三阶段：反序列化到具体消息。
	msg := protocol.New(header.Op)
	if msg == nil {
		return nil, merr.WrapErrUnknownOp(uint16(header.Op))
	}
	if err := c.serializer.Unmarshal(data, msg); err != nil {
		return nil, merr.WrapErrProtocolMalformed(err.Error(), "codec: unmarshal "+header.Op.String())
	}
	return msg, nil
}

// NewStreamDecoder 实现 Codec.NewStreamDecoder。
func (c *codec) NewStreamDecoder() *framer.StreamDecoder {
	return framer.NewStreamDecoder(c.framer)
}

// buildAAD 将帧头编码为 AAD，覆盖 op、flags 与 seq。
func buildAAD(h *protocol.Header) []byte {
	return h.AppendBinary(make([]byte, 0, protocol.HeaderSize))
}
