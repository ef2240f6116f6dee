package protocol

import (
	"encoding/binary"

	"github.com/lk2023060901/darkrelay-go/pkg/util/merr"
)

// HeaderSize 为帧体内固定头部的字节数：op(2) | flags(1) | seq(8)。
const HeaderSize = 11

// Flag 标记帧体经过了哪些可选的编码层。
type Flag uint8

const (
	FlagCompressed Flag = 1 << 0
	FlagEncrypted  Flag = 1 << 1

	knownFlags = FlagCompressed | FlagEncrypted
)

// Header 为每帧帧体开头的固定头部，紧随其后的是消息体。
type Header struct {
	Op    Op
	Flags Flag
	// Seq 为发送方自增的序号，服务端按会话独立计数。
	Seq uint64
}

// AppendBinary 将头部按大端序追加到 dst 之后。
func (h Header) AppendBinary(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(h.Op))
	dst = append(dst, byte(h.Flags))
	return binary.BigEndian.AppendUint64(dst, h.Seq)
}

// ParseHeader 从帧体开头解析头部。未知 op 和未知 flag 位均视为协议错误。
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, merr.WrapErrProtocolMalformed("short header")
	}
	h := Header{
		Op:    Op(binary.BigEndian.Uint16(b[0:2])),
		Flags: Flag(b[2]),
		Seq:   binary.BigEndian.Uint64(b[3:11]),
	}
	if !h.Op.Known() {
		return Header{}, merr.WrapErrUnknownOp(uint16(h.Op))
	}
	if h.Flags&^knownFlags != 0 {
		return Header{}, merr.WrapErrProtocolMalformed("unknown flags")
	}
	return h, nil
}
