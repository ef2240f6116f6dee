package framer

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/darkrelay-go/internal/protocol"
	"github.com/lk2023060901/darkrelay-go/pkg/util/merr"
)

type FramerSuite struct {
	suite.Suite
	framer *LengthPrefixedFramer
}

func (s *FramerSuite) SetupTest() {
	s.framer = NewLengthPrefixedFramer(1024)
}

func (s *FramerSuite) encode(frames ...*Frame) []byte {
	var buf []byte
	for _, f := range frames {
		var err error
		buf, err = s.framer.AppendFrame(buf, f)
		s.Require().NoError(err)
	}
	return buf
}

func (s *FramerSuite) TestWriteRead() {
	in := &Frame{
		Header: protocol.Header{Op: protocol.OpSendMessage, Seq: 9},
		Body:   []byte(`{"payload":"aGk="}`),
	}
	var buf bytes.Buffer
	s.Require().NoError(s.framer.WriteFrame(&buf, in))
	s.Equal(LengthSize+protocol.HeaderSize+len(in.Body), buf.Len())
	s.Equal(uint32(protocol.HeaderSize+len(in.Body)), binary.BigEndian.Uint32(buf.Bytes()[:4]))

	out, err := s.framer.ReadFrame(&buf)
	s.Require().NoError(err)
	s.Equal(in, out)

	_, err = s.framer.ReadFrame(&buf)
	s.ErrorIs(err, io.EOF)
}

func (s *FramerSuite) TestDefaultMax() {
	s.Equal(DefaultMaxFrameSize, NewLengthPrefixedFramer(0).MaxFrameSize())
}

func (s *FramerSuite) TestWriteTooLarge() {
	err := s.framer.WriteFrame(io.Discard, &Frame{
		Header: protocol.Header{Op: protocol.OpSendMessage},
		Body:   make([]byte, 2048),
	})
	s.ErrorIs(err, merr.ErrFrameTooLarge)
	s.Error(s.framer.WriteFrame(io.Discard, nil))
}

func (s *FramerSuite) TestReadOversizedFailsClosed() {
	prefix := binary.BigEndian.AppendUint32(nil, 0xFFFFFFFF)
	_, err := s.framer.ReadFrame(bytes.NewReader(prefix))
	s.ErrorIs(err, merr.ErrFrameTooLarge)
	s.True(merr.IsProtocolErr(err))
}

func (s *FramerSuite) TestReadTruncated() {
	full := s.encode(&Frame{Header: protocol.Header{Op: protocol.OpQuit}, Body: []byte("{}")})

	_, err := s.framer.ReadFrame(bytes.NewReader(full[:2]))
	s.ErrorIs(err, merr.ErrProtocolMalformed)

	_, err = s.framer.ReadFrame(bytes.NewReader(full[:len(full)-1]))
	s.ErrorIs(err, merr.ErrProtocolMalformed)

	short := binary.BigEndian.AppendUint32(nil, 3)
	short = append(short, 1, 2, 3)
	_, err = s.framer.ReadFrame(bytes.NewReader(short))
	s.ErrorIs(err, merr.ErrProtocolMalformed)
}

func (s *FramerSuite) TestReadUnknownOp() {
	raw := binary.BigEndian.AppendUint32(nil, protocol.HeaderSize)
	raw = protocol.Header{Op: protocol.Op(4242)}.AppendBinary(raw)
	_, err := s.framer.ReadFrame(bytes.NewReader(raw))
	s.ErrorIs(err, merr.ErrUnknownOp)
}

// 任意切分位置都应只还原出一次原始帧。
func (s *FramerSuite) TestStreamEverySplit() {
	frames := []*Frame{
		{Header: protocol.Header{Op: protocol.OpLogin, Seq: 1}, Body: []byte(`{"username":"alice"}`)},
		{Header: protocol.Header{Op: protocol.OpListChannels, Seq: 2}, Body: []byte(`{}`)},
	}
	raw := s.encode(frames...)

	for split := 0; split <= len(raw); split++ {
		d := NewStreamDecoder(s.framer)
		var got []*Frame
		for _, chunk := range [][]byte{raw[:split], raw[split:]} {
			_, _ = d.Write(chunk)
			for {
				f, err := d.Next()
				s.Require().NoError(err)
				if f == nil {
					break
				}
				got = append(got, f)
			}
		}
		s.Equal(frames, got, "split at %d", split)
		s.False(d.Partial())
	}
}

func (s *FramerSuite) TestStreamByteByByte() {
	in := &Frame{Header: protocol.Header{Op: protocol.OpSendMessage, Seq: 3}, Body: bytes.Repeat([]byte("x"), 700)}
	raw := s.encode(in)

	d := NewStreamDecoder(s.framer)
	var got []*Frame
	for i := range raw {
		_, _ = d.Write(raw[i : i+1])
		f, err := d.Next()
		s.Require().NoError(err)
		if f != nil {
			got = append(got, f)
		}
		if i < len(raw)-1 {
			s.True(d.Partial())
		}
	}
	s.Equal([]*Frame{in}, got)
}

func (s *FramerSuite) TestStreamReadFrom() {
	in := &Frame{Header: protocol.Header{Op: protocol.OpQuit}, Body: []byte(`{}`)}
	r := bytes.NewReader(s.encode(in, in))

	d := NewStreamDecoder(s.framer)
	count := 0
	for {
		_, err := d.ReadFrom(r)
		for {
			f, ferr := d.Next()
			s.Require().NoError(ferr)
			if f == nil {
				break
			}
			count++
		}
		if err == io.EOF {
			break
		}
		s.Require().NoError(err)
	}
	s.Equal(2, count)
}

func (s *FramerSuite) TestStreamPrefixAcrossRingBoundary() {
	// 第一帧加上第二帧的首字节占满环形缓冲区的前 1023 字节，
	// 第二帧的长度前缀因此跨越缓冲区末尾。
	first := &Frame{
		Header: protocol.Header{Op: protocol.OpSendMessage, Seq: 1},
		Body:   bytes.Repeat([]byte("x"), 1022-LengthSize-protocol.HeaderSize),
	}
	second := &Frame{Header: protocol.Header{Op: protocol.OpLogin, Seq: 2}, Body: []byte(`{"username":"bob"}`)}
	raw := s.encode(first, second)
	s.Require().Equal(1022, len(s.encode(first)))

	d := NewStreamDecoder(s.framer)
	_, _ = d.Write(raw[:1023])
	f, err := d.Next()
	s.Require().NoError(err)
	s.Equal(first, f)
	f, err = d.Next()
	s.Require().NoError(err)
	s.Nil(f)

	_, _ = d.Write(raw[1023:])
	f, err = d.Next()
	s.Require().NoError(err)
	s.Equal(second, f)
	s.False(d.Partial())
}

func (s *FramerSuite) TestStreamOversizedSticky() {
	d := NewStreamDecoder(s.framer)
	_, _ = d.Write(binary.BigEndian.AppendUint32(nil, 1<<30))
	_, err := d.Next()
	s.ErrorIs(err, merr.ErrFrameTooLarge)
	// 失败后状态保持，不再尝试解析后续数据。
	_, _ = d.Write(s.encode(&Frame{Header: protocol.Header{Op: protocol.OpQuit}}))
	_, err = d.Next()
	s.ErrorIs(err, merr.ErrFrameTooLarge)
}

func TestFramer(t *testing.T) {
	suite.Run(t, new(FramerSuite))
}
