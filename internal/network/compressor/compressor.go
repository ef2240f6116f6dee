package compressor

// Compressor 抽象了“单次压缩/解压”能力，用于帧内消息体。
type Compressor interface {
	// Compress 将 src 压缩后返回，dst 为可复用的缓冲区（可为 nil）。
	Compress(dst, src []byte) (packet []byte, err error)

	// Decompress 将 Compress 的输出还原，dst 语义同上。
	Decompress(dst, src []byte) (plain []byte, err error)
}

// NopCompressor 不做任何压缩/解压，直接返回输入内容，是未开启压缩时的默认值。
type NopCompressor struct{}

func (NopCompressor) Compress(_ []byte, src []byte) ([]byte, error) {
	return src, nil
}

func (NopCompressor) Decompress(_ []byte, src []byte) ([]byte, error) {
	return src, nil
}

var _ Compressor = NopCompressor{}
