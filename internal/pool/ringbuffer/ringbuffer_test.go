package ringbuffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/darkrelay-go/pkg/buffer/ring"
)

func TestGetReturnsEmptyBuffer(t *testing.T) {
	var p Pool
	b := p.Get()
	require.NotNil(t, b)
	assert.True(t, b.IsEmpty())
	assert.Equal(t, ring.DefaultBufferSize, b.Cap())

	_, err := b.Write([]byte("hello"))
	require.NoError(t, err)
	p.Put(b)

	// sync.Pool 不保证复用，但取出的缓冲区必须是空的。
	again := p.Get()
	assert.True(t, again.IsEmpty())
}

func TestPutIgnoresNil(t *testing.T) {
	var p Pool
	assert.NotPanics(t, func() { p.Put(nil) })
}

func TestIndex(t *testing.T) {
	assert.Equal(t, 0, index(0))
	assert.Equal(t, 0, index(minSize))
	assert.Equal(t, 1, index(minSize+1))
	assert.Equal(t, 1, index(2*minSize))
	assert.Equal(t, steps-1, index(1<<40))
}

func TestCalibrate(t *testing.T) {
	var p Pool
	// 绝大多数归还的缓冲区为 4 KiB，少量膨胀到 1 MiB。
	for range 100 {
		p.calls[index(4096)].Add(1)
	}
	p.calls[index(1<<20)].Add(1)
	p.calibrate()

	assert.EqualValues(t, 4096, p.defaultSize.Load())
	assert.EqualValues(t, 4096, p.maxSize.Load())
	assert.False(t, p.calibrating.Load())

	big := ring.New(1 << 20)
	p.Put(big)
	// 超过 maxSize 的缓冲区不回收，新取出的缓冲区按默认容量分配。
	got := p.Get()
	assert.NotSame(t, big, got)
	assert.Equal(t, 4096, got.Cap())
}
