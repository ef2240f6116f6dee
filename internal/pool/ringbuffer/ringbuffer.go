// Package ringbuffer 为会话发送缓冲区提供对象池。
//
// 连接频繁建立和断开时，每个会话都新建一个发送缓冲区会产生大量短命的大对象。
// Pool 按归还时的容量统计使用分布，定期校准新建缓冲区的默认容量与可回收的最大容量，
// 容量异常膨胀（例如曾经发送过一次超大历史快照）的缓冲区不会被放回池中。
package ringbuffer

import (
	"cmp"
	"math/bits"
	"slices"
	"sync"

	"go.uber.org/atomic"

	"github.com/lk2023060901/darkrelay-go/pkg/buffer/ring"
)

const (
	minBitSize = 6
	steps      = 20
	minSize    = 1 << minBitSize

	calibrateCallsThreshold = 42000
	maxPercentile           = 0.95
)

// Pool 是 ring.Buffer 的对象池，零值可直接使用。
type Pool struct {
	calls       [steps]atomic.Uint64
	calibrating atomic.Bool

	defaultSize atomic.Uint64
	maxSize     atomic.Uint64

	pool sync.Pool
}

var sessionPool Pool

// Get 从全局池取出一个空缓冲区。
func Get() *ring.Buffer { return sessionPool.Get() }

// Put 把缓冲区归还全局池，归还后调用方不得再访问 b。
func Put(b *ring.Buffer) { sessionPool.Put(b) }

// Get 取出一个空缓冲区；池为空时按校准后的默认容量新建。
func (p *Pool) Get() *ring.Buffer {
	if v := p.pool.Get(); v != nil {
		return v.(*ring.Buffer)
	}
	size := int(p.defaultSize.Load())
	if size == 0 {
		size = ring.DefaultBufferSize
	}
	return ring.New(size)
}

// Put 归还缓冲区。nil 会被忽略。
func (p *Pool) Put(b *ring.Buffer) {
	if b == nil {
		return
	}
	if p.calls[index(b.Cap())].Add(1) > calibrateCallsThreshold {
		p.calibrate()
	}
	maxSize := int(p.maxSize.Load())
	if maxSize == 0 || b.Cap() <= maxSize {
		b.Reset()
		p.pool.Put(b)
	}
}

type callSize struct {
	calls uint64
	size  uint64
}

func (p *Pool) calibrate() {
	if !p.calibrating.CompareAndSwap(false, true) {
		return
	}
	defer p.calibrating.Store(false)

	sizes := make([]callSize, 0, steps)
	var total uint64
	for i := range steps {
		calls := p.calls[i].Swap(0)
		total += calls
		sizes = append(sizes, callSize{calls: calls, size: minSize << i})
	}
	slices.SortFunc(sizes, func(a, b callSize) int { return cmp.Compare(b.calls, a.calls) })

	defaultSize := sizes[0].size
	maxSize := defaultSize
	limit := uint64(float64(total) * maxPercentile)
	var sum uint64
	for _, cs := range sizes {
		if sum > limit {
			break
		}
		sum += cs.calls
		maxSize = max(maxSize, cs.size)
	}

	p.defaultSize.Store(defaultSize)
	p.maxSize.Store(maxSize)
}

// index 返回容量 n 所属的统计档位，档位 i 覆盖 (minSize<<(i-1), minSize<<i]。
func index(n int) int {
	n--
	n >>= minBitSize
	idx := 0
	if n > 0 {
		idx = bits.Len(uint(n))
	}
	return min(idx, steps-1)
}
