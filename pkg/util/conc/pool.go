// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package conc

import (
	"runtime"

	"github.com/cockroachdb/errors"
	ants "github.com/panjf2000/ants/v2"

	"github.com/lk2023060901/darkrelay-go/pkg/util/merr"
)

// Pool 是对 ants.Pool 的泛型封装，提交的任务以 Future 形式返回结果。
type Pool[T any] struct {
	inner *ants.Pool
	opt   *poolOption
}

// NewPool 创建协程池，容量通过 WithCapacity 指定。
func NewPool[T any](opts ...PoolOption) *Pool[T] {
	opt := defaultPoolOption()
	for _, o := range opts {
		o(opt)
	}
	capacity := opt.capacity
	if capacity <= 0 {
		capacity = runtime.GOMAXPROCS(0)
	}

	pool, err := ants.NewPool(capacity, opt.antsOptions()...)
	if err != nil {
		panic(err)
	}

	return &Pool[T]{
		inner: pool,
		opt:   opt,
	}
}

// Submit 提交任务。非阻塞模式下池满时，返回的 Future 携带 ErrServiceBusy。
func (pool *Pool[T]) Submit(method func() (T, error)) *Future[T] {
	future, err := pool.TrySubmit(method)
	if err != nil {
		future = newFuture[T]()
		future.err = err
		close(future.ch)
	}
	return future
}

// TrySubmit 与 Submit 相同，但把提交失败作为第二个返回值直接交给调用方。
func (pool *Pool[T]) TrySubmit(method func() (T, error)) (*Future[T], error) {
	future := newFuture[T]()
	err := pool.inner.Submit(func() {
		defer close(future.ch)
		if pool.opt.preHandler != nil {
			pool.opt.preHandler()
		}
		future.value, future.err = method()
	})
	if err != nil {
		if errors.Is(err, ants.ErrPoolOverload) {
			return nil, merr.WrapErrServiceBusy(pool.Cap(), "conc pool")
		}
		if errors.Is(err, ants.ErrPoolClosed) {
			return nil, merr.WrapErrServiceUnavailable("conc pool closed")
		}
		return nil, err
	}
	return future, nil
}

// Cap 返回协程池容量。
func (pool *Pool[T]) Cap() int {
	return pool.inner.Cap()
}

// Running 返回正在执行的任务数。
func (pool *Pool[T]) Running() int {
	return pool.inner.Running()
}

// Free 返回空闲容量。
func (pool *Pool[T]) Free() int {
	return pool.inner.Free()
}

// Resize 调整协程池容量。
func (pool *Pool[T]) Resize(size int) error {
	if size <= 0 {
		return merr.WrapErrParameterInvalidRange(1, 1<<30, size, "pool size should be positive")
	}
	pool.inner.Tune(size)
	return nil
}

// Release 释放协程池，已经提交的任务会继续执行完毕。
func (pool *Pool[T]) Release() {
	pool.inner.Release()
}
