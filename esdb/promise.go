// Copyright (C) EvStore, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package esdb

import (
	"context"
	"sync"
)

// promise is a single-assignment completion sink. It resolves exactly once;
// later completions and failures are ignored.
type promise[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

func newPromise[T any]() *promise[T] {
	return &promise[T]{done: make(chan struct{})}
}

func (p *promise[T]) complete(v T) {
	p.once.Do(func() {
		p.value = v
		close(p.done)
	})
}

func (p *promise[T]) fail(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// await blocks until the promise resolves or ctx is done.
func (p *promise[T]) await(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
