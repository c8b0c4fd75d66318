// Package utils contains small concurrency helpers shared by the odometry packages.
package utils

import (
	"context"
	"sync"

	goutils "go.viam.com/utils"
)

// StoppableWorkers is a group of goroutines sharing one cancelable context.
type StoppableWorkers interface {
	AddWorkers(...func(context.Context))
	Stop()
	Context() context.Context
}

// The sync.WaitGroup must not be copied, which is why callers only ever see the interface.
type stoppableWorkersImpl struct {
	mu         sync.Mutex
	cancelCtx  context.Context
	cancelFunc func()
	workers    sync.WaitGroup
}

// NewStoppableWorkers starts each function in its own goroutine with a context derived from
// parent. Panics in workers are captured and logged instead of crashing the process.
func NewStoppableWorkers(parent context.Context, funcs ...func(context.Context)) StoppableWorkers {
	cancelCtx, cancelFunc := context.WithCancel(parent)
	sw := &stoppableWorkersImpl{cancelCtx: cancelCtx, cancelFunc: cancelFunc}
	sw.AddWorkers(funcs...)
	return sw
}

// AddWorkers starts more goroutines. It is a no-op once Stop has been called.
func (sw *stoppableWorkersImpl) AddWorkers(funcs ...func(context.Context)) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.cancelCtx.Err() != nil {
		return
	}

	sw.workers.Add(len(funcs))
	for _, f := range funcs {
		goutils.PanicCapturingGo(func() {
			defer sw.workers.Done()
			f(sw.cancelCtx)
		})
	}
}

// Stop cancels the shared context and waits for every worker to return.
func (sw *stoppableWorkersImpl) Stop() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.cancelFunc()
	sw.workers.Wait()
}

// Context returns the context the workers observe.
func (sw *stoppableWorkersImpl) Context() context.Context {
	return sw.cancelCtx
}
