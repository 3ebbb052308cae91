package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-can-bridge/internal/can"
)

// ErrAsyncTxClosed is returned by SendFrame after Close.
var ErrAsyncTxClosed = errors.New("async tx closed")

// AsyncTx funnels frame writes for one output through a single goroutine.
// SendFrame never blocks: when the queue is full the OnDrop hook decides the
// returned error. Receive loops use it so that a slow device cannot stall
// the filtering path.
//
//	a := NewAsyncTx(ctx, buf, sendFn, hooks)
//	a.SendFrame(frame)
//	a.Close()
type AsyncTx struct {
	mu     sync.Mutex
	ch     chan can.Frame
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	send   func(can.Frame) error
	hooks  Hooks
	closed atomic.Bool
}

// Hooks customize AsyncTx behavior. All hooks are optional.
type Hooks struct {
	// OnError is called when send fails; the frame is not retried.
	OnError func(can.Frame, error)
	// OnAfter is called after each successful send.
	OnAfter func(can.Frame)
	// OnDrop is called when the queue is full; its error is returned from
	// SendFrame. A nil OnDrop makes overflow silent.
	OnDrop func(can.Frame) error
}

// NewAsyncTx starts a writer goroutine with a queue of buf frames.
func NewAsyncTx(parent context.Context, buf int, send func(can.Frame) error, hooks Hooks) *AsyncTx {
	if buf <= 0 {
		buf = 1
	}
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx{
		ch:     make(chan can.Frame, buf),
		ctx:    ctx,
		cancel: cancel,
		send:   send,
		hooks:  hooks,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *AsyncTx) loop() {
	defer a.wg.Done()
	for {
		select {
		case fr, ok := <-a.ch:
			if !ok {
				return
			}
			if err := a.send(fr); err != nil {
				if a.hooks.OnError != nil {
					a.hooks.OnError(fr, err)
				}
				continue
			}
			if a.hooks.OnAfter != nil {
				a.hooks.OnAfter(fr)
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// SendFrame queues fr for transmission.
func (a *AsyncTx) SendFrame(fr can.Frame) error {
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	select {
	case a.ch <- fr:
		return nil
	default:
		if a.hooks.OnDrop != nil {
			return a.hooks.OnDrop(fr)
		}
		return nil
	}
}

// Pending returns the number of queued frames.
func (a *AsyncTx) Pending() int { return len(a.ch) }

// Close stops the worker and waits for it to exit. Queued frames are
// discarded. Close is idempotent.
func (a *AsyncTx) Close() {
	if a.closed.Swap(true) {
		return
	}
	a.cancel()
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
}
