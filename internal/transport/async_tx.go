package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// AsyncTx is a reusable asynchronous packet transmitter that funnels writes
// through a single goroutine (fan-in). It provides non-blocking enqueue
// semantics: if the internal buffer is full, Write invokes the configured
// OnDrop hook and returns its error (usually an overflow sentinel). This
// keeps producers from blocking behind a slow or wedged device link.
//
// Life-cycle:
//
//	a := NewAsyncTx(ctx, buf, sendFn, hooks)
//	a.Write(pkt)
//	a.Close()
//
// After Close returns no more packets will be processed. Callers should not
// send after Close. Hooks let each backend keep distinct metrics / logging
// without duplicating the goroutine + buffer plumbing.
type AsyncTx struct {
	mu     sync.Mutex
	ch     chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	send   func([]byte) error
	hooks  Hooks
	closed atomic.Bool // set when Close is called; prevents enqueue after shutdown
}

// Hooks customize AsyncTx behavior.
type Hooks struct {
	// OnError is called when send returns a non-nil error (packet not sent).
	OnError func(error)
	// OnAfter is called only after a successful send.
	OnAfter func()
	// OnDrop is called when the buffer is full; its returned error is returned
	// from Write. If nil, the overflow is silent (best-effort fire-and-forget).
	OnDrop func() error
}

// NewAsyncTx constructs an AsyncTx with a buffered channel of size buf.
func NewAsyncTx(parent context.Context, buf int, send func([]byte) error, hooks Hooks) *AsyncTx {
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx{
		ch:     make(chan []byte, buf),
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
		case pkt, ok := <-a.ch:
			if !ok { // channel closed
				return
			}
			if err := a.send(pkt); err != nil {
				if a.hooks.OnError != nil {
					a.hooks.OnError(err)
				}
				continue
			}
			if a.hooks.OnAfter != nil {
				a.hooks.OnAfter()
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// ErrClosed is returned from Write after Close.
var ErrClosed = errors.New("async tx closed")

// Write queues a packet for asynchronous transmission or returns the drop
// error if the buffer is full. It never blocks. The slice is retained until
// sent; callers must not reuse it.
func (a *AsyncTx) Write(pkt []byte) (int, error) {
	// Fast-path check so steady-state sends avoid taking the lock when already shut down.
	if a.closed.Load() {
		return 0, ErrClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return 0, ErrClosed
	}
	select {
	case a.ch <- pkt:
		return len(pkt), nil
	default:
		if a.hooks.OnDrop != nil {
			return 0, a.hooks.OnDrop()
		}
		return len(pkt), nil
	}
}

// Close stops the worker and waits for it to exit. Packets still queued when
// Close is called are not guaranteed to be sent.
func (a *AsyncTx) Close() error {
	if a.closed.Swap(true) { // already closed
		return nil
	}
	// Cancel context to stop loop, then close channel under the send lock to avoid races.
	a.cancel()
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
	return nil
}
