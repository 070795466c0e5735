package serial

import (
	"context"
	"errors"

	"github.com/devicehive/binary-gateway/internal/logging"
	"github.com/devicehive/binary-gateway/internal/metrics"
	"github.com/devicehive/binary-gateway/internal/transport"
)

var ErrTxOverflow = errors.New("serial tx overflow")

// TXWriter funnels all serial writes through one goroutine. It satisfies
// io.WriteCloser so the protocol engine can transmit straight through it.
type TXWriter struct{ base *transport.AsyncTx }

// NewTXWriter creates a serial TXWriter with a buffered channel of size buf.
func NewTXWriter(parent context.Context, sp Port, buf int) *TXWriter {
	send := func(pkt []byte) error {
		_, err := sp.Write(pkt)
		return err
	}
	hooks := transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSerialWrite)
			logging.L().Error("serial_write_error", "error", err)
		},
		OnAfter: func() { metrics.IncSerialTx() },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSerialOverflow)
			return ErrTxOverflow
		},
	}
	return &TXWriter{base: transport.NewAsyncTx(parent, buf, send, hooks)}
}

// Write queues an encoded frame for asynchronous transmission (drops with
// ErrTxOverflow if the buffer is full).
func (w *TXWriter) Write(pkt []byte) (int, error) { return w.base.Write(pkt) }

// Close stops the writer and waits for pending goroutine exit.
func (w *TXWriter) Close() error { return w.base.Close() }
