package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/devicehive/binary-gateway/internal/codec"
	"github.com/devicehive/binary-gateway/internal/hub"
	"github.com/devicehive/binary-gateway/internal/metrics"
	"github.com/devicehive/binary-gateway/internal/protocol"
	"github.com/devicehive/binary-gateway/internal/serial"
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// openSerialPort is a hook for tests (overridden in unit tests).
var openSerialPort = serial.Open

// startSerialGateway opens the serial link, wires a protocol engine to it
// and launches the RX loop.
func startSerialGateway(ctx context.Context, cfg *appConfig, h *hub.Hub, l *slog.Logger, wg *sync.WaitGroup) (func(), error) {
	sp, err := openSerialPort(cfg.serialDev, cfg.baud, cfg.serialReadTO)
	if err != nil {
		return func() {}, fmt.Errorf("open serial: %w", err)
	}
	l.Info("serial_open", "device", cfg.serialDev, "baud", cfg.baud)
	w := serial.NewTXWriter(ctx, sp, txQueueSize)

	var eng *protocol.Engine
	eng = protocol.New(w,
		protocol.WithLogger(l),
		protocol.WithBufferLimit(cfg.bufferLimit),
		protocol.OnRegistered(func(reg *codec.DeviceRegistration) {
			metrics.IncSerialRx()
			h.Broadcast(hub.Event{Kind: hub.EventRegistered, DeviceID: reg.DeviceID, Name: reg.DeviceName})
		}),
		protocol.OnCommand(func(name string, params map[string]any, intent uint16) {
			metrics.IncSerialRx()
			ev := hub.Event{Kind: hub.EventCommand, Name: name, Intent: intent, Params: params}
			if d := eng.Device(); d != nil {
				ev.DeviceID = d.DeviceID
			}
			h.Broadcast(ev)
		}),
		protocol.OnRaw(func(intent uint16, payload []byte) {
			metrics.IncSerialRx()
			ev := hub.Event{Kind: hub.EventRaw, Intent: intent, Payload: payload}
			if d := eng.Device(); d != nil {
				ev.DeviceID = d.DeviceID
			}
			h.Broadcast(ev)
		}),
	)
	if err := eng.Start(); err != nil {
		_ = sp.Close()
		w.Close()
		return func() {}, fmt.Errorf("registration probe: %w", err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("serial_rx_end")
		defer eng.Close(nil)
		buf := make([]byte, serialReadBufSize)
		backoff := rxBackoffMin
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			n, err := sp.Read(buf)
			if n > 0 {
				if ferr := eng.Feed(buf[:n]); ferr != nil {
					l.Error("serial_link_terminated", "error", ferr)
					return
				}
				backoff = rxBackoffMin
			}
			if err != nil {
				if ctx.Err() != nil { // shutting down
					return
				}
				var perr *os.PathError
				if errors.As(err, &perr) {
					return // device removed or fatal
				}
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					continue // ignore transient EOF
				}
				metrics.IncError(metrics.ErrSerialRead)
				l.Warn("serial_read_error", "error", err, "backoff", backoff)
				sleepFn(backoff)
				backoff *= 2
				if backoff > rxBackoffMax {
					backoff = rxBackoffMax
				}
			}
		}
	}()
	return func() { _ = sp.Close(); _ = w.Close() }, nil
}
