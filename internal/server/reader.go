package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/devicehive/binary-gateway/internal/codec"
	"github.com/devicehive/binary-gateway/internal/hub"
	"github.com/devicehive/binary-gateway/internal/metrics"
	"github.com/devicehive/binary-gateway/internal/protocol"
	"github.com/devicehive/binary-gateway/internal/transport"
	"github.com/google/uuid"
)

const readBufSize = 4096

// startDevice launches the goroutine driving one device connection: an
// async TX funnel for writes, a protocol engine for dispatch, and the read
// loop feeding it.
func (s *Server) startDevice(ctx context.Context, conn net.Conn, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = conn.Close()
			s.dropConn(conn)
			logger.Info("device_disconnected")
		}()

		tx := transport.NewAsyncTx(ctx, s.txQueue, func(pkt []byte) error {
			_, err := conn.Write(pkt)
			return err
		}, transport.Hooks{
			OnError: func(err error) {
				metrics.IncError(metrics.ErrTCPWrite)
				logger.Error("device_write_error", "error", err)
			},
			OnAfter: metrics.IncTCPTx,
		})
		defer tx.Close()

		var eng *protocol.Engine
		eng = protocol.New(tx,
			protocol.WithLogger(logger),
			protocol.WithBufferLimit(s.bufferLimit),
			protocol.OnRegistered(func(reg *codec.DeviceRegistration) {
				if s.Hub != nil {
					s.Hub.Broadcast(hub.Event{
						Kind:     hub.EventRegistered,
						DeviceID: reg.DeviceID,
						Name:     reg.DeviceName,
					})
				}
			}),
			protocol.OnCommand(func(name string, params map[string]any, intent uint16) {
				metrics.IncTCPRx()
				if s.Hub != nil {
					s.Hub.Broadcast(hub.Event{
						Kind:     hub.EventCommand,
						DeviceID: deviceID(eng),
						Name:     name,
						Intent:   intent,
						Params:   params,
					})
				}
			}),
			protocol.OnRaw(func(intent uint16, payload []byte) {
				metrics.IncTCPRx()
				if s.Hub != nil {
					s.Hub.Broadcast(hub.Event{
						Kind:     hub.EventRaw,
						DeviceID: deviceID(eng),
						Intent:   intent,
						Payload:  payload,
					})
				}
			}),
		)
		defer eng.Close(nil)

		if err := eng.Start(); err != nil {
			logger.Error("registration_probe_error", "error", err)
			return
		}

		// Devices that never answer the registration probe are cut loose.
		watchdog := time.AfterFunc(s.regTimeout, func() {
			select {
			case <-eng.Registered():
			default:
				s.totalRegTimeouts.Add(1)
				logger.Warn("registration_timeout", "timeout", s.regTimeout)
				_ = conn.Close()
			}
		})
		defer watchdog.Stop()

		buf := make([]byte, readBufSize)
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			n, err := conn.Read(buf)
			if n > 0 {
				if ferr := eng.Feed(buf[:n]); ferr != nil {
					if errors.Is(ferr, codec.ErrUnsupportedSchema) {
						s.totalRegFailures.Add(1)
						metrics.IncError(metrics.ErrRegistration)
					}
					logger.Warn("device_conn_terminated", "error", ferr)
					return
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}()
}

// deviceID is nil-safe: it returns the zero UUID while the engine holds no
// registration record.
func deviceID(eng *protocol.Engine) (id uuid.UUID) {
	if d := eng.Device(); d != nil {
		return d.DeviceID
	}
	return
}
