// Package protocol drives the registration handshake and frame dispatch for
// one device connection. The engine is single-threaded by contract: Feed,
// Start and Close are called from the connection's driver goroutine, and all
// callbacks fire on that goroutine in wire-arrival order. Only the Send*
// methods may be called from elsewhere, provided the underlying writer is
// safe for it.
package protocol

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/devicehive/binary-gateway/internal/codec"
	"github.com/devicehive/binary-gateway/internal/frame"
	"github.com/devicehive/binary-gateway/internal/logging"
	"github.com/devicehive/binary-gateway/internal/metrics"
)

// ErrConnectionClosed resolves a pending registration when the transport
// dies first.
var ErrConnectionClosed = errors.New("connection closed")

// State of the per-connection machine.
type State int

const (
	StateConnecting State = iota
	StateAwaitingRegistration
	StateOperational
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingRegistration:
		return "awaiting_registration"
	case StateOperational:
		return "operational"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Engine owns one connection's packet buffer, schema registry and protocol
// state.
type Engine struct {
	w      io.WriteCloser
	buf    *frame.PacketBuffer
	reg    *codec.Registry
	device *codec.DeviceRegistration
	state  State
	logger *slog.Logger

	onRegistered func(*codec.DeviceRegistration)
	onCommand    func(name string, params map[string]any, intent uint16)
	onRaw        func(intent uint16, payload []byte)

	regOnce sync.Once
	regDone chan struct{}
	regErr  error
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithBufferLimit(n int) Option {
	return func(e *Engine) { e.buf = frame.NewPacketBuffer(n) }
}

// OnRegistered is fired once per connection, after the Register frame
// decodes and the registry is populated.
func OnRegistered(fn func(*codec.DeviceRegistration)) Option {
	return func(e *Engine) { e.onRegistered = fn }
}

// OnCommand is fired for every frame whose intent resolves to a registered
// name. params is keyed by the parameter names declared at registration.
func OnCommand(fn func(name string, params map[string]any, intent uint16)) Option {
	return func(e *Engine) { e.onCommand = fn }
}

// OnRaw is fired for frames whose intent has no registered schema; the
// payload is delivered undecoded. Never fatal.
func OnRaw(fn func(intent uint16, payload []byte)) Option {
	return func(e *Engine) { e.onRaw = fn }
}

// New creates an engine writing frames to w. The caller drives it with
// Start, Feed and Close.
func New(w io.WriteCloser, opts ...Option) *Engine {
	e := &Engine{
		w:       w,
		buf:     frame.NewPacketBuffer(0),
		reg:     codec.NewRegistry(),
		state:   StateConnecting,
		logger:  logging.L(),
		regDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Start transmits the registration probe and arms the state machine. Called
// once, right after the transport connects.
func (e *Engine) Start() error {
	if err := e.send(IntentRequestRegistration, nil); err != nil {
		return err
	}
	e.state = StateAwaitingRegistration
	e.logger.Debug("registration_requested")
	return nil
}

// Feed appends transport bytes and dispatches every complete frame, in
// wire-arrival order. A non-nil return is fatal to the connection; the
// caller must close the transport. Malformed frames are consumed and
// logged, never fatal.
func (e *Engine) Feed(b []byte) error {
	if e.state == StateClosed {
		return ErrConnectionClosed
	}
	if err := e.buf.Append(b); err != nil {
		e.fail(err)
		return err
	}
	for {
		f, err := e.buf.PopFrame()
		if err != nil {
			e.logger.Warn("frame_dropped", "error", err)
			continue
		}
		if f == nil {
			return nil
		}
		if err := e.dispatch(f); err != nil {
			e.fail(err)
			return err
		}
	}
}

func (e *Engine) dispatch(f *frame.Frame) error {
	switch e.state {
	case StateAwaitingRegistration:
		if f.Intent != IntentRegister {
			e.logger.Debug("frame_discarded_unregistered", "intent", f.Intent)
			return nil
		}
		return e.handleRegistration(f.Payload)
	case StateOperational:
		name, schema, ok := e.reg.ByIntent(f.Intent)
		if !ok {
			metrics.IncUnknownIntent()
			e.logger.Debug("unknown_intent", "intent", f.Intent, "len", len(f.Payload))
			if e.onRaw != nil {
				e.onRaw(f.Intent, f.Payload)
			}
			return nil
		}
		params, _, err := codec.Deserialize(f.Payload, schema)
		if err != nil {
			metrics.IncError(metrics.ErrDecode)
			e.logger.Warn("frame_decode_error", "intent", f.Intent, "name", name, "error", err)
			return nil
		}
		metrics.IncCommand()
		if e.onCommand != nil {
			e.onCommand(name, params, f.Intent)
		}
		return nil
	default:
		e.logger.Debug("frame_discarded", "intent", f.Intent, "state", e.state.String())
		return nil
	}
}

func (e *Engine) handleRegistration(payload []byte) error {
	reg, err := codec.DecodeRegistration(payload)
	if err != nil {
		// a garbled registration record is an isolated decode failure;
		// keep waiting, the device may retry
		metrics.IncError(metrics.ErrRegistration)
		e.logger.Warn("registration_decode_error", "error", err)
		return nil
	}
	if err := e.reg.Add(reg.Commands); err != nil {
		e.logger.Error("registration_rejected", "error", err)
		return err
	}
	if err := e.reg.Add(reg.Notifications); err != nil {
		e.logger.Error("registration_rejected", "error", err)
		return err
	}
	e.device = reg
	e.state = StateOperational
	metrics.IncRegistration()
	e.logger.Info("device_registered",
		"device_id", reg.DeviceID.String(),
		"device_name", reg.DeviceName,
		"commands", len(reg.Commands),
		"notifications", len(reg.Notifications))
	e.resolveRegistration(nil)
	if e.onRegistered != nil {
		e.onRegistered(reg)
	}
	return nil
}

// Close tears the connection state down: the buffer is dropped and a still
// pending registration resolves with ErrConnectionClosed. Idempotent.
func (e *Engine) Close(reason error) {
	if e.state == StateClosed {
		return
	}
	e.state = StateClosed
	e.buf.Clear()
	if reason == nil {
		reason = ErrConnectionClosed
	}
	e.resolveRegistration(fmt.Errorf("%w: %v", ErrConnectionClosed, reason))
	e.logger.Debug("engine_closed", "reason", reason)
}

func (e *Engine) fail(err error) {
	e.state = StateClosed
	e.buf.Clear()
	e.resolveRegistration(err)
}

func (e *Engine) resolveRegistration(err error) {
	e.regOnce.Do(func() {
		e.regErr = err
		close(e.regDone)
	})
}

// Registered is closed once the registration outcome is known; RegErr then
// reports it (nil on success).
func (e *Engine) Registered() <-chan struct{} { return e.regDone }

// RegErr returns the registration outcome. Only valid after Registered.
func (e *Engine) RegErr() error { return e.regErr }

// State returns the current machine state.
func (e *Engine) State() State { return e.state }

// Device returns the decoded registration record, nil before registration.
func (e *Engine) Device() *codec.DeviceRegistration { return e.device }

// Registry exposes the connection's schema registry.
func (e *Engine) Registry() *codec.Registry { return e.reg }

// SendRecord encodes rec against s and transmits it under the given intent.
func (e *Engine) SendRecord(intent uint16, rec map[string]any, s codec.Schema) error {
	payload, err := codec.Serialize(rec, s)
	if err != nil {
		metrics.IncError(metrics.ErrEncode)
		return err
	}
	return e.send(intent, payload)
}

// SendNotification transmits an already-encoded payload under the given
// intent.
func (e *Engine) SendNotification(intent uint16, payload []byte) error {
	return e.send(intent, payload)
}

// SendCommandResult reports a command outcome on the reserved result intent.
func (e *Engine) SendCommandResult(rec map[string]any, s codec.Schema) error {
	return e.SendRecord(IntentNotifyCommandResult, rec, s)
}

func (e *Engine) send(intent uint16, payload []byte) error {
	f := frame.Frame{Version: Version, Intent: intent, Payload: payload}
	b, err := f.Encode()
	if err != nil {
		metrics.IncError(metrics.ErrEncode)
		return err
	}
	if _, err := e.w.Write(b); err != nil {
		return fmt.Errorf("frame write: %w", err)
	}
	return nil
}
