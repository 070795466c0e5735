package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/devicehive/binary-gateway/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	SerialRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_rx_frames_total",
		Help: "Total device frames decoded from the serial link.",
	})
	SerialTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_tx_frames_total",
		Help: "Total frames written to the serial link.",
	})
	TCPRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_rx_frames_total",
		Help: "Total device frames decoded from TCP device connections.",
	})
	TCPTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_tx_frames_total",
		Help: "Total frames written to TCP device connections.",
	})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (bad checksum, bad signature, truncated).",
	})
	ResyncDroppedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "resync_dropped_bytes_total",
		Help: "Total junk bytes discarded while hunting for a frame signature.",
	})
	BufferOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "packet_buffer_overflows_total",
		Help: "Total packet buffer overflows (buffer cleared, connection terminated).",
	})
	Registrations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "device_registrations_total",
		Help: "Total successful device registrations.",
	})
	CommandsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "commands_dispatched_total",
		Help: "Total inbound frames decoded against a registered command schema.",
	})
	UnknownIntents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "unknown_intents_total",
		Help: "Total frames delivered raw because their intent has no registered schema.",
	})
	HubDroppedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_events_total",
		Help: "Total device events dropped by hub due to slow subscribers.",
	})
	HubKickedSubscribers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_subscribers_total",
		Help: "Total subscribers disconnected due to backpressure kick policy.",
	})
	ActiveDevices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "active_devices",
		Help: "Current number of connected device links.",
	})
	HubBroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_broadcast_fanout",
		Help: "Number of subscribers targeted in the most recent broadcast.",
	})
	HubQueueDepthMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_max",
		Help: "Observed max queued events among subscribers since last sample window.",
	})
	HubQueueDepthAvg = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_avg",
		Help: "Approximate average queued events per subscriber in last sample.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPRead        = "tcp_read"
	ErrTCPWrite       = "tcp_write"
	ErrSerialRead     = "serial_read"
	ErrSerialWrite    = "serial_write"
	ErrSerialOverflow = "serial_tx_overflow"
	ErrRegistration   = "registration"
	ErrDecode         = "decode"
	ErrEncode         = "encode"
)

// StartHTTP serves Prometheus metrics at /metrics on the given address.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localSerialRx      uint64
	localSerialTx      uint64
	localTCPRx         uint64
	localTCPTx         uint64
	localMalformed     uint64
	localResyncDropped uint64
	localOverflows     uint64
	localRegistrations uint64
	localCommands      uint64
	localUnknown       uint64
	localHubDrop       uint64
	localHubKick       uint64
	localDevices       uint64
	localFanout        uint64
	localErrors        uint64
	localQDMax         uint64
	localQDAvg         uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	SerialRx      uint64
	SerialTx      uint64
	TCPRx         uint64
	TCPTx         uint64
	Malformed     uint64
	ResyncDropped uint64
	Overflows     uint64
	Registrations uint64
	Commands      uint64
	Unknown       uint64
	HubDrops      uint64
	HubKicks      uint64
	Devices       uint64
	Fanout        uint64
	Errors        uint64 // sum across error labels
	QueueDepthMax uint64
	QueueDepthAvg uint64
}

func Snap() Snapshot {
	return Snapshot{
		SerialRx:      atomic.LoadUint64(&localSerialRx),
		SerialTx:      atomic.LoadUint64(&localSerialTx),
		TCPRx:         atomic.LoadUint64(&localTCPRx),
		TCPTx:         atomic.LoadUint64(&localTCPTx),
		Malformed:     atomic.LoadUint64(&localMalformed),
		ResyncDropped: atomic.LoadUint64(&localResyncDropped),
		Overflows:     atomic.LoadUint64(&localOverflows),
		Registrations: atomic.LoadUint64(&localRegistrations),
		Commands:      atomic.LoadUint64(&localCommands),
		Unknown:       atomic.LoadUint64(&localUnknown),
		HubDrops:      atomic.LoadUint64(&localHubDrop),
		HubKicks:      atomic.LoadUint64(&localHubKick),
		Devices:       atomic.LoadUint64(&localDevices),
		Fanout:        atomic.LoadUint64(&localFanout),
		Errors:        atomic.LoadUint64(&localErrors),
		QueueDepthMax: atomic.LoadUint64(&localQDMax),
		QueueDepthAvg: atomic.LoadUint64(&localQDAvg),
	}
}

// Wrapper helpers to keep call sites simple.
func IncSerialRx() {
	SerialRxFrames.Inc()
	atomic.AddUint64(&localSerialRx, 1)
}

func IncSerialTx() {
	SerialTxFrames.Inc()
	atomic.AddUint64(&localSerialTx, 1)
}

func IncTCPRx() {
	TCPRxFrames.Inc()
	atomic.AddUint64(&localTCPRx, 1)
}

func IncTCPTx() {
	TCPTxFrames.Inc()
	atomic.AddUint64(&localTCPTx, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// AddResyncDropped records junk bytes skipped during signature hunting.
func AddResyncDropped(n int) {
	if n <= 0 {
		return
	}
	ResyncDroppedBytes.Add(float64(n))
	atomic.AddUint64(&localResyncDropped, uint64(n))
}

func IncOverflow() {
	BufferOverflows.Inc()
	atomic.AddUint64(&localOverflows, 1)
}

func IncRegistration() {
	Registrations.Inc()
	atomic.AddUint64(&localRegistrations, 1)
}

func IncCommand() {
	CommandsDispatched.Inc()
	atomic.AddUint64(&localCommands, 1)
}

func IncUnknownIntent() {
	UnknownIntents.Inc()
	atomic.AddUint64(&localUnknown, 1)
}

func IncHubDrop() {
	HubDroppedEvents.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick() {
	HubKickedSubscribers.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func SetActiveDevices(n int) {
	ActiveDevices.Set(float64(n))
	atomic.StoreUint64(&localDevices, uint64(n))
}

func SetBroadcastFanout(n int) {
	HubBroadcastFanout.Set(float64(n))
	atomic.StoreUint64(&localFanout, uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// SetQueueDepth records a snapshot of max and avg queue depth.
func SetQueueDepth(max, avg int) {
	HubQueueDepthMax.Set(float64(max))
	HubQueueDepthAvg.Set(float64(avg))
	atomic.StoreUint64(&localQDMax, uint64(max))
	atomic.StoreUint64(&localQDAvg, uint64(avg))
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite,
		ErrSerialRead, ErrSerialWrite, ErrSerialOverflow,
		ErrRegistration, ErrDecode, ErrEncode,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
