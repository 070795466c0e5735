package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/devicehive/binary-gateway/internal/hub"
	"github.com/devicehive/binary-gateway/internal/metrics"
	"github.com/devicehive/binary-gateway/internal/server"
)

// Helper implementations live in dedicated files: version.go, config.go,
// logger.go, event_logger.go, metrics_logger.go, mdns.go, backend_serial.go.

// newEventHub builds the device-event fanout. The backpressure policy is
// config-validated, so the switch only needs the two legal names; slow
// subscribers are either dropped on (policy drop) or kicked off the hub
// entirely (policy kick), with the outcome visible in the hub_* metrics.
func newEventHub(cfg *appConfig) *hub.Hub {
	h := hub.New()
	h.OutBufSize = cfg.hubBuffer
	if cfg.hubPolicy == "kick" {
		h.Policy = hub.PolicyKick
	}
	return h
}

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("gateway %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	h := newEventHub(cfg)
	metrics.SetActiveDevices(0)
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	l.Info("event_hub", "policy", cfg.hubPolicy, "subscriber_buffer", h.OutBufSize)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)
	startEventLogger(ctx, h, l, &wg)

	cleanup := func() {}
	ready := func() bool { return ctx.Err() == nil }

	switch cfg.backend {
	case "serial":
		c, err := startSerialGateway(ctx, cfg, h, l, &wg)
		if err != nil {
			l.Error("backend_init_error", "error", err)
			return
		}
		cleanup = c
	case "tcp":
		srv := server.NewServer(
			server.WithHub(h),
			server.WithLogger(l),
			server.WithMaxDevices(cfg.maxDevices),
			server.WithRegistrationTimeout(cfg.regTO),
			server.WithReadDeadline(cfg.deviceReadTO),
			server.WithBufferLimit(cfg.bufferLimit),
		)
		srv.SetListenAddr(cfg.listenAddr)
		go func() {
			if err := srv.Serve(ctx); err != nil {
				l.Error("tcp_server_error", "error", err)
				cancel()
			}
		}()

		// Start mDNS advertisement once listener is ready.
		go func() {
			if !cfg.mdnsEnable {
				return
			}
			select {
			case <-srv.Ready():
			case <-ctx.Done():
				return
			}
			var portNum int
			if _, p, err := net.SplitHostPort(srv.Addr()); err == nil {
				if pn, perr := strconv.Atoi(p); perr == nil {
					portNum = pn
				}
			}
			cleanupMDNS, err := startMDNS(ctx, cfg, portNum)
			if err != nil {
				l.Warn("mdns_start_failed", "error", err)
				return
			}
			l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", portNum)
			go func() { <-ctx.Done(); cleanupMDNS() }()
		}()

		// Ready when the device listener is bound and context not cancelled.
		ready = func() bool {
			select {
			case <-srv.Ready():
			default:
				return false
			}
			return ctx.Err() == nil
		}
		shutdownSrv := srv
		cleanup = func() { _ = shutdownSrv.Shutdown(context.Background()) }
	}

	metrics.SetReadinessFunc(ready)
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	cleanup()
	wg.Wait()
}
