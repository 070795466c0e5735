package main

import (
	"context"
	"log/slog"
	"sync"

	"github.com/devicehive/binary-gateway/internal/hub"
)

// startEventLogger attaches a hub subscriber that narrates device traffic.
// It stands in for the cloud uplink, which lives outside this process.
func startEventLogger(ctx context.Context, h *hub.Hub, l *slog.Logger, wg *sync.WaitGroup) {
	sub := h.Subscribe()
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer h.Remove(sub)
		for {
			select {
			case ev := <-sub.Out:
				switch ev.Kind {
				case hub.EventRegistered:
					l.Info("event_registered", "device_id", ev.DeviceID.String(), "device_name", ev.Name)
				case hub.EventCommand:
					l.Info("event_command", "device_id", ev.DeviceID.String(), "name", ev.Name, "intent", ev.Intent, "params", ev.Params)
				case hub.EventRaw:
					l.Debug("event_raw", "device_id", ev.DeviceID.String(), "intent", ev.Intent, "len", len(ev.Payload))
				}
			case <-sub.Closed:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}
