// ABOUTME: Realtime watcher for a single device login request
// ABOUTME: Opens a channel authenticated by the ticket's watch token and forwards resolutions

package requester

import (
	"log/slog"
	"time"

	"github.com/2389/coven-approve/internal/client"
	"github.com/2389/coven-approve/internal/devicelogin"
	"github.com/2389/coven-approve/internal/realtime"
)

// RealtimeWatcher subscribes to device_request_resolved frames for one request.
type RealtimeWatcher struct {
	BaseURL        string
	BackoffFloor   time.Duration
	BackoffCeiling time.Duration
	StableAfter    time.Duration
	Logger         *slog.Logger
}

// Watch implements Watcher.
func (w *RealtimeWatcher) Watch(ticket client.DeviceLoginTicket, onResolved func(devicelogin.Resolution)) func() {
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ch := realtime.New(realtime.Config{
		BaseURL:        w.BaseURL,
		Token:          func() string { return ticket.WatchToken },
		BackoffFloor:   w.BackoffFloor,
		BackoffCeiling: w.BackoffCeiling,
		StableAfter:    w.StableAfter,
		Logger:         logger.With("request_id", ticket.RequestID),
	})
	ch.On(devicelogin.EventDeviceRequestResolved, func(ev realtime.Event) {
		var res devicelogin.Resolution
		if err := ev.Decode(&res); err != nil {
			return
		}
		if res.RequestID != ticket.RequestID {
			return
		}
		onResolved(res)
	})
	ch.Connect()
	return ch.Close
}
