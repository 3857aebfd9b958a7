package rpcwire

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

// EventsUpgrader upgrades "/events" connections to a websocket that streams
// every daemon.Event as a JSON text message, additive to the POST/ frame
// transports above.
type EventsUpgrader struct {
	daemon   Dispatcher
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewEventsUpgrader(d Dispatcher, logger *slog.Logger) *EventsUpgrader {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventsUpgrader{
		daemon: d,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Local control-plane socket: no browser-origin callers to
			// restrict against.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (u *EventsUpgrader) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		u.logger.Warn("rpcwire: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events := u.daemon.SubscribeEvents()
	// Drain inbound control frames (ping/close) on their own goroutine so
	// the connection's read deadline machinery keeps working; this socket
	// is push-only and ignores any client message payloads.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for ev := range events {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}
