package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sseKeepAlive   = 15 * time.Second
	wsPingInterval = 30 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 60 * time.Second

	alertEvent = "case.opened"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	},
}

// StreamAlerts streams opened cases as server-sent events.
func (h *Handler) StreamAlerts(w http.ResponseWriter, r *http.Request) {
	if h.alerts == nil {
		writeError(w, http.StatusServiceUnavailable, "alerts not available")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// The stream outlives the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	alerts, unsubscribe := h.alerts.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case c, ok := <-alerts:
			if !ok {
				return
			}
			data, err := json.Marshal(c)
			if err != nil {
				slog.Error("failed to encode alert", "case_id", c.ID, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\nid: %s\ndata: %s\n\n", alertEvent, c.ID, data)
			flusher.Flush()
		}
	}
}

// AlertsWebSocket streams opened cases over a WebSocket. Client messages
// are ignored; reading only detects disconnects and pongs.
func (h *Handler) AlertsWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.alerts == nil {
		writeError(w, http.StatusServiceUnavailable, "alerts not available")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	alerts, unsubscribe := h.alerts.Subscribe()
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, normalCloseCodes...) {
					slog.Debug("websocket read error", "error", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case c, ok := <-alerts:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := conn.WriteJSON(c); err != nil {
				slog.Warn("websocket write error", "error", err)
				return
			}
		}
	}
}
