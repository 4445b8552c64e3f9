package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"floorsync/internal/models"
)

// Send/receive timing configuration and message size limits.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 1 << 12 // 4 KB
)

// Envelope used for WebSocket messages.
type wsEnvelope struct {
	Type string      `json:"type"` // machines | sessions
	Data interface{} `json:"data,omitempty"`
}

// Upgrader for HTTP -> WebSocket.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConnect streams the synchronized collections to one client: an
// initial snapshot of machines and active sessions, then the full
// updated set every time a local write or remote change refreshes it.
func (h *Handler) wsConnect(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		if h.log != nil {
			h.log.Errorw("ws_upgrade_failed", "err", err)
		}
		return
	}
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(maxMsgSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Refresh signals are collapsed: a pending one is enough, the writer
	// re-reads the current set when it drains the channel.
	machineRefresh := make(chan struct{}, 1)
	sessionRefresh := make(chan struct{}, 1)
	unsubMachines := h.services.SubscribeToMachineUpdates(func([]models.MachineState) {
		signalRefresh(machineRefresh)
	})
	defer unsubMachines()
	unsubSessions := h.services.SubscribeToSessionChanges(func([]models.LiveSession) {
		signalRefresh(sessionRefresh)
	})
	defer unsubSessions()

	// Reader goroutine to handle control frames and detect disconnects.
	done := make(chan struct{})
	go h.startReader(conn, done)

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	if err := h.sendMachines(c, conn); err != nil {
		return
	}
	if err := h.sendSessions(c, conn); err != nil {
		return
	}

	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				if h.log != nil {
					h.log.Infow("ws_ping_failed", "err", err)
				}
				return
			}
		case <-machineRefresh:
			if err := h.sendMachines(c, conn); err != nil {
				return
			}
		case <-sessionRefresh:
			if err := h.sendSessions(c, conn); err != nil {
				return
			}
		}
	}
}

// signalRefresh is a non-blocking set of the refresh flag.
func signalRefresh(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// startReader drains incoming messages to handle control frames and
// detect closure.
func (h *Handler) startReader(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if h.log != nil {
				h.log.Infow("ws_read_closed", "err", err)
			}
			return
		}
	}
}

func (h *Handler) sendMachines(c *gin.Context, conn *websocket.Conn) error {
	all, err := h.services.GetMachinesData(c.Request.Context())
	if err != nil {
		if h.log != nil {
			h.log.Errorw("ws_machines_load_failed", "err", err)
		}
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(wsEnvelope{Type: "machines", Data: all}); err != nil {
		if h.log != nil {
			h.log.Infow("ws_write_failed", "err", err)
		}
		return err
	}
	return nil
}

func (h *Handler) sendSessions(c *gin.Context, conn *websocket.Conn) error {
	active, err := h.services.FetchActiveSessions(c.Request.Context())
	if err != nil {
		if h.log != nil {
			h.log.Errorw("ws_sessions_load_failed", "err", err)
		}
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(wsEnvelope{Type: "sessions", Data: active}); err != nil {
		if h.log != nil {
			h.log.Infow("ws_write_failed", "err", err)
		}
		return err
	}
	return nil
}
