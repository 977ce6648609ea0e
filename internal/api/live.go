package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/CodeMonkeyCybersecurity/salvo/internal/core"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/logger"
	"github.com/CodeMonkeyCybersecurity/salvo/pkg/types"
)

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	snapshotInterval = 3 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     sameHostOrigin,
}

// sameHostOrigin admits non-browser clients, which send no Origin, and
// browsers whose page came from this server or from localhost.
func sameHostOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}
	reqHost, _, err := net.SplitHostPort(r.Host)
	if err != nil {
		reqHost = r.Host
	}
	return strings.EqualFold(host, reqHost)
}

// liveSnapshot is one frame of the dashboard feed.
type liveSnapshot struct {
	Time        time.Time             `json:"time"`
	Stats       *core.SessionStats    `json:"stats,omitempty"`
	Workers     []*types.WorkerStatus `json:"workers,omitempty"`
	PendingJobs []*types.ExploitJob   `json:"pending_jobs,omitempty"`
}

func (s *Server) snapshot() ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	snap := liveSnapshot{Time: time.Now()}
	if s.store != nil {
		if stats, err := s.store.SessionStats(ctx); err == nil {
			snap.Stats = stats
		}
	}
	if s.pool != nil {
		snap.Workers = s.pool.Status()
	}
	if s.queue != nil {
		if jobs, err := s.queue.GetPending(ctx); err == nil {
			snap.PendingJobs = jobs
		}
	}
	return json.Marshal(snap)
}

// hub pushes engine snapshots to every connected dashboard. All writes
// happen on the run loop, so a connection never sees two writers.
type hub struct {
	snapshot   func() ([]byte, error)
	log        *logger.Logger
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	stopOnce   sync.Once
}

func newHub(snapshot func() ([]byte, error), log *logger.Logger) *hub {
	return &hub{
		snapshot:   snapshot,
		log:        log,
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

func (h *hub) run() {
	clients := make(map[*websocket.Conn]bool)
	snapshots := time.NewTicker(snapshotInterval)
	pings := time.NewTicker(pingPeriod)
	defer snapshots.Stop()
	defer pings.Stop()

	for {
		select {
		case <-h.done:
			deadline := time.Now().Add(writeWait)
			for conn := range clients {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
				conn.Close()
			}
			return

		case conn := <-h.register:
			clients[conn] = true
			// First frame right away so the dashboard paints without
			// waiting out a tick.
			if data, err := h.snapshot(); err == nil {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					delete(clients, conn)
					conn.Close()
				}
			}

		case conn := <-h.unregister:
			if clients[conn] {
				delete(clients, conn)
				conn.Close()
			}

		case <-snapshots.C:
			if len(clients) == 0 {
				continue
			}
			data, err := h.snapshot()
			if err != nil {
				h.log.Warnw("Failed to build live snapshot", "error", err)
				continue
			}
			for conn := range clients {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					delete(clients, conn)
					conn.Close()
				}
			}

		case <-pings.C:
			for conn := range clients {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					delete(clients, conn)
					conn.Close()
				}
			}
		}
	}
}

func (h *hub) stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// readPump drains client frames. The dashboard never sends data; reading
// here services pong frames and notices when the peer goes away.
func (h *hub) readPump(conn *websocket.Conn) {
	defer func() {
		select {
		case h.unregister <- conn:
		case <-h.done:
			conn.Close()
		}
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) handleLive(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		s.log.Warnw("WebSocket upgrade failed", "error", err, "ip", c.ClientIP())
		return
	}

	select {
	case s.hub.register <- conn:
		go s.hub.readPump(conn)
	case <-s.hub.done:
		conn.Close()
	}
}
