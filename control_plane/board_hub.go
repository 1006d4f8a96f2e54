package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/blas1n/BSNexus/control_plane/observability"
	"github.com/blas1n/BSNexus/control_plane/streams"
)

const maxBoardClients = 200

var boardUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard is served from a different origin in development.
	CheckOrigin: func(*http.Request) bool { return true },
}

// BoardHub tails events:board and fans each event out to connected
// WebSocket clients. A client may subscribe to one project or, with no
// filter, to everything. Single consumer loop, single broadcaster.
type BoardHub struct {
	broker streams.Broker
	log    *logrus.Entry

	// clients maps connection to its project filter ("" = all).
	clients    map[*websocket.Conn]string
	register   chan boardRegistration
	unregister chan *websocket.Conn
	mu         sync.Mutex
}

type boardRegistration struct {
	conn      *websocket.Conn
	projectID string
}

func NewBoardHub(broker streams.Broker) *BoardHub {
	return &BoardHub{
		broker:     broker,
		log:        logrus.WithField("component", "board_hub"),
		clients:    make(map[*websocket.Conn]string),
		register:   make(chan boardRegistration),
		unregister: make(chan *websocket.Conn),
	}
}

// Run consumes the board stream and manages the client set until ctx
// is cancelled.
func (h *BoardHub) Run(ctx context.Context) {
	consumer := "hub-" + uuid.NewString()[:8]
	events := make(chan streams.Message, 64)

	go h.consumeLoop(ctx, consumer, events)

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case reg := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxBoardClients {
				h.mu.Unlock()
				reg.conn.Close()
				h.log.Warn("board client rejected, connection cap reached")
				continue
			}
			h.clients[reg.conn] = reg.projectID
			observability.BoardClients.Set(float64(len(h.clients)))
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			observability.BoardClients.Set(float64(len(h.clients)))
			h.mu.Unlock()

		case msg := <-events:
			h.broadcast(msg)
		}
	}
}

func (h *BoardHub) consumeLoop(ctx context.Context, consumer string, events chan<- streams.Message) {
	for {
		msgs, err := h.broker.Consume(ctx, streams.EventsBoard, streams.GroupBoard, consumer, 10, 2*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.log.WithError(err).Error("board consume failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, msg := range msgs {
			select {
			case events <- msg:
			case <-ctx.Done():
				return
			}
			// Fan-out is best-effort; ack immediately.
			if err := h.broker.Ack(ctx, streams.EventsBoard, streams.GroupBoard, msg.ID); err != nil {
				h.log.WithError(err).Warn("board ack failed")
			}
		}
	}
}

func (h *BoardHub) broadcast(msg streams.Message) {
	projectID := msg.Values["project_id"]

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, filter := range h.clients {
		if filter != "" && filter != projectID {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(msg.Values); err != nil {
			delete(h.clients, conn)
			conn.Close()
		}
	}
	observability.BoardClients.Set(float64(len(h.clients)))
}

func (h *BoardHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]string)
	observability.BoardClients.Set(0)
}

// handleWS upgrades /api/board/ws?project_id=... connections.
func (h *BoardHub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := boardUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("board upgrade failed")
		return
	}

	h.register <- boardRegistration{conn: conn, projectID: r.URL.Query().Get("project_id")}

	// Reader loop only watches for close; the board is write-only.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.unregister <- conn
				return
			}
		}
	}()
}
