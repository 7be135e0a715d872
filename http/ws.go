package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"trafficflow/ml"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

// ModelMessage is the envelope pushed to /ws/model subscribers.
type ModelMessage struct {
	Type      string       `json:"type"`
	ID        string       `json:"id"`
	Timestamp time.Time    `json:"timestamp"`
	Data      BundleUpdate `json:"data"`
}

type BundleUpdate struct {
	Generation    string    `json:"generation"`
	Source        string    `json:"source"`
	TrainedAt     time.Time `json:"trained_at"`
	Samples       int       `json:"samples,omitempty"`
	CongestionMAE float64   `json:"congestion_mae,omitempty"`
	CongestionR2  float64   `json:"congestion_r2,omitempty"`
	SignalMAE     float64   `json:"signal_mae,omitempty"`
	SignalR2      float64   `json:"signal_r2,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	id   string
}

// ModelHub fans bundle publication events out to WebSocket subscribers.
type ModelHub struct {
	clients    map[*wsClient]bool
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	upgrader   websocket.Upgrader
	logger     *zap.Logger
}

func NewModelHub(logger *zap.Logger) *ModelHub {
	return &ModelHub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger,
	}
}

// Run owns the client set until ctx is done.
func (h *ModelHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.logger.Debug("WebSocket client connected",
				zap.String("client", client.id), zap.Int("total", len(h.clients)))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.logger.Debug("WebSocket client disconnected",
				zap.String("client", client.id), zap.Int("total", len(h.clients)))

		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}

		case <-ctx.Done():
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			return
		}
	}
}

// Publish queues ev for every subscriber. Events are dropped when the queue is
// full rather than blocking the publisher.
func (h *ModelHub) Publish(ev ml.BundleEvent) {
	update := BundleUpdate{
		Generation: ev.Generation,
		Source:     ev.Source,
		TrainedAt:  ev.TrainedAt,
	}
	if ev.Report != nil {
		update.Samples = ev.Report.Samples
		update.CongestionMAE = ev.Report.Congestion.MAE
		update.CongestionR2 = ev.Report.Congestion.R2
		update.SignalMAE = ev.Report.Signal.MAE
		update.SignalR2 = ev.Report.Signal.R2
	}
	message, err := json.Marshal(ModelMessage{
		Type:      "bundle_published",
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Data:      update,
	})
	if err != nil {
		h.logger.Error("Failed to encode bundle event", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("WebSocket broadcast queue is full, dropping message")
	}
}

func (h *ModelHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 16),
		id:   uuid.NewString(),
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump(h.logger)
	go client.readPump(h)
}

func (c *wsClient) writePump(logger *zap.Logger) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Debug("WebSocket write error", zap.String("client", c.id), zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only watches for the peer going away; subscribers send nothing.
func (c *wsClient) readPump(h *ModelHub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("WebSocket error", zap.String("client", c.id), zap.Error(err))
			}
			return
		}
	}
}
