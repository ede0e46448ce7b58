package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"playout-server/internal/infra/async"
	"playout-server/internal/infra/httpserver"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// EngineEvent is the wire shape of one event on the feed.
type EngineEvent struct {
	Topic     string    `json:"topic"`
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// EventsWebSocketController streams device and conductor events plus every
// dispatched command to websocket clients.
type EventsWebSocketController struct {
	broker     async.InternalBroker
	clients    map[*websocket.Conn]bool
	clientsMux sync.RWMutex
	broadcast  chan EngineEvent
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	ctx        context.Context
	cancel     context.CancelFunc
}

func NewEventsWebSocketController(broker async.InternalBroker) *EventsWebSocketController {
	ctx, cancel := context.WithCancel(context.Background())

	wsc := &EventsWebSocketController{
		broker:     broker,
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan EngineEvent, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		ctx:        ctx,
		cancel:     cancel,
	}

	go wsc.run()
	go wsc.consume(async.TopicDeviceEvents)
	go wsc.consume(async.TopicConductorEvents)
	go wsc.consume(async.TopicCommands)

	return wsc
}

var _ httpserver.Controller = (*EventsWebSocketController)(nil)

func (wsc *EventsWebSocketController) AddRoutes(router *http.ServeMux) {
	router.Handle("GET /ws/events", wsc.handleWebSocket())
}

func (wsc *EventsWebSocketController) Stop() {
	wsc.cancel()
}

func (wsc *EventsWebSocketController) consume(topic async.BrokerTopicName) {
	sub, err := wsc.broker.Subscribe(topic)
	if err != nil {
		slog.Error("subscribing to topic", slog.String("topic", string(topic)), slog.Any("error", err))
		return
	}
	defer wsc.broker.Unsubscribe(topic, sub)

	for {
		select {
		case <-wsc.ctx.Done():
			return
		case msg, ok := <-sub.Receiver:
			if !ok {
				return
			}
			event := EngineEvent{
				Topic:     string(topic),
				Event:     msg.Event,
				Timestamp: time.Now(),
				Data:      msg.Value,
			}
			select {
			case wsc.broadcast <- event:
			default:
				slog.Debug("event feed backlog full, dropping event", slog.String("event", msg.Event))
			}
		}
	}
}

func (wsc *EventsWebSocketController) handleWebSocket() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("websocket upgrade failed", slog.String("error", err.Error()))
			return
		}

		slog.Info("new websocket connection established", slog.String("remote_addr", r.RemoteAddr))
		wsc.register <- conn

		go wsc.handlePingPong(conn)
		go wsc.handleClient(conn)
	}
}

func (wsc *EventsWebSocketController) handleClient(conn *websocket.Conn) {
	defer func() {
		wsc.unregister <- conn
		conn.Close()
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Error("websocket read error", slog.String("error", err.Error()))
			} else {
				slog.Debug("websocket connection closed", slog.String("error", err.Error()))
			}
			break
		}
	}
}

func (wsc *EventsWebSocketController) handlePingPong(conn *websocket.Conn) {
	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-wsc.ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (wsc *EventsWebSocketController) run() {
	for {
		select {
		case <-wsc.ctx.Done():
			wsc.closeAll()
			return
		case conn := <-wsc.register:
			wsc.clientsMux.Lock()
			wsc.clients[conn] = true
			wsc.clientsMux.Unlock()
		case conn := <-wsc.unregister:
			wsc.clientsMux.Lock()
			delete(wsc.clients, conn)
			wsc.clientsMux.Unlock()
		case event := <-wsc.broadcast:
			wsc.clientsMux.RLock()
			for conn := range wsc.clients {
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(event); err != nil {
					slog.Debug("dropping websocket client", slog.Any("error", err))
					conn.Close()
				}
			}
			wsc.clientsMux.RUnlock()
		}
	}
}

func (wsc *EventsWebSocketController) closeAll() {
	wsc.clientsMux.Lock()
	defer wsc.clientsMux.Unlock()
	for conn := range wsc.clients {
		conn.Close()
	}
	wsc.clients = make(map[*websocket.Conn]bool)
}
