// Package api provides the HTTP and WebSocket operator surface.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/iara-trader/engine/internal/config"
	"github.com/iara-trader/engine/internal/decisionstore"
	"github.com/iara-trader/engine/internal/events"
	"github.com/iara-trader/engine/internal/state"
	"github.com/iara-trader/engine/pkg/types"
)

// websocketPath is the fixed upgrade endpoint for the live event stream.
const websocketPath = "/api/v1/ws"

// alertRingSize bounds the in-memory recent-alerts buffer the /api/v1/alerts
// endpoint serves; older entries are dropped once it fills.
const alertRingSize = 200

// Server is the engine's HTTP/WebSocket operator surface: read-only
// visibility into state, decisions and alerts, plus a kill-switch clear.
type Server struct {
	mu     sync.RWMutex
	logger *zap.Logger
	config config.ServerConfig

	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	clients    map[string]*Client

	state *state.State
	store *decisionstore.Store

	// eventStats, when set, feeds the orchestrator's telemetry-bus counters
	// into the /api/v1/status payload.
	eventStats func() events.BusStats

	alerts []AlertRecord
}

// Client is a connected WebSocket subscriber.
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte
	Subs map[string]bool
}

// Message is the WebSocket envelope, shared by requests, responses and
// server-pushed events.
type Message struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"` // request, response, event
	Method    string      `json:"method"`
	Payload   interface{} `json:"payload,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// AlertRecord is a single entry in the recent-alerts ring, tagged with the
// kind of event it carries so /api/v1/alerts can render a flat timeline.
type AlertRecord struct {
	Kind      string      `json:"kind"` // price, news, poison_pill
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewServer builds an API server over the given State Core and Decision
// Store. It is also a guardian.AlertHandler: register it on the AlertBus to
// have alerts broadcast to WebSocket subscribers and kept in the recent ring.
func NewServer(logger *zap.Logger, cfg config.ServerConfig, st *state.State, store *decisionstore.Store) *Server {
	s := &Server{
		logger:  logger.Named("api"),
		config:  cfg,
		router:  mux.NewRouter(),
		clients: make(map[string]*Client),
		state:   st,
		store:   store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/v1/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/api/v1/positions", s.handlePositions).Methods("GET")
	s.router.HandleFunc("/api/v1/decisions", s.handleDecisions).Methods("GET")
	s.router.HandleFunc("/api/v1/alerts", s.handleAlerts).Methods("GET")
	s.router.HandleFunc("/api/v1/killswitch/clear", s.handleKillSwitchClear).Methods("POST")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	s.router.HandleFunc(websocketPath, s.handleWebSocket)
}

// Start runs the HTTP server until it is stopped or fails to bind.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("starting api server", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop closes all live WebSocket connections and shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, c := range s.clients {
		c.Conn.Close()
	}
	s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// SetEventStats registers the orchestrator's telemetry-bus stats provider,
// surfaced alongside the state snapshot in /api/v1/status.
func (s *Server) SetEventStats(provider func() events.BusStats) {
	s.eventStats = provider
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	payload := map[string]interface{}{"state": s.state.Snapshot()}
	if s.eventStats != nil {
		payload["events"] = s.eventStats()
	}
	json.NewEncoder(w).Encode(payload)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"positions": s.state.GetOpenPositions(),
	})
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := fmt.Sscanf(q, "%d", &limit); err != nil || n != 1 {
			limit = 50
		}
	}
	rows, err := s.store.RecentDecisionLog(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"decisions": rows})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	out := make([]AlertRecord, len(s.alerts))
	copy(out, s.alerts)
	s.mu.RUnlock()
	json.NewEncoder(w).Encode(map[string]interface{}{"alerts": out})
}

func (s *Server) handleKillSwitchClear(w http.ResponseWriter, r *http.Request) {
	s.state.DeactivateKillSwitch()
	json.NewEncoder(w).Encode(map[string]string{"status": "cleared"})
}

// HandlePriceAlert implements guardian.AlertHandler.
func (s *Server) HandlePriceAlert(alert types.PriceAlert) {
	s.record(AlertRecord{Kind: "price", Payload: alert, Timestamp: alert.Timestamp})
}

// HandleNewsAlert implements guardian.AlertHandler.
func (s *Server) HandleNewsAlert(alert types.NewsAlert) {
	s.record(AlertRecord{Kind: "news", Payload: alert, Timestamp: alert.Timestamp})
}

// HandlePoisonPillEvent implements guardian.AlertHandler.
func (s *Server) HandlePoisonPillEvent(event types.PoisonPillEvent) {
	s.record(AlertRecord{Kind: "poison_pill", Payload: event, Timestamp: event.Timestamp})
}

func (s *Server) record(rec AlertRecord) {
	s.mu.Lock()
	s.alerts = append(s.alerts, rec)
	if len(s.alerts) > alertRingSize {
		s.alerts = s.alerts[len(s.alerts)-alertRingSize:]
	}
	s.mu.Unlock()

	s.broadcast(&Message{
		ID:        uuid.New().String(),
		Type:      "event",
		Method:    "alert:" + rec.Kind,
		Payload:   rec.Payload,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		ID:   uuid.New().String(),
		Conn: conn,
		Send: make(chan []byte, 256),
		Subs: make(map[string]bool),
	}

	s.mu.Lock()
	s.clients[client.ID] = client
	s.mu.Unlock()

	s.logger.Info("websocket client connected", zap.String("id", client.ID))

	go s.readPump(client)
	go s.writePump(client)
}

func (s *Server) readPump(client *Client) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, client.ID)
		s.mu.Unlock()
		client.Conn.Close()
		s.logger.Info("websocket client disconnected", zap.String("id", client.ID))
	}()

	client.Conn.SetReadLimit(512 * 1024)
	client.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, messageBytes, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error("websocket read error", zap.Error(err))
			}
			break
		}

		var msg Message
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			s.logger.Warn("invalid websocket message", zap.Error(err))
			continue
		}
		s.handleMessage(client, &msg)
	}
}

func (s *Server) writePump(client *Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleMessage(client *Client, msg *Message) {
	response := &Message{
		ID:        msg.ID,
		Type:      "response",
		Method:    msg.Method,
		Timestamp: time.Now().UnixMilli(),
	}

	switch msg.Method {
	case "ping":
		response.Payload = map[string]string{"pong": "ok"}

	case "status":
		response.Payload = s.state.Snapshot()

	case "subscribe":
		payload, _ := msg.Payload.(map[string]interface{})
		channel, _ := payload["channel"].(string)
		client.Subs[channel] = true
		response.Payload = map[string]string{"subscribed": channel}

	case "unsubscribe":
		payload, _ := msg.Payload.(map[string]interface{})
		channel, _ := payload["channel"].(string)
		delete(client.Subs, channel)
		response.Payload = map[string]string{"unsubscribed": channel}

	default:
		response.Error = "unknown method"
	}

	responseBytes, err := json.Marshal(response)
	if err != nil {
		return
	}
	select {
	case client.Send <- responseBytes:
	default:
	}
}

// broadcast sends msg to every connected client, dropping it for clients
// whose send buffer is full rather than blocking.
func (s *Server) broadcast(msg *Message) {
	msgBytes, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		select {
		case client.Send <- msgBytes:
		default:
		}
	}
}
