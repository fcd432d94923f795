package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/japa/pkg/errorsx"
	"github.com/harunnryd/japa/pkg/logging"
	"github.com/harunnryd/japa/pkg/render"
	"github.com/harunnryd/japa/pkg/session"
	"github.com/harunnryd/japa/pkg/transports"
)

type Config struct {
	ServerAddr     string   `mapstructure:"server_addr"`
	WebsocketPath  string   `mapstructure:"ws_path"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/ws"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// Server pushes every render update to websocket clients and exposes
// start/stop/state endpoints for the session.
type Server struct {
	cfg      Config
	control  transports.Control
	metrics  http.Handler
	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	last    []byte

	draining atomic.Bool
}

// New builds the server. metrics may be nil.
func New(cfg Config, control transports.Control, metrics http.Handler) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:     cfg,
		control: control,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		clients: make(map[*client]struct{}),
		logger:  logging.NewComponentLogger(slog.Default(), "web_transport"),
	}
	s.upgrader.CheckOrigin = s.checkOrigin
	return s
}

func (s *Server) Name() string { return "web" }

func (s *Server) ReadyFields() map[string]any {
	addr := s.cfg.ServerAddr
	if s.listener != nil {
		addr = s.listener.Addr().String()
	}
	return map[string]any{"addr": addr, "ws_path": s.cfg.WebsocketPath}
}

// Handler returns the routing table; Start serves it.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.WebsocketPath, s.serveWS)
	mux.HandleFunc("/start", s.handleStart)
	mux.HandleFunc("/stop", s.handleStop)
	mux.HandleFunc("/state", s.handleState)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ln, err := net.Listen("tcp", s.cfg.ServerAddr)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}
	s.listener = ln
	s.server = &http.Server{
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           s.Handler(),
	}
	go func() {
		<-ctx.Done()
		_ = s.server.Close()
	}()
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("web_transport_server_error", "error", err.Error())
		}
	}()
	return nil
}

func (s *Server) Stop() error {
	s.draining.Store(true)
	if s.server != nil {
		_ = s.server.Close()
	}
	s.mu.Lock()
	for c := range s.clients {
		c.close()
	}
	s.clients = make(map[*client]struct{})
	s.mu.Unlock()
	return nil
}

// Render implements render.Sink. It never blocks: slow clients drop updates.
func (s *Server) Render(u render.Update) {
	msg, err := json.Marshal(envelope{Type: "update", Update: &u})
	if err != nil {
		return
	}
	s.mu.Lock()
	s.last = msg
	for c := range s.clients {
		c.enqueue(msg)
	}
	s.mu.Unlock()
}

type envelope struct {
	Type    string         `json:"type"`
	Update  *render.Update `json:"update,omitempty"`
	Session string         `json:"session_id,omitempty"`
	Error   string         `json:"error,omitempty"`
}

type command struct {
	Action string `json:"action"`
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{conn: conn, sendCh: make(chan []byte, 64)}
	go c.loop()

	s.mu.Lock()
	s.clients[c] = struct{}{}
	if s.last != nil {
		c.enqueue(s.last)
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		c.close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd command
		if err := json.Unmarshal(msg, &cmd); err != nil {
			continue
		}
		switch strings.ToLower(cmd.Action) {
		case "start":
			id, err := s.control.Start()
			c.reply(envelope{Type: "started", Session: id, Error: errString(err)})
		case "stop":
			err := s.control.Stop()
			c.reply(envelope{Type: "stopped", Error: errString(err)})
		}
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id, err := s.control.Start()
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, envelope{Type: "started", Session: id})
	case errors.Is(err, session.ErrSessionActive):
		writeJSON(w, http.StatusConflict, envelope{Type: "error", Error: err.Error()})
	case errors.Is(err, session.ErrUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, envelope{Type: "error", Error: err.Error()})
	default:
		writeJSON(w, http.StatusBadGateway, envelope{Type: "error", Session: id, Error: err.Error()})
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := s.control.Stop(); err != nil {
		writeJSON(w, http.StatusConflict, envelope{Type: "error", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Type: "stopped"})
}

type stateView struct {
	SessionID      string `json:"session_id,omitempty"`
	Phase          string `json:"phase"`
	Status         string `json:"status"`
	DisplayText    string `json:"display_text,omitempty"`
	Count          uint64 `json:"count"`
	Attempt        int    `json:"attempt"`
	RestartPending bool   `json:"restart_pending"`
	Available      bool   `json:"available"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	snap := s.control.Snapshot()
	writeJSON(w, http.StatusOK, stateView{
		SessionID:      snap.SessionID,
		Phase:          snap.Phase.String(),
		Status:         snap.Status,
		DisplayText:    snap.DisplayText,
		Count:          snap.OccurrenceCount,
		Attempt:        snap.Attempt,
		RestartPending: snap.RestartPending,
		Available:      s.control.Available(),
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
	for _, allowed := range s.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

type client struct {
	conn   *websocket.Conn
	sendCh chan []byte
	closed atomic.Bool
	mu     sync.Mutex
}

func (c *client) enqueue(msg []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return
	}
	select {
	case c.sendCh <- msg:
	default:
	}
}

func (c *client) reply(e envelope) {
	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	c.enqueue(b)
}

func (c *client) loop() {
	for msg := range c.sendCh {
		_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *client) close() {
	c.mu.Lock()
	if c.closed.CompareAndSwap(false, true) {
		close(c.sendCh)
	}
	c.mu.Unlock()
	_ = c.conn.Close()
}

var (
	_ transports.Transport     = (*Server)(nil)
	_ transports.ReadyReporter = (*Server)(nil)
)
