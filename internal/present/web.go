package present

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

const (
	writeWait      = 2 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 16
)

// Message is one frame sent to browsers.
type Message struct {
	Type  string `json:"type"` // state | ack | error
	State *State `json:"state,omitempty"`
	Error string `json:"error,omitempty"`
}

// ClientCommand is one frame received from browsers.
type ClientCommand struct {
	Command string `json:"command"` // select | remove | search | clear | back | reload
	ID      string `json:"id,omitempty"`
	Query   string `json:"query,omitempty"`
}

// ClientCounter is told about websocket connections.
type ClientCounter interface {
	IncrementClients()
	DecrementClients()
}

// WebOptions configures the web presenter.
type WebOptions struct {
	Addr    string
	IconDir string // served under /icons when set
	Debug   bool
}

// -----------------------------------------------------------------------------
// WebServer
// -----------------------------------------------------------------------------

// WebServer serves the board over a websocket feed plus a small REST surface.
type WebServer struct {
	opts     WebOptions
	board    *Board
	cmds     *Commands
	counter  ClientCounter
	gatherer prometheus.Gatherer
	engine   *gin.Engine
	logger   *slog.Logger

	clients     map[*wsClient]struct{}
	register    chan *wsClient
	unregister  chan *wsClient
	hubDone     chan struct{}
	connections atomic.Int32
}

// NewWebServer creates the server. counter and gatherer may be nil.
func NewWebServer(opts WebOptions, board *Board, cmds *Commands, counter ClientCounter, gatherer prometheus.Gatherer) *WebServer {
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &WebServer{
		opts:       opts,
		board:      board,
		cmds:       cmds,
		counter:    counter,
		gatherer:   gatherer,
		engine:     gin.New(),
		logger:     slog.Default().With("module", "web"),
		clients:    make(map[*wsClient]struct{}),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		hubDone:    make(chan struct{}),
	}
	s.engine.Use(gin.Recovery())
	s.setupRoutes()
	return s
}

func (s *WebServer) setupRoutes() {
	s.engine.GET("/api/health", s.getHealth)
	s.engine.GET("/api/state", s.getState)
	if s.gatherer != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	if s.opts.IconDir != "" {
		s.engine.Static("/icons", s.opts.IconDir)
	}
	s.engine.GET("/ws", s.handleWebSocket)
}

// Handler exposes the routes, mainly for tests.
func (s *WebServer) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled.
func (s *WebServer) Run(ctx context.Context) error {
	go s.runHub(ctx)

	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Web feed listening", slog.String("addr", s.opts.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("Web feed stopped")
	return nil
}

// -----------------------------------------------------------------------------
// Hub
// -----------------------------------------------------------------------------

// runHub owns the client set. New clients get the current state at once;
// board changes are broadcast to all.
func (s *WebServer) runHub(ctx context.Context) {
	changes, unwatch := s.board.Watch()
	defer unwatch()
	defer func() {
		for c := range s.clients {
			s.drop(c)
		}
		close(s.hubDone)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-s.register:
			s.clients[c] = struct{}{}
			s.connections.Add(1)
			if s.counter != nil {
				s.counter.IncrementClients()
			}
			state := s.board.State()
			c.send <- Message{Type: "state", State: &state}

		case c := <-s.unregister:
			if _, ok := s.clients[c]; ok {
				s.drop(c)
			}

		case <-changes:
			state := s.board.State()
			msg := Message{Type: "state", State: &state}
			for c := range s.clients {
				select {
				case c.send <- msg:
				default:
					// Slow consumer
					s.drop(c)
				}
			}
		}
	}
}

func (s *WebServer) drop(c *wsClient) {
	delete(s.clients, c)
	close(c.send)
	s.connections.Add(-1)
	if s.counter != nil {
		s.counter.DecrementClients()
	}
}

// handleCommand applies a browser command and returns the reply frame.
func (s *WebServer) handleCommand(raw []byte) Message {
	var cmd ClientCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return Message{Type: "error", Error: "invalid command"}
	}

	var ok bool
	switch cmd.Command {
	case "select":
		ok = s.cmds.Select(cmd.ID)
	case "remove":
		ok = s.cmds.Remove(cmd.ID)
	case "search":
		ok = s.cmds.Search(cmd.Query)
	case "clear":
		ok = s.cmds.ClearSearch()
	case "back":
		ok = s.cmds.Back()
	case "reload":
		ok = s.cmds.Reload()
	default:
		return Message{Type: "error", Error: "unknown command " + cmd.Command}
	}
	if !ok {
		return Message{Type: "error", Error: cmd.Command + " rejected"}
	}
	return Message{Type: "ack"}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *WebServer) getHealth(c *gin.Context) {
	state := s.board.State()
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": s.connections.Load(),
		"rows":        len(state.Rows),
		"version":     state.Version,
	})
}

func (s *WebServer) getState(c *gin.Context) {
	c.JSON(http.StatusOK, s.board.State())
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *WebServer) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade websocket", slog.Any("error", err))
		return
	}

	client := &wsClient{
		server:  s,
		conn:    conn,
		send:    make(chan Message, sendBuffer),
		replies: make(chan Message, sendBuffer),
	}

	select {
	case s.register <- client:
	case <-s.hubDone:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// -----------------------------------------------------------------------------
// Client
// -----------------------------------------------------------------------------

// send is owned by the hub and closed on unregister; replies is never closed.
type wsClient struct {
	server  *WebServer
	conn    *websocket.Conn
	send    chan Message
	replies chan Message
}

// readPump handles incoming commands and watches the connection.
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.server.unregister <- c:
		case <-c.server.hubDone:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Warn("WebSocket read error", slog.Any("error", err))
			}
			return
		}

		reply := c.server.handleCommand(raw)
		select {
		case c.replies <- reply:
		default:
		}
	}
}

// writePump sends queued frames and pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.server.logger.Debug("WebSocket write error", slog.Any("error", err))
				return
			}

		case msg := <-c.replies:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
