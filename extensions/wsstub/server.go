// Package wsstub accepts WebSocket connections from local clients and
// delivers messages to them.
//
// A client opens a connection and sends an init frame carrying its client id.
// From then on messages for ccrouter.WebSocketClientAddress{ID: id} are
// written to that connection, and message frames sent by the client are
// handed to the router.
package wsstub

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vitalvas/ccrouter"
	"github.com/vitalvas/ccrouter/extensions/jsonwire"
)

// Frame types.
const (
	FrameTypeInit    = "init"
	FrameTypeMessage = "message"
)

// Defaults.
const (
	DefaultSendQueueSize = 64
	DefaultInitTimeout   = 10 * time.Second
	DefaultWriteTimeout  = 10 * time.Second
	DefaultReadLimit     = 4 << 20
)

var (
	// ErrClientNotConnected is reported when no connection exists for a client id.
	ErrClientNotConnected = errors.New("websocket client not connected")

	// ErrSendQueueFull is reported when a connection cannot keep up.
	ErrSendQueueFull = errors.New("websocket send queue full")

	// ErrServerClosed is reported after Close.
	ErrServerClosed = errors.New("websocket server closed")
)

// Frame is one WebSocket text message.
type Frame struct {
	Type     string             `json:"type"`
	ClientID string             `json:"clientId,omitempty"`
	Message  *jsonwire.Envelope `json:"message,omitempty"`
}

// MessageRouter accepts decoded messages.
type MessageRouter interface {
	RouteIn(msg *ccrouter.ImmutableMessage) error
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithSendQueueSize sets the number of frames buffered per connection.
func WithSendQueueSize(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithInitTimeout bounds the wait for the init frame.
func WithInitTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.initTimeout = d
		}
	}
}

// WithWriteTimeout bounds a single frame write.
func WithWriteTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// WithReadLimit sets the maximum inbound frame size.
func WithReadLimit(n int64) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.readLimit = n
		}
	}
}

// WithAllowedOrigins sets the accepted Origin headers. "*" allows all.
// By default requests without Origin and same-host origins are accepted.
func WithAllowedOrigins(origins ...string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithLogger sets the logger.
func WithLogger(logger ccrouter.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// OnClientConnected is called after a client completed its init frame.
func OnClientConnected(fn func(addr ccrouter.WebSocketClientAddress)) ServerOption {
	return func(s *Server) {
		s.onConnected = fn
	}
}

// OnClientDisconnected is called after a client connection is gone.
func OnClientDisconnected(fn func(addr ccrouter.WebSocketClientAddress)) ServerOption {
	return func(s *Server) {
		s.onDisconnected = fn
	}
}

// Server is an http.Handler serving local WebSocket clients.
type Server struct {
	upgrader       websocket.Upgrader
	router         MessageRouter
	logger         ccrouter.Logger
	queueSize      int
	initTimeout    time.Duration
	writeTimeout   time.Duration
	readLimit      int64
	allowedOrigins []string
	onConnected    func(ccrouter.WebSocketClientAddress)
	onDisconnected func(ccrouter.WebSocketClientAddress)

	mu      sync.RWMutex
	clients map[string]*clientConn
	closed  bool
	wg      sync.WaitGroup
}

// NewServer creates a server handing inbound messages to router.
func NewServer(router MessageRouter, opts ...ServerOption) *Server {
	s := &Server{
		router:       router,
		logger:       ccrouter.NewNoOpLogger(),
		queueSize:    DefaultSendQueueSize,
		initTimeout:  DefaultInitTimeout,
		writeTimeout: DefaultWriteTimeout,
		readLimit:    DefaultReadLimit,
		clients:      make(map[string]*clientConn),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	if len(s.allowedOrigins) > 0 {
		return false
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		http.Error(w, ErrServerClosed.Error(), http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", ccrouter.LogFields{ccrouter.LogFieldError: err.Error()})
		return
	}
	ws.SetReadLimit(s.readLimit)

	clientID, err := s.readInit(ws)
	if err != nil {
		s.logger.Warn("websocket client init failed", ccrouter.LogFields{
			"remote_addr":          r.RemoteAddr,
			ccrouter.LogFieldError: err.Error(),
		})
		_ = ws.Close()
		return
	}

	c := newClientConn(clientID, ws, s.queueSize, s.writeTimeout)
	if !s.register(c) {
		_ = ws.Close()
		return
	}

	logger := s.logger.WithFields(ccrouter.LogFields{"client_id": clientID})
	logger.Info("websocket client connected", nil)

	addr := ccrouter.WebSocketClientAddress{ID: clientID}
	if s.onConnected != nil {
		s.onConnected(addr)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.writeLoop(logger)
	}()

	s.readLoop(c, logger)

	c.close()
	s.unregister(c)
	logger.Info("websocket client disconnected", nil)

	if s.onDisconnected != nil {
		s.onDisconnected(addr)
	}
}

func (s *Server) readInit(ws *websocket.Conn) (string, error) {
	if err := ws.SetReadDeadline(time.Now().Add(s.initTimeout)); err != nil {
		return "", err
	}

	var frame Frame
	if err := ws.ReadJSON(&frame); err != nil {
		return "", err
	}
	if frame.Type != FrameTypeInit || frame.ClientID == "" {
		return "", errors.New("first frame must be an init frame with client id")
	}

	return frame.ClientID, ws.SetReadDeadline(time.Time{})
}

func (s *Server) readLoop(c *clientConn, logger ccrouter.Logger) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("websocket read failed", ccrouter.LogFields{ccrouter.LogFieldError: err.Error()})
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Type != FrameTypeMessage || frame.Message == nil {
			logger.Warn("dropping malformed websocket frame", nil)
			continue
		}

		msg, err := frame.Message.Message()
		if err != nil {
			logger.Warn("dropping undecodable websocket message", ccrouter.LogFields{ccrouter.LogFieldError: err.Error()})
			continue
		}

		if err := s.router.RouteIn(msg); err != nil {
			logger.Warn("incoming websocket message not routed", ccrouter.LogFields{
				ccrouter.LogFieldMessageID: msg.ID,
				ccrouter.LogFieldError:     err.Error(),
			})
		}
	}
}

// register adds c, replacing an older connection of the same client.
func (s *Server) register(c *clientConn) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	old := s.clients[c.id]
	s.clients[c.id] = c
	s.mu.Unlock()

	if old != nil {
		old.close()
	}
	return true
}

func (s *Server) unregister(c *clientConn) {
	s.mu.Lock()
	if s.clients[c.id] == c {
		delete(s.clients, c.id)
	}
	s.mu.Unlock()
}

// Connected reports whether clientID has a live connection.
func (s *Server) Connected(clientID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.clients[clientID]
	return ok
}

// Len returns the number of connected clients.
func (s *Server) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// send queues data for clientID. done is called with the write result
// unless send returns an error.
func (s *Server) send(clientID string, data []byte, done func(error)) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrServerClosed
	}
	c, ok := s.clients[clientID]
	s.mu.RUnlock()

	if !ok {
		return ErrClientNotConnected
	}
	return c.enqueue(outbound{data: data, done: done})
}

// Close disconnects all clients and waits for their writers to stop.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	clients := make([]*clientConn, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[string]*clientConn)
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	s.wg.Wait()
	return nil
}

type outbound struct {
	data []byte
	done func(error)
}

type clientConn struct {
	id           string
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	queue  chan outbound
	closed bool
	stop   chan struct{}
}

func newClientConn(id string, ws *websocket.Conn, queueSize int, writeTimeout time.Duration) *clientConn {
	return &clientConn{
		id:           id,
		ws:           ws,
		writeTimeout: writeTimeout,
		queue:        make(chan outbound, queueSize),
		stop:         make(chan struct{}),
	}
}

func (c *clientConn) enqueue(out outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientNotConnected
	}

	select {
	case c.queue <- out:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (c *clientConn) writeLoop(logger ccrouter.Logger) {
	defer c.failPending()

	for {
		select {
		case <-c.stop:
			return
		case out := <-c.queue:
			err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err == nil {
				err = c.ws.WriteMessage(websocket.TextMessage, out.data)
			}
			out.done(err)
			if err != nil {
				logger.Debug("websocket write failed", ccrouter.LogFields{ccrouter.LogFieldError: err.Error()})
				c.close()
				return
			}
		}
	}
}

func (c *clientConn) failPending() {
	for {
		select {
		case out := <-c.queue:
			out.done(ErrClientNotConnected)
		default:
			return
		}
	}
}

func (c *clientConn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.stop)
	c.mu.Unlock()

	_ = c.ws.Close()
}
