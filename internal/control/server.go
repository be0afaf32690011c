// Package control implements the WebSocket control plane: a server that
// accepts persistent duplex text-frame connections and broadcasts outbound
// messages, and a client that drives the same protocol from the peer side.
//
// Frames are UTF-8 JSON envelopes; see the protocol package. Undecodable
// frames are logged and dropped without closing the connection.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/idiehl/hyperdesk/internal/protocol"
)

// Handler receives every decoded inbound message. The server invokes it
// sequentially: within one connection messages arrive in order, and no two
// handler invocations overlap.
type Handler func(msg protocol.Message)

// ErrServerNotStarted indicates an operation on a server that is not
// running.
var ErrServerNotStarted = errors.New("control server not started")

// writeWait bounds a single outbound frame write.
const writeWait = 10 * time.Second

// Server accepts control connections and fans broadcasts out to them.
type Server struct {
	host    string
	port    int
	handler Handler
	logger  *slog.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	ln      net.Listener
	httpSrv *http.Server
	conns   map[*websocket.Conn]struct{}

	// handlerMu serializes handler invocations across connections.
	handlerMu sync.Mutex

	wg sync.WaitGroup
}

// NewServer creates a control server bound to host:port once started.
func NewServer(host string, port int, handler Handler, logger *slog.Logger) *Server {
	return &Server{
		host:    host,
		port:    port,
		handler: handler,
		logger:  logger.With(slog.String("component", "control")),
		upgrader: websocket.Upgrader{
			// LAN peers connect straight from CLI clients; there is no
			// browser origin to police.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// Start binds the listener and begins serving connections.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(s.host, fmt.Sprint(s.port)))
	if err != nil {
		return fmt.Errorf("listen control %s:%d: %w", s.host, s.port, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.serveWS)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.ln = ln
	s.httpSrv = srv

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if serveErr := srv.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			s.logger.Error("control server terminated",
				slog.String("error", serveErr.Error()),
			)
		}
	}()

	s.logger.Info("control server listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// Port returns the bound port, or 0 before Start.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return 0
	}
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Stop closes the listener, disconnects all peers, and waits for in-flight
// connection handlers to finish.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.httpSrv = nil
	s.ln = nil
	for conn := range s.conns {
		conn.Close()
	}
	s.conns = make(map[*websocket.Conn]struct{})
	s.mu.Unlock()

	if srv == nil {
		return ErrServerNotStarted
	}
	err := srv.Shutdown(ctx)
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("shutdown control server: %w", err)
	}
	return nil
}

// Broadcast sends the text frame to every connected peer. Peers that fail
// mid-send are dropped from the active set.
func (s *Server) Broadcast(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for conn := range s.conns {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			s.logger.Warn("dropping unreachable control peer",
				slog.String("error", err.Error()),
			)
			conn.Close()
			delete(s.conns, conn)
		}
	}
}

// PeerCount returns the number of currently connected peers.
func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// serveWS upgrades one HTTP request and pumps its frames until the peer
// disconnects.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	// Upgraded connections are hijacked from the http.Server, so Stop
	// tracks them through the server WaitGroup instead of Shutdown.
	s.wg.Add(1)
	defer s.wg.Done()

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := protocol.Decode(raw)
		if err != nil {
			// Protocol errors drop the frame, not the connection.
			s.logger.Warn("dropping undecodable control frame",
				slog.String("error", err.Error()),
			)
			continue
		}

		s.handlerMu.Lock()
		s.handler(msg)
		s.handlerMu.Unlock()
	}
}
