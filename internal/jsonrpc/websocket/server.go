package websocket

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/imtaco/conf-sfu/internal/jsonrpc"
	"github.com/imtaco/conf-sfu/internal/log"
)

const defaultReadLimit = 1 << 20

// Server serves JSON-RPC over websocket connections. Method handlers are
// shared by every connection, per-connection state lives in T.
type Server[T any] struct {
	jsonrpc.Handler[T]
	hooks          ConnectionHooks[T]
	allowedOrigins []string
	readLimit      int64
	logger         *log.Logger
}

// NewServer creates a new RPC server with the given logger
// If logger is nil, a no-op logger will be used
func NewServer[T any](
	hooks ConnectionHooks[T],
	allowedOrigins []string,
	logger *log.Logger,
) *Server[T] {
	if logger == nil {
		panic("logger cannot be nil")
	}
	if hooks == nil {
		hooks = &defaultHooks[T]{}
	}
	server := &Server[T]{
		Handler:        jsonrpc.NewHandler[T](logger),
		allowedOrigins: allowedOrigins,
		hooks:          hooks,
		readLimit:      defaultReadLimit,
		logger:         logger,
	}
	return server
}

// SetReadLimit bounds the size of a single inbound message.
// RTP parameters with many header extensions easily exceed the library default.
func (s *Server[T]) SetReadLimit(n int64) {
	s.readLimit = n
}

// HandleWebSocket handles WebSocket connection upgrade and JSON-RPC communication
func (s *Server[T]) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Create connection-specific store and handler
	initValue, passed, err := s.hooks.OnVerify(r)
	if err != nil {
		s.logger.Warn("Connection verification error",
			log.String("remote_addr", r.RemoteAddr),
			log.Error(err))
		http.Error(w, "fail to verify", http.StatusInternalServerError)
		return
	} else if !passed {
		s.logger.Info("Connection verification failed",
			log.String("remote_addr", r.RemoteAddr))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Upgrade HTTP connection to WebSocket
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.allowedOrigins,
	})
	if err != nil {
		s.logger.Error("WebSocket open failed",
			log.String("remote_addr", r.RemoteAddr),
			log.Error(err))
		return
	}
	wsConn.SetReadLimit(s.readLimit)

	stream := newStream(wsConn, s.logger)
	rpcConn := s.Handler.NewConn(stream, initValue)

	s.logger.Info("WebSocket connection established",
		log.String("remote_addr", r.RemoteAddr),
		log.String("user_agent", r.UserAgent()))

	s.hooks.OnConnect(rpcConn.Context())
	if err := rpcConn.Open(r.Context()); err != nil {
		s.logger.Error("Failed to open RPC connection",
			log.String("remote_addr", r.RemoteAddr),
			log.Error(err))
		s.hooks.OnDisconnect(rpcConn.Context(), int(websocket.StatusInternalError))
		return
	}

	stream.wait()
	// a request still running on the read loop may change connection
	// state that OnDisconnect tears down
	<-rpcConn.Done()

	s.hooks.OnDisconnect(rpcConn.Context(), stream.closeCode())
}
