package ipc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
)

// Handler handles a request and returns the response body. The correlation
// id is added to the response by the server.
type Handler func(msgType uint16, id uint64, payload []byte) ([]byte, error)

// Server accepts control connections on a unix socket.
type Server struct {
	listener   net.Listener
	socketPath string
	handler    Handler
	log        *slog.Logger
	closed     atomic.Bool
	wg         sync.WaitGroup
	conns      map[net.Conn]struct{}
	connsMu    sync.Mutex
}

// NewServer creates a new IPC server listening on the given Unix socket path.
// A stale socket file at the path is replaced.
func NewServer(socketPath string, handler Handler, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}

	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("ipc: remove stale socket %s: %w", socketPath, err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen on %s: %w", socketPath, err)
	}

	return &Server{
		listener:   listener,
		socketPath: socketPath,
		handler:    handler,
		log:        log,
		conns:      make(map[net.Conn]struct{}),
	}, nil
}

// SocketPath returns the path to the Unix socket.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Serve accepts connections and handles requests.
// This blocks until Close is called.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			return fmt.Errorf("ipc: accept: %w", err)
		}

		s.connsMu.Lock()
		if s.closed.Load() {
			s.connsMu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.connsMu.Unlock()

		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()
	}()

	for {
		msgType, id, payload, err := ReadMessage(conn)
		if err != nil {
			if errors.Is(err, io.EOF) || s.closed.Load() {
				return
			}
			s.log.Debug("ipc: bad request", "error", err)
			s.sendError(conn, id, ErrCodeIO, err.Error(), "read")
			return
		}

		resp, err := s.handler(msgType, id, payload)
		if err != nil {
			s.sendErrorFromGoError(conn, id, err)
			continue
		}

		if err := WriteMessage(conn, MsgResponse, id, resp); err != nil {
			s.log.Debug("ipc: write response", "error", err)
			return
		}
	}
}

func (s *Server) sendError(conn net.Conn, id uint64, code uint8, message, op string) {
	enc := NewEncoder()
	EncodeError(enc, code, message, op)
	if err := WriteMessage(conn, MsgError, id, enc.Bytes()); err != nil {
		s.log.Debug("ipc: write error response", "error", err)
	}
}

func (s *Server) sendErrorFromGoError(conn net.Conn, id uint64, err error) {
	var ipcErr *Error
	if errors.As(err, &ipcErr) {
		s.sendError(conn, id, ipcErr.Code, ipcErr.Message, ipcErr.Op)
		return
	}
	s.sendError(conn, id, ErrCodeUnknown, err.Error(), "")
}

// Close shuts down the server.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	// Close listener first to stop accepting new connections
	err := s.listener.Close()

	s.connsMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connsMu.Unlock()

	s.wg.Wait()

	if rmErr := os.Remove(s.socketPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		err = errors.Join(err, rmErr)
	}
	return err
}

// Mux is a message type multiplexer for the server.
type Mux struct {
	handlers map[uint16]MuxHandler
	mu       sync.RWMutex
}

// MuxHandler handles a specific message type.
type MuxHandler func(id uint64, dec *Decoder) ([]byte, error)

func NewMux() *Mux {
	return &Mux{
		handlers: make(map[uint16]MuxHandler),
	}
}

// Handle registers a handler for a message type.
func (m *Mux) Handle(msgType uint16, handler MuxHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[msgType] = handler
}

// Handler returns a Handler function for use with Server.
func (m *Mux) Handler() Handler {
	return func(msgType uint16, id uint64, payload []byte) ([]byte, error) {
		m.mu.RLock()
		handler, ok := m.handlers[msgType]
		m.mu.RUnlock()

		if !ok {
			return nil, &Error{
				Code:    ErrCodeInvalidArgument,
				Message: fmt.Sprintf("unknown message type: 0x%04x", msgType),
			}
		}

		return handler(id, NewDecoder(payload))
	}
}
