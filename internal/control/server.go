package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/codefionn/tablock/internal/engine"
	"github.com/codefionn/tablock/internal/logger"
)

const (
	idleTimeout    = 30 * time.Second
	requestTimeout = 5 * time.Second
	maxLineSize    = 64 * 1024
)

// Handler executes control requests. *engine.Engine implements it.
type Handler interface {
	Command(ctx context.Context, cmd engine.Command) error
	Sweep(ctx context.Context) error
	Status(ctx context.Context) (engine.Status, error)
}

// Server represents the Unix socket server
type Server struct {
	path     string
	handler  Handler
	listener net.Listener
	log      *logger.Logger

	conns map[net.Conn]struct{}
	wg    sync.WaitGroup

	mu       sync.Mutex
	running  bool
	closing  bool
	stopOnce sync.Once
}

// NewServer creates a server for socketPath. Nothing listens until Start.
func NewServer(socketPath string, handler Handler) *Server {
	return &Server{
		path:    socketPath,
		handler: handler,
		log:     logger.Named("control"),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start listens on the socket, replacing a stale socket file left by a
// crashed daemon.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	absPath, err := filepath.Abs(s.path)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}
	s.path = absPath

	if err := os.MkdirAll(filepath.Dir(absPath), 0700); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(absPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove existing socket file: %w", err)
	}

	listener, err := net.Listen("unix", absPath)
	if err != nil {
		return fmt.Errorf("failed to listen on Unix socket %s: %w", absPath, err)
	}
	if err := os.Chmod(absPath, 0600); err != nil {
		s.log.Warn("Failed to set socket permissions: %v", err)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	s.log.Info("Control socket listening on %s", absPath)
	return nil
}

// Serve runs the server until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

// Stop closes the listener and open connections and removes the socket
// file.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		if s.listener != nil {
			if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				s.log.Error("Error closing socket listener: %v", err)
			}
		}

		s.mu.Lock()
		s.closing = true
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()

		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			s.log.Warn("Failed to remove socket file %s: %v", s.path, err)
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	})
	return nil
}

// Path returns the socket path.
func (s *Server) Path() string {
	return s.path
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error("Error accepting connection: %v", err)
			continue
		}

		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	enc := json.NewEncoder(conn)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
				s.log.Debug("Connection closed: %v", err)
			}
			return
		}

		var req Request
		var resp Response
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			resp = Response{Error: fmt.Sprintf("invalid request: %v", err)}
		} else {
			resp = s.dispatch(ctx, req)
		}

		if err := enc.Encode(resp); err != nil {
			s.log.Debug("Failed to write response: %v", err)
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	s.log.Debug("Request: %s", req.Action)

	var err error
	switch req.Action {
	case ActionLock:
		err = s.handler.Command(ctx, engine.CommandLock)
	case ActionUnlock:
		err = s.handler.Command(ctx, engine.CommandUnlock)
	case ActionSweep:
		err = s.handler.Sweep(ctx)
	case ActionStatus:
		st, statusErr := s.handler.Status(ctx)
		if statusErr != nil {
			return Response{Error: statusErr.Error()}
		}
		return Response{OK: true, Status: &st}
	default:
		err = fmt.Errorf("unknown action %q", req.Action)
	}

	if err != nil {
		return Response{Error: err.Error()}
	}
	return Response{OK: true}
}
