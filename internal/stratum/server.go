package stratum

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/remeh/sizedwaitgroup"

	"github.com/bardlex/pplnspool/internal/job"
	"github.com/bardlex/pplnspool/internal/metrics"
	"github.com/bardlex/pplnspool/pkg/log"
)

const extraNonce1Size = 4

// ServerConfig holds listener and session limits
type ServerConfig struct {
	MaxConnections    int
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxMessageSize    int
	MaxProtocolErrors int
	NotifyWorkers     int
}

// Server accepts Stratum connections and runs one goroutine per session.
type Server struct {
	cfg     ServerConfig
	handler *MessageHandler
	metrics *metrics.Metrics
	logger  *log.Logger

	listener net.Listener

	mu          sync.RWMutex
	sessions    map[string]*Session
	extraNonces map[string]struct{}

	nextID atomic.Uint64
	wg     sync.WaitGroup
}

// NewServer creates a new Stratum server
func NewServer(cfg ServerConfig, handler *MessageHandler, m *metrics.Metrics, logger *log.Logger) *Server {
	if cfg.NotifyWorkers <= 0 {
		cfg.NotifyWorkers = 64
	}
	return &Server{
		cfg:         cfg,
		handler:     handler,
		metrics:     m,
		logger:      logger.WithComponent("stratum_server"),
		sessions:    make(map[string]*Session),
		extraNonces: make(map[string]struct{}),
	}
}

// Listen binds the listening socket. Failure here is fatal for the process.
func (s *Server) Listen(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.logger.Info("server listening", "address", listener.Addr().String())
	return nil
}

// Addr returns the bound address
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled or the listener closes.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return fmt.Errorf("server is not listening")
	}

	stop := context.AfterFunc(ctx, func() {
		_ = s.listener.Close()
	})
	defer stop()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || stderrors.Is(err, net.ErrClosed) {
				return ctx.Err()
			}
			s.logger.WithError(err).Error("failed to accept connection")
			continue
		}

		if s.cfg.MaxConnections > 0 && s.SessionCount() >= s.cfg.MaxConnections {
			s.metrics.ConnectionRefused()
			s.logger.Warn("connection limit reached, refusing", "remote_addr", conn.RemoteAddr().String())
			_ = conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

// handleConnection runs one session to completion
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	session, err := s.register(conn)
	if err != nil {
		s.logger.WithError(err).Error("failed to register session")
		_ = conn.Close()
		return
	}
	defer s.unregister(session)

	s.metrics.ConnectionOpened()
	defer s.metrics.ConnectionClosed()
	session.logger.LogConnection("connected", session.RemoteAddr())

	if err := s.handler.OnConnect(session); err != nil {
		s.logger.WithError(err).Error("failed to start session")
		session.Close()
		return
	}

	ctx = log.NewContext(ctx, session.ID())
	if err := session.Start(ctx, s.handler); err != nil && !stderrors.Is(err, context.Canceled) {
		session.logger.WithError(err).Debug("session ended with error")
	}

	// Teardown must finish even when ctx is already cancelled.
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	s.handler.OnDisconnect(cleanupCtx, session)
	session.logger.LogConnection("disconnected", session.RemoteAddr())
}

// register assigns a session id and an extranonce1 unique among live sessions.
func (s *Server) register(conn net.Conn) (*Session, error) {
	id := fmt.Sprintf("%x", s.nextID.Add(1))

	s.mu.Lock()
	defer s.mu.Unlock()

	var extraNonce1 string
	for attempt := 0; ; attempt++ {
		if attempt == 16 {
			return nil, fmt.Errorf("could not allocate a unique extranonce1")
		}
		buf := make([]byte, extraNonce1Size)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("failed to generate extranonce1: %w", err)
		}
		extraNonce1 = hex.EncodeToString(buf)
		if _, taken := s.extraNonces[extraNonce1]; !taken {
			break
		}
	}

	session := NewSession(id, conn, extraNonce1, SessionConfig{
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		MaxMessageSize:    s.cfg.MaxMessageSize,
		MaxProtocolErrors: s.cfg.MaxProtocolErrors,
	}, s.logger)

	s.sessions[id] = session
	s.extraNonces[extraNonce1] = struct{}{}
	return session, nil
}

func (s *Server) unregister(session *Session) {
	s.mu.Lock()
	delete(s.sessions, session.ID())
	delete(s.extraNonces, session.ExtraNonce1())
	s.mu.Unlock()
}

// SessionCount returns the number of live sessions
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Broadcast pushes j to every authorized session. Sessions are snapshotted
// under the lock and the sends fan out on a bounded number of goroutines.
func (s *Server) Broadcast(j *job.Job) {
	s.mu.RLock()
	targets := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		if session.IsAuthorized() {
			targets = append(targets, session)
		}
	}
	s.mu.RUnlock()

	s.metrics.JobIssued(j.Height, j.PoolDifficulty)
	if len(targets) == 0 {
		return
	}

	swg := sizedwaitgroup.New(s.cfg.NotifyWorkers)
	var failed atomic.Int64
	for _, session := range targets {
		swg.Add()
		go func(session *Session) {
			defer swg.Done()
			if err := session.SendJob(j); err != nil {
				failed.Add(1)
				session.logger.WithError(err).Debug("failed to send job")
			}
		}(session)
	}
	swg.Wait()

	s.logger.LogJobDistribution(j.ID, j.Height, len(targets)-int(failed.Load()))
}

// Shutdown closes the listener and every session, then waits for the
// connection goroutines until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !stderrors.Is(err, net.ErrClosed) {
			s.logger.WithError(err).Error("failed to close listener")
		}
	}

	s.mu.RLock()
	for _, session := range s.sessions {
		session.Close()
	}
	s.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all connections closed")
		return nil
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout exceeded")
		return ctx.Err()
	}
}
