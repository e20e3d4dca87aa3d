package stratum

import (
	"bufio"
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bardlex/pplnspool/internal/job"
	"github.com/bardlex/pplnspool/pkg/errors"
	"github.com/bardlex/pplnspool/pkg/log"
)

// State is the protocol state of a session.
type State int

const (
	StateConnected State = iota
	StateSubscribed
	StateAuthorized
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateAuthorized:
		return "authorized"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SessionConfig holds per-connection limits
type SessionConfig struct {
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxMessageSize    int
	MaxProtocolErrors int
}

// Session represents a Stratum mining session
type Session struct {
	id          string
	conn        net.Conn
	extraNonce1 string
	cfg         SessionConfig
	logger      *log.Logger

	mu         sync.RWMutex
	state      State
	username   string
	address    string
	difficulty float64

	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewSession creates a new Stratum session
func NewSession(id string, conn net.Conn, extraNonce1 string, cfg SessionConfig, logger *log.Logger) *Session {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultBufferSize
	}
	return &Session{
		id:          id,
		conn:        conn,
		extraNonce1: extraNonce1,
		cfg:         cfg,
		logger:      logger.WithFields("session_id", id, "remote_addr", conn.RemoteAddr().String()),
		outbound:    make(chan []byte, 100),
		done:        make(chan struct{}),
	}
}

// Handler processes decoded requests for a session. A returned error of type
// errors.ErrorTypeProtocol counts toward the session's protocol error limit.
type Handler interface {
	HandleRequest(ctx context.Context, session *Session, req *Request) error
}

// Start runs the session until the peer disconnects, the read deadline passes,
// the protocol error limit is reached or ctx is cancelled.
func (s *Session) Start(ctx context.Context, handler Handler) error {
	go s.writeLoop()

	stop := context.AfterFunc(ctx, s.Close)
	defer stop()

	return s.readLoop(ctx, handler)
}

// readLoop handles incoming messages from the client
func (s *Session) readLoop(ctx context.Context, handler Handler) error {
	defer s.Close()

	buf := getReadBuffer(min(s.cfg.MaxMessageSize, defaultBufferSize))
	defer putReadBuffer(buf)

	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(*buf, s.cfg.MaxMessageSize)

	consecutiveErrors := 0
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			return err
		}
		// Close releases the reader by moving the deadline; re-check after overriding it.
		if s.isClosed() {
			return ctx.Err()
		}

		if !scanner.Scan() {
			err := scanner.Err()
			switch {
			case err == nil:
				s.logger.Debug("client disconnected")
				return nil
			case s.isClosed():
				return ctx.Err()
			case stderrors.Is(err, os.ErrDeadlineExceeded):
				s.logger.Info("read timeout, closing idle connection")
				return nil
			default:
				return err
			}
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		s.logger.LogStratumMessage("received", string(line))

		req, err := DecodeRequest(line)
		if err != nil {
			s.logger.WithError(err).Debug("ignoring unparseable line")
			continue
		}

		err = handler.HandleRequest(ctx, s, req)
		switch {
		case err == nil:
			consecutiveErrors = 0
		case errors.IsType(err, errors.ErrorTypeProtocol):
			consecutiveErrors++
			s.logger.WithError(err).Warn("protocol error",
				"method", req.Method,
				"count", consecutiveErrors,
				"code", errors.GetContext(err)["code"],
			)
			if s.cfg.MaxProtocolErrors > 0 && consecutiveErrors >= s.cfg.MaxProtocolErrors {
				s.logger.Warn("too many protocol errors, closing connection")
				return nil
			}
		default:
			s.logger.WithError(err).Error("failed to handle request", "method", req.Method)
		}
	}
}

// writeLoop handles outbound messages to the client. It owns the connection
// and closes it after writing whatever was queued before the session closed.
func (s *Session) writeLoop() {
	defer func() {
		if err := s.conn.Close(); err != nil && !stderrors.Is(err, net.ErrClosed) {
			s.logger.WithError(err).Debug("failed to close connection")
		}
	}()

	for {
		select {
		case <-s.done:
			s.drain()
			return
		case data := <-s.outbound:
			if err := s.write(data); err != nil {
				s.logger.WithError(err).Debug("failed to write message")
				s.Close()
				return
			}
		}
	}
}

func (s *Session) write(data []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	if _, err := s.conn.Write(data); err != nil {
		return err
	}
	s.logger.LogStratumMessage("sent", string(data[:len(data)-1]))
	return nil
}

// drain writes messages still queued when the session closed.
func (s *Session) drain() {
	for {
		select {
		case data := <-s.outbound:
			if err := s.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) send(v any) error {
	data, err := encodeLine(v)
	if err != nil {
		return err
	}

	select {
	case <-s.done:
		return fmt.Errorf("session closed")
	default:
	}

	select {
	case s.outbound <- data:
		return nil
	case <-s.done:
		return fmt.Errorf("session closed")
	default:
		return fmt.Errorf("outbound queue full")
	}
}

// SendResponse sends a successful reply
func (s *Session) SendResponse(id, result any) error {
	return s.send(NewResponse(id, result))
}

// SendError sends an error reply
func (s *Session) SendError(id any, code int, message string) error {
	return s.send(NewErrorResponse(id, code, message))
}

// SendNotification sends a pool-initiated message
func (s *Session) SendNotification(method string, params []any) error {
	return s.send(NewNotification(method, params))
}

// SendDifficulty sends mining.set_difficulty and remembers the value.
func (s *Session) SendDifficulty(difficulty float64) error {
	s.mu.Lock()
	s.difficulty = difficulty
	s.mu.Unlock()
	return s.SendNotification(MethodSetDifficulty, []any{difficulty})
}

// SendJob sends mining.notify for j, preceded by mining.set_difficulty when
// the job's pool difficulty differs from the last one sent.
func (s *Session) SendJob(j *job.Job) error {
	s.mu.RLock()
	current := s.difficulty
	s.mu.RUnlock()

	if current != j.PoolDifficulty {
		if err := s.SendDifficulty(j.PoolDifficulty); err != nil {
			return err
		}
	}
	return s.SendNotification(MethodNotify, j.NotifyParams())
}

// Close closes the session. The blocked reader is released through its
// deadline; the writer closes the socket. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()

		close(s.done)
		_ = s.conn.SetReadDeadline(time.Now())
	})
}

// Done is closed when the session closes
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// ID returns the unique session identifier.
func (s *Session) ID() string {
	return s.id
}

// RemoteAddr returns the remote address of the client connection.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// ExtraNonce1 returns the hex extranonce1 assigned at connect.
func (s *Session) ExtraNonce1() string {
	return s.extraNonce1
}

// State returns the current protocol state
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// markSubscribed moves a connected session to Subscribed. Authorized sessions stay authorized.
func (s *Session) markSubscribed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateConnected {
		s.state = StateSubscribed
	}
}

// markAuthorized records the authorized identity.
func (s *Session) markAuthorized(username, address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = StateAuthorized
	s.username = username
	s.address = address
}

// IsAuthorized returns whether the session has completed mining.authorize.
func (s *Session) IsAuthorized() bool {
	return s.State() == StateAuthorized
}

// Username returns the authorized username, which is also the persisted miner id.
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// PayoutAddress returns the address part of the authorized username.
func (s *Session) PayoutAddress() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.address
}

// Difficulty returns the last difficulty sent to the miner.
func (s *Session) Difficulty() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.difficulty
}
