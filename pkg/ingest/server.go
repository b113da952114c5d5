// Package ingest owns the ranging TCP endpoint. Every peer gets its own
// reader goroutine and codec.Decoder; decoded measurements go to a Sink.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/agile-defense/minetrack/pkg/codec"
	"github.com/agile-defense/minetrack/pkg/messages"
)

// Defaults for ServerConfig
const (
	DefaultHost          = "0.0.0.0"
	DefaultPort          = 8888
	DefaultShutdownGrace = 2 * time.Second
	readBufferSize       = 4096
)

// ErrBind is returned when the endpoint cannot be bound
var ErrBind = errors.New("failed to bind ranging endpoint")

// Sink receives decoded measurements. It must not block.
type Sink interface {
	Submit(m messages.Measurement)
}

// ServerConfig configures the ranging endpoint
type ServerConfig struct {
	Host          string
	Port          int // 0 picks an ephemeral port
	ShutdownGrace time.Duration
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port < 0 {
		c.Port = DefaultPort
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	return c
}

// Counters is a best-effort snapshot of the ingest counters
type Counters struct {
	ConnectionsTotal  uint64    `json:"connections_total"`
	ConnectionsActive int64     `json:"connections_active"`
	Bytes             uint64    `json:"bytes"`
	Frames            uint64    `json:"frames"`
	Measurements      uint64    `json:"measurements"`
	DroppedElements   uint64    `json:"dropped_elements"`
	Malformed         uint64    `json:"malformed"`
	Ignored           uint64    `json:"ignored"`
	StartedAt         time.Time `json:"started_at"`
}

// Server accepts any number of concurrent ranging peers
type Server struct {
	cfg    ServerConfig
	sink   Sink
	logger zerolog.Logger

	listener net.Listener
	started  time.Time

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup

	connsTotal   atomic.Uint64
	connsActive  atomic.Int64
	bytes        atomic.Uint64
	frames       atomic.Uint64
	measurements atomic.Uint64
	dropped      atomic.Uint64
	malformed    atomic.Uint64
	ignored      atomic.Uint64
}

// NewServer creates an ingest server. Call Listen or Run to bind it.
func NewServer(cfg ServerConfig, sink Sink, logger zerolog.Logger) *Server {
	return &Server{
		cfg:    cfg.withDefaults(),
		sink:   sink,
		logger: logger.With().Str("component", "ingest").Logger(),
		conns:  make(map[net.Conn]struct{}),
	}
}

// Listen binds the endpoint. Errors wrap ErrBind.
func (s *Server) Listen() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w %s: %v", ErrBind, addr, err)
	}
	s.listener = ln
	s.started = time.Now().UTC()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Ranging endpoint listening")
	return nil
}

// Addr returns the bound address, or nil before Listen
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run binds if needed and serves until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	return s.Serve(ctx)
}

// Serve runs the accept loop on a bound listener. On cancellation it closes
// the listener and every peer socket, then waits up to the shutdown grace
// for readers to exit.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return fmt.Errorf("ingest server is not bound")
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		s.listener.Close()
		s.closePeers()
	}()

	var acceptErr error
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() == nil {
				acceptErr = fmt.Errorf("failed to accept: %w", err)
				s.logger.Error().Err(err).Msg("Accept failed")
			}
			break
		}
		s.track(conn)
		s.wg.Add(1)
		go s.handlePeer(ctx, conn)
	}

	// Release peers if the loop ended on an accept error
	s.listener.Close()
	s.closePeers()

	if !s.waitPeers(s.cfg.ShutdownGrace) {
		s.logger.Warn().Dur("grace", s.cfg.ShutdownGrace).Msg("Peer readers did not exit in time")
	}

	c := s.Stats()
	s.logger.Info().
		Uint64("connections", c.ConnectionsTotal).
		Uint64("bytes", c.Bytes).
		Uint64("frames", c.Frames).
		Uint64("measurements", c.Measurements).
		Uint64("dropped_elements", c.DroppedElements).
		Uint64("malformed", c.Malformed).
		Msg("Ranging endpoint stopped")

	return acceptErr
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	s.connsTotal.Add(1)
	s.connsActive.Add(1)
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.connsActive.Add(-1)
}

func (s *Server) closePeers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

func (s *Server) waitPeers(grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(grace):
		return false
	}
}

func (s *Server) handlePeer(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	peer := conn.RemoteAddr().String()
	log := s.logger.With().Str("peer", peer).Logger()
	log.Info().Msg("Peer connected")

	dec := codec.NewDecoder()
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			s.bytes.Add(uint64(n))
			s.consume(dec.Feed(buf[:n]))
		}
		if err != nil {
			switch {
			case ctx.Err() != nil:
				log.Debug().Msg("Peer closed on shutdown")
			case errors.Is(err, io.EOF):
				log.Info().Msg("Peer disconnected")
			default:
				log.Warn().Err(err).Msg("Peer read failed")
			}
			if pending := dec.Buffered(); pending > 0 {
				log.Debug().Int("bytes", pending).Msg("Discarding partial frame")
			}
			return
		}
	}
}

func (s *Server) consume(res codec.Result) {
	if res.Malformed > 0 {
		s.malformed.Add(uint64(res.Malformed))
	}
	if res.Ignored > 0 {
		s.ignored.Add(uint64(res.Ignored))
	}
	for _, batch := range res.Batches {
		s.frames.Add(1)
		if batch.Dropped > 0 {
			s.dropped.Add(uint64(batch.Dropped))
		}
		for _, m := range batch.Measurements {
			m.Source = messages.SourceTCP
			s.sink.Submit(m)
		}
		s.measurements.Add(uint64(len(batch.Measurements)))
	}
}

// Stats returns the current counters
func (s *Server) Stats() Counters {
	return Counters{
		ConnectionsTotal:  s.connsTotal.Load(),
		ConnectionsActive: s.connsActive.Load(),
		Bytes:             s.bytes.Load(),
		Frames:            s.frames.Load(),
		Measurements:      s.measurements.Load(),
		DroppedElements:   s.dropped.Load(),
		Malformed:         s.malformed.Load(),
		Ignored:           s.ignored.Load(),
		StartedAt:         s.started,
	}
}
