package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"schedd/internal/protocol"
	"schedd/internal/scheduler"
	logx "schedd/pkg/logx"
)

// Config controls the command server.
type Config struct {
	Addr string

	// MaxConns bounds concurrently served connections.
	MaxConns int
	// MaxMessageBytes bounds one request. 0 disables the bound.
	MaxMessageBytes int

	// ReadTimeout bounds the wait for each request, idle time included.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// AcceptRate limits accepted connections per second. 0 means unlimited.
	AcceptRate  float64
	AcceptBurst int
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "localhost:9000"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 64
	}
	if c.MaxMessageBytes < 0 {
		c.MaxMessageBytes = 0
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.AcceptRate < 0 {
		c.AcceptRate = 0
	}
	if c.AcceptRate > 0 && c.AcceptBurst <= 0 {
		c.AcceptBurst = max(1, int(c.AcceptRate))
	}
	return c
}

// Scheduler is the part of the scheduler service the server drives.
type Scheduler interface {
	Upsert(sp scheduler.Spec) (scheduler.EventInfo, bool, error)
	Ack(id string) bool
	Lookup(id string) (scheduler.EventInfo, bool)
	Pending() []scheduler.PendingEntry
	Events() []scheduler.EventInfo
	History(limit int) []scheduler.FireRecord
	Stats() scheduler.Stats
}

// Stats are connection counters.
type Stats struct {
	Active   int64  `json:"active" msgpack:"active"`
	Accepted uint64 `json:"accepted" msgpack:"accepted"`
	Messages uint64 `json:"messages" msgpack:"messages"`
	Rejected uint64 `json:"rejected" msgpack:"rejected"` // 400 replies
}

type Option func(*Server)

// WithOnListen registers fn to run once the listener is bound.
func WithOnListen(fn func(net.Addr)) Option { return func(s *Server) { s.onListen = fn } }

// Server accepts connections and serves each on its own goroutine.
type Server struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	sem     chan struct{}
	addr    net.Addr

	log      logx.Logger
	sched    Scheduler
	ops      map[string]opFunc
	onListen func(net.Addr)

	active   atomic.Int64
	accepted atomic.Uint64
	messages atomic.Uint64
	rejected atomic.Uint64
}

func New(cfg Config, sched Scheduler, log logx.Logger, opts ...Option) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:   cfg,
		sem:   make(chan struct{}, cfg.MaxConns),
		log:   log,
		sched: sched,
	}
	s.limiter = newLimiter(cfg)
	s.ops = s.newOps()
	for _, o := range opts {
		o(s)
	}
	return s
}

func newLimiter(cfg Config) *rate.Limiter {
	if cfg.AcceptRate <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(cfg.AcceptRate), cfg.AcceptBurst)
}

func (s *Server) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply updates limits and timeouts live. Addr changes need a new Serve.
func (s *Server) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cfg
	s.cfg = cfg
	if prev.AcceptRate != cfg.AcceptRate || prev.AcceptBurst != cfg.AcceptBurst {
		s.limiter = newLimiter(cfg)
	}
	if prev.MaxConns != cfg.MaxConns {
		// Connections holding a slot release it to the channel they took it from.
		s.sem = make(chan struct{}, cfg.MaxConns)
	}
}

// Addr is the bound listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) Stats() Stats {
	return Stats{
		Active:   s.active.Load(),
		Accepted: s.accepted.Load(),
		Messages: s.messages.Load(),
		Rejected: s.rejected.Load(),
	}
}

// ListenAndServe binds the configured address and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := s.Config().Addr
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts on ln until ctx is done, returning ctx.Err(). Any other
// return means the listener failed and the caller should restart it.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()
	stopClose := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stopClose()
	defer ln.Close()

	s.log.Info("command server listening", logx.String("addr", ln.Addr().String()))
	if s.onListen != nil {
		s.onListen(ln.Addr())
	}

	// Connections end with Serve, whatever the reason.
	connCtx, cancelConns := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancelConns()
		wg.Wait()
	}()

	var backoff time.Duration
	for {
		s.mu.Lock()
		sem, lim := s.sem, s.limiter
		s.mu.Unlock()

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				<-sem
				return ctx.Err()
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			<-sem
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept: %w", err)
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			s.log.Warn("accept failed; retrying", logx.Duration("backoff", backoff), logx.Err(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0
		s.accepted.Add(1)

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			s.serveConn(connCtx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	worker := "conn-" + uuid.NewString()[:8]
	log := s.log.With(logx.String("worker", worker), logx.String("remote", conn.RemoteAddr().String()))
	s.active.Add(1)
	stopClose := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stopClose()
		_ = conn.Close()
		s.active.Add(-1)
		log.Debug("connection closed")
	}()
	log.Debug("connection accepted")

	dec := protocol.NewDecoder(conn, s.Config().MaxMessageBytes)
	for ctx.Err() == nil {
		cfg := s.Config()
		_ = conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))

		msg, err := dec.Read()
		codec := dec.Codec()
		if err != nil {
			var ne net.Error
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				return
			case errors.As(err, &ne) && ne.Timeout():
				log.Debug("connection read timeout")
				return
			case errors.Is(err, protocol.ErrProtocol):
				log.Warn("Not valid request received", logx.Err(err))
				if s.reply(conn, codec, protocol.StatusBadRequest, worker, err.Error(), log) != nil {
					return
				}
				continue
			default:
				log.Warn("undecodable request; closing connection", logx.Err(err))
				if s.reply(conn, codec, protocol.StatusBadRequest, worker, err.Error(), log) == nil {
					lingerClose(conn)
				}
				return
			}
		}

		status, body := s.dispatch(msg, log)
		if s.reply(conn, codec, status, worker, body, log) != nil {
			return
		}
	}
}

// lingerClose half-closes conn and discards unread input for a moment, so
// the peer reads the last reply instead of a reset.
func lingerClose(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
	_ = conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
	_, _ = io.Copy(io.Discard, io.LimitReader(conn, 64<<10))
}

func (s *Server) reply(conn net.Conn, codec protocol.Codec, status protocol.Status, worker string, body any, log logx.Logger) error {
	s.messages.Add(1)
	line, err := protocol.AppendResponse(nil, codec, status, worker, body)
	if err != nil {
		log.Error("response encoding failed", logx.Err(err))
		status = protocol.StatusBadRequest
		line, _ = protocol.AppendResponse(nil, codec, status, worker, err.Error())
	}
	if status == protocol.StatusBadRequest {
		s.rejected.Add(1)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.Config().WriteTimeout))
	if _, err := conn.Write(line); err != nil {
		log.Debug("response write failed", logx.Err(err))
		return err
	}
	return nil
}

// dispatch runs one classified request. A panic becomes a 400 reply.
func (s *Server) dispatch(msg protocol.Message, log logx.Logger) (status protocol.Status, body any) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while handling request", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			status, body = protocol.StatusBadRequest, "internal error"
		}
	}()

	switch msg.Kind {
	case protocol.KindUpsert:
		info, created, err := s.sched.Upsert(scheduler.Spec{
			ID:       msg.ID,
			Time:     msg.Time,
			Command:  msg.Cmd,
			Args:     msg.Args,
			Priority: msg.Priority,
		})
		if err != nil {
			log.Warn("event rejected", logx.String("id", msg.ID), logx.Err(err))
			return protocol.StatusBadRequest, err.Error()
		}
		if created {
			return protocol.StatusCreated, info.ID
		}
		return protocol.StatusOK, info.ID
	case protocol.KindService:
		op, ok := s.ops[msg.Cmd]
		if !ok {
			return protocol.StatusBadRequest, fmt.Sprintf("%v: %q", ErrUnknownOp, msg.Cmd)
		}
		res, err := op(msg)
		if err != nil {
			return protocol.StatusBadRequest, err.Error()
		}
		return protocol.StatusOK, res
	default:
		log.Warn("Not valid event")
		return protocol.StatusMalformed, nil
	}
}
