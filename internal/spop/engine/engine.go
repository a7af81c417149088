// Package engine implements the SPOP accept loop: it owns the
// listening socket, spawns one session per accepted connection, and
// exposes the builder surface spec.md 4.E describes. Grounded on
// mirage.Service's NewServiceWithConfig/Serve/Run shape.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nullstream/spopagent/internal/spop/handler"
	"github.com/nullstream/spopagent/internal/spop/session"
	"github.com/nullstream/spopagent/internal/spop/spoperr"
)

// Config is the engine's builder surface.
//
// Pipelining is a *bool rather than bool so New can tell "left unset"
// apart from "explicitly disabled" and merge in DefaultConfig's true
// only in the former case.
type Config struct {
	Port         int
	Handler      handler.Handler
	MaxFrameSize uint32
	IdleTimeout  time.Duration
	Pipelining   *bool

	// DrainTimeout bounds how long Stop waits for in-flight sessions to
	// reach CLOSED before returning. Not named in spec.md 4.E; a real
	// operational necessity for SIGTERM handling (SPEC_FULL.md C).
	DrainTimeout time.Duration

	Logger zerolog.Logger

	// Hooks lets an admin/observability layer subscribe to session
	// events without engine depending on prometheus directly.
	Hooks session.Hooks

	// OnConnAccepted and OnConnClosed, if set, fire around each
	// connection's lifetime so a caller can drive a live-connections
	// gauge without engine importing prometheus directly.
	OnConnAccepted func()
	OnConnClosed   func()
}

func boolPtr(v bool) *bool { return &v }

// DefaultConfig applies spec.md 4.E's stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxFrameSize: 16384,
		IdleTimeout:  30 * time.Second,
		Pipelining:   boolPtr(true),
		DrainTimeout: 5 * time.Second,
		Logger:       zerolog.Nop(),
	}
}

// Validate enforces the builder's required fields.
func (c Config) Validate() error {
	if c.Port == 0 {
		return spoperr.ErrMissingPort
	}
	if c.Handler == nil {
		return spoperr.ErrMissingHandler
	}
	return nil
}

// ConnInfo is a point-in-time snapshot of one live connection's
// negotiated state, used by the admin status surface (SPEC_FULL.md
// B.1). It carries no message payload data.
type ConnInfo struct {
	ID                uint64
	Remote            string
	NegotiatedVersion string
	MaxFrameSize      uint32
	Capabilities      []string
}

// Engine accepts SPOP connections and hands each to an independent
// session task.
type Engine struct {
	cfg Config

	running atomic.Bool
	nextID  atomic.Uint64

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	connInfo map[uint64]ConnInfo
	wg       sync.WaitGroup
}

// New builds an Engine from cfg, filling unset fields with
// DefaultConfig's values. It does not bind the listener yet.
func New(cfg Config) (*Engine, error) {
	d := DefaultConfig()
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = d.MaxFrameSize
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = d.IdleTimeout
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = d.DrainTimeout
	}
	if cfg.Pipelining == nil {
		cfg.Pipelining = d.Pipelining
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:      cfg,
		conns:    make(map[net.Conn]struct{}),
		connInfo: make(map[uint64]ConnInfo),
	}, nil
}

// Start binds the configured port and accepts connections until Stop
// is called or the listener fails. It blocks for the lifetime of the
// engine, matching spec.md 4.E's "accepts forever" description.
func (e *Engine) Start() error {
	if !e.running.CompareAndSwap(false, true) {
		return spoperr.ErrAlreadyStarted
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", e.cfg.Port))
	if err != nil {
		e.running.Store(false)
		return spoperr.Wrap(spoperr.CategoryConnection, err)
	}
	e.mu.Lock()
	e.listener = ln
	e.mu.Unlock()

	e.cfg.Logger.Info().Int("port", e.cfg.Port).Msg("spop engine listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if !e.running.Load() {
				return nil
			}
			return spoperr.Wrap(spoperr.CategoryConnection, err)
		}
		e.trackConn(conn)
		e.wg.Add(1)
		go e.serve(conn)
	}
}

// Stop flips the running flag, closes the listener, and waits up to
// DrainTimeout for in-flight sessions to end. Sessions are not told to
// stop: each ends only on peer disconnect, idle timeout or an error.
// Connections still open when DrainTimeout expires are closed.
func (e *Engine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	e.mu.Lock()
	ln := e.listener
	e.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}

	drained := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(e.cfg.DrainTimeout):
		e.cfg.Logger.Warn().Msg("spop engine drain timeout, forcing remaining connections closed")
		e.closeAllConns()
	}
}

// Running reports whether the engine is currently accepting.
func (e *Engine) Running() bool { return e.running.Load() }

// ActiveConnections reports the number of live session tasks, used by
// the admin status surface.
func (e *Engine) ActiveConnections() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

// Status is the JSON-serializable snapshot the admin status route
// returns (SPEC_FULL.md B.1). It carries no message payload data.
type Status struct {
	Port         int        `json:"port"`
	Running      bool       `json:"running"`
	Capabilities []string   `json:"capabilities"`
	Connections  []ConnInfo `json:"connections"`
}

// Status returns a point-in-time snapshot of the engine's listening
// port and live connections.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	conns := make([]ConnInfo, 0, len(e.connInfo))
	for _, info := range e.connInfo {
		conns = append(conns, info)
	}
	sessCfg := session.Config{Pipelining: e.cfg.Pipelining}.WithDefaults()
	return Status{
		Port:         e.cfg.Port,
		Running:      e.running.Load(),
		Capabilities: sessCfg.SupportedCapabilities(),
		Connections:  conns,
	}
}

func (e *Engine) serve(conn net.Conn) {
	defer e.wg.Done()
	defer e.untrackConn(conn)

	id := e.nextID.Add(1)
	sessCfg := session.Config{
		MaxFrameSize: e.cfg.MaxFrameSize,
		IdleTimeout:  e.cfg.IdleTimeout,
		Pipelining:   e.cfg.Pipelining,
	}

	hooks := e.cfg.Hooks
	innerOnHandshake := hooks.OnHandshake
	remote := conn.RemoteAddr().String()
	hooks.OnHandshake = func(version string, maxFrameSize uint32, capabilities []string) {
		e.recordConnInfo(ConnInfo{
			ID:                id,
			Remote:            remote,
			NegotiatedVersion: version,
			MaxFrameSize:      maxFrameSize,
			Capabilities:      capabilities,
		})
		if innerOnHandshake != nil {
			innerOnHandshake(version, maxFrameSize, capabilities)
		}
	}

	sess := session.New(id, conn, sessCfg, e.cfg.Handler, e.cfg.Logger, hooks)

	ctx := context.Background()
	if err := sess.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		e.cfg.Logger.Warn().Uint64("conn_id", id).Err(err).Msg("spop session ended with error")
	}
	e.forgetConnInfo(id)
}

func (e *Engine) trackConn(conn net.Conn) {
	e.mu.Lock()
	e.conns[conn] = struct{}{}
	e.mu.Unlock()
	if e.cfg.OnConnAccepted != nil {
		e.cfg.OnConnAccepted()
	}
}

func (e *Engine) untrackConn(conn net.Conn) {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	if e.cfg.OnConnClosed != nil {
		e.cfg.OnConnClosed()
	}
}

func (e *Engine) recordConnInfo(info ConnInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connInfo[info.ID] = info
}

func (e *Engine) forgetConnInfo(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.connInfo, id)
}

func (e *Engine) closeAllConns() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for conn := range e.conns {
		_ = conn.Close()
		delete(e.conns, conn)
	}
}
