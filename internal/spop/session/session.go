// Package session implements the per-connection SPOP state machine:
// INIT -> NEGOTIATING -> LIVE -> CLOSED, grounded on the accept-loop
// per-connection handling shape of the lineage's mirage.Service.
package session

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/nullstream/spopagent/internal/obslog"
	"github.com/nullstream/spopagent/internal/spop/frame"
	"github.com/nullstream/spopagent/internal/spop/handler"
	"github.com/nullstream/spopagent/internal/spop/message"
	"github.com/nullstream/spopagent/internal/spop/spoperr"
)

// State names the four connection-lifecycle stages.
type State uint8

const (
	StateInit State = iota
	StateNegotiating
	StateLive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateNegotiating:
		return "negotiating"
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Hooks lets an owning Engine observe session lifecycle events without
// session importing engine's observability/audit dependencies.
type Hooks struct {
	OnFrame           func(kind frame.Kind)
	OnMessage         func(name string)
	OnHandlerDuration func(name string, d time.Duration)
	OnHandlerError    func(name string)

	// OnHandshake fires once, right after a successful handshake, so an
	// owning Engine can record per-connection negotiation state for its
	// admin status surface without session importing that package.
	OnHandshake func(version string, maxFrameSize uint32, capabilities []string)

	// OnNotify fires after one NOTIFY frame's ACK has been written, so
	// an audit sink can record traffic shape without sitting on the ACK
	// path itself.
	OnNotify func(connID, streamID, frameID uint64, messageNames []string, actionCount int)
}

// Session owns one accepted connection end to end.
type Session struct {
	ID      uint64
	conn    net.Conn
	cfg     Config
	handler handler.Handler
	log     zerolog.Logger
	hooks   Hooks

	state                  State
	negotiatedVersion      string
	negotiatedMaxFrameSize uint32
	negotiatedCapabilities []string
}

// New constructs a Session bound to an accepted connection. It does
// not perform any I/O until Run is called.
func New(id uint64, conn net.Conn, cfg Config, h handler.Handler, log zerolog.Logger, hooks Hooks) *Session {
	return &Session{
		ID:      id,
		conn:    conn,
		cfg:     cfg.WithDefaults(),
		handler: h,
		log:     log.With().Uint64("conn_id", id).Str("remote", conn.RemoteAddr().String()).Logger(),
		hooks:   hooks,
		state:   StateInit,
	}
}

// State reports the session's current lifecycle stage.
func (s *Session) State() State { return s.state }

// NegotiatedVersion reports the version chosen during handshake.
func (s *Session) NegotiatedVersion() string { return s.negotiatedVersion }

// NegotiatedMaxFrameSize reports the effective frame size cap for this
// connection.
func (s *Session) NegotiatedMaxFrameSize() uint32 { return s.negotiatedMaxFrameSize }

// NegotiatedCapabilities reports the agreed capability set.
func (s *Session) NegotiatedCapabilities() []string { return s.negotiatedCapabilities }

// Run drives the session through its full lifecycle: handshake, then
// the NOTIFY/ACK loop, until the peer disconnects, stop is requested
// via ctx, or a fatal error occurs. It always closes the connection
// before returning.
func (s *Session) Run(ctx context.Context) error {
	defer s.conn.Close()

	if err := s.handshake(); err != nil {
		s.log.Warn().Err(err).Msg("spop handshake failed")
		s.state = StateClosed
		return err
	}
	s.state = StateLive
	if s.hooks.OnHandshake != nil {
		s.hooks.OnHandshake(s.negotiatedVersion, s.negotiatedMaxFrameSize, s.negotiatedCapabilities)
	}
	s.log.Info().
		Str("version", s.negotiatedVersion).
		Uint32("max_frame_size", s.negotiatedMaxFrameSize).
		Strs("capabilities", s.negotiatedCapabilities).
		Msg("spop session live")

	err := s.liveLoop(ctx)
	s.state = StateClosed
	return err
}

// handshake reads one HAPROXY-HELLO frame and replies with AGENT-HELLO,
// implementing the INIT -> NEGOTIATING -> (ready for LIVE) transition.
func (s *Session) handshake() error {
	s.state = StateNegotiating

	fr, err := frame.ReadFrame(s.conn, s.cfg.MaxFrameSize)
	if err != nil {
		return spoperr.Wrap(spoperr.CategoryProtocol, err)
	}
	if fr.Kind != frame.KindHaproxyHello {
		return spoperr.ErrUnexpectedHello
	}
	s.recordFrame(fr.Kind)

	hello, err := message.DecodeHello(fr.Payload)
	if err != nil {
		return err
	}

	s.negotiatedVersion = negotiateVersion(hello.SupportedVersions)
	s.negotiatedMaxFrameSize = negotiateMaxFrameSize(hello.MaxFrameSize, s.cfg.MaxFrameSize)
	s.negotiatedCapabilities = negotiateCapabilities(hello.Capabilities, s.cfg.SupportedCapabilities())

	reply := frame.Frame{
		Kind: frame.KindAgentHello,
		Payload: message.EncodeAgentHello(message.AgentHello{
			Version:      s.negotiatedVersion,
			MaxFrameSize: s.negotiatedMaxFrameSize,
			Capabilities: s.negotiatedCapabilities,
		}),
	}
	if err := frame.WriteFrame(s.conn, reply); err != nil {
		return spoperr.Wrap(spoperr.CategoryConnection, err)
	}
	s.recordFrame(reply.Kind)
	return nil
}

// negotiateVersion picks the first offered version, or "2.0" if none
// was offered. spec.md OP-2: a compliant implementation should
// intersect against the agent's supported set instead; this is a
// documented, deliberate limitation, not an oversight.
func negotiateVersion(offered []string) string {
	if len(offered) == 0 {
		return "2.0"
	}
	return offered[0]
}

func negotiateMaxFrameSize(peerOffered, engineConfigured uint32) uint32 {
	if peerOffered < engineConfigured {
		return peerOffered
	}
	return engineConfigured
}

func negotiateCapabilities(peerOffered, agentSupported []string) []string {
	supported := make(map[string]struct{}, len(agentSupported))
	for _, c := range agentSupported {
		supported[c] = struct{}{}
	}
	var out []string
	for _, c := range peerOffered {
		if _, ok := supported[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

// liveLoop implements the LIVE state's read-dispatch-ack cycle until
// disconnect, stop, or a fatal error.
func (s *Session) liveLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if s.cfg.IdleTimeout > 0 {
			if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
				return spoperr.Wrap(spoperr.CategoryConnection, err)
			}
		}

		fr, err := frame.ReadFrame(s.conn, s.negotiatedMaxFrameSize)
		if err != nil {
			if isTimeout(err) {
				s.log.Info().Msg("spop idle timeout")
				return spoperr.Wrap(spoperr.CategoryTimeout, err)
			}
			if errors.Is(err, frame.ErrFrameTooLarge) {
				s.log.Warn().Msg("spop oversized frame, closing")
				return spoperr.Wrap(spoperr.CategoryProtocol, err)
			}
			// EOF or reset: the peer went away. Not every disconnect is
			// preceded by a HAPROXY-DISCONNECT frame.
			return nil
		}
		s.recordFrame(fr.Kind)

		switch fr.Kind {
		case frame.KindNotify:
			frameLog := obslog.ForFrame(s.log, fr.StreamID, fr.FrameID)
			if fr.Fragmented() {
				frameLog.Warn().Msg("spop fragmented notify rejected")
				return spoperr.ErrFragmentedNotify
			}
			if err := s.handleNotify(ctx, fr, frameLog); err != nil {
				return err
			}
		case frame.KindHaproxyDisconnect:
			frameLog := obslog.ForFrame(s.log, fr.StreamID, fr.FrameID)
			d, err := message.DecodeDisconnect(fr.Payload)
			if err != nil {
				frameLog.Warn().Err(err).Msg("spop malformed disconnect body")
			} else {
				frameLog.Info().
					Uint64("status", uint64(d.Status)).
					Str("message", d.Message).
					Msg("spop haproxy disconnect")
			}
			return nil
		default:
			s.log.Debug().Str("kind", fr.Kind.String()).Msg("spop ignoring unexpected frame kind")
		}
	}
}

// handleNotify dispatches every message in one NOTIFY frame and writes
// the resulting ACK. A handler failure on one message never aborts the
// NOTIFY: it contributes zero actions and dispatch continues, matching
// spec.md invariant 5 / scenario S6. log is scoped to this frame's
// stream_id/frame_id so handler-panic and dispatch log lines can be
// correlated with the NOTIFY that produced them.
func (s *Session) handleNotify(ctx context.Context, fr frame.Frame, log zerolog.Logger) error {
	messages, err := message.DecodeNotify(fr.Payload)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(messages))
	var actions []message.Action
	for _, msg := range messages {
		names = append(names, msg.Name)
		actions = append(actions, s.dispatch(ctx, msg, log)...)
	}

	ack := frame.Frame{
		Kind:     frame.KindAck,
		StreamID: fr.StreamID,
		FrameID:  fr.FrameID,
		Payload:  message.EncodeAck(actions),
	}
	if err := frame.WriteFrame(s.conn, ack); err != nil {
		return spoperr.Wrap(spoperr.CategoryConnection, err)
	}
	s.recordFrame(ack.Kind)
	if s.hooks.OnNotify != nil {
		s.hooks.OnNotify(s.ID, fr.StreamID, fr.FrameID, names, len(actions))
	}
	return nil
}

// dispatch calls the handler for one message, recovering a panic so it
// never crosses the connection task boundary: the panic is logged,
// reported through OnHandlerError, and the message yields no actions.
func (s *Session) dispatch(ctx context.Context, msg message.Message, log zerolog.Logger) (actions []message.Action) {
	if s.hooks.OnMessage != nil {
		s.hooks.OnMessage(msg.Name)
	}
	start := time.Now()
	defer func() {
		if s.hooks.OnHandlerDuration != nil {
			s.hooks.OnHandlerDuration(msg.Name, time.Since(start))
		}
		if r := recover(); r != nil {
			log.Error().
				Str("message", msg.Name).
				Interface("panic", r).
				Msg("spop handler panicked, dropping actions for this message")
			if s.hooks.OnHandlerError != nil {
				s.hooks.OnHandlerError(msg.Name)
			}
			actions = nil
		}
	}()
	return s.handler.Process(ctx, msg)
}

func (s *Session) recordFrame(kind frame.Kind) {
	if s.hooks.OnFrame != nil {
		s.hooks.OnFrame(kind)
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
