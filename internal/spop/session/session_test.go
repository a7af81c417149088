package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nullstream/spopagent/internal/spop/frame"
	"github.com/nullstream/spopagent/internal/spop/handler"
	"github.com/nullstream/spopagent/internal/spop/message"
	"github.com/nullstream/spopagent/internal/spop/value"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func sendHello(t *testing.T, conn net.Conn, versions []string, maxFrameSize uint32, caps []string) {
	t.Helper()
	buf := helloBody(t, versions, maxFrameSize, caps)
	if err := frame.WriteFrame(conn, frame.Frame{Kind: frame.KindHaproxyHello, Payload: buf}); err != nil {
		t.Fatalf("write hello: %v", err)
	}
}

func helloBody(t *testing.T, versions []string, maxFrameSize uint32, caps []string) []byte {
	t.Helper()
	// Build a HAPROXY-HELLO body by hand, independent of message's own
	// encoder, so the test exercises DecodeHello against a body this
	// test fully controls.
	var buf []byte
	buf = appendKV(buf, "supported-versions", versions)
	buf = appendUvarintKV(buf, "max-frame-size", uint64(maxFrameSize))
	buf = appendKV(buf, "capabilities", caps)
	return buf
}

func appendKV(buf []byte, key string, list []string) []byte {
	buf = appendString(buf, key)
	buf = appendUvarint(buf, uint64(len(list)))
	for _, s := range list {
		buf = appendString(buf, s)
	}
	return buf
}

func appendUvarintKV(buf []byte, key string, v uint64) []byte {
	buf = appendString(buf, key)
	return appendUvarint(buf, v)
}

func appendString(buf []byte, s string) []byte {
	buf = appendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func appendUvarint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

// TestHandshake covers S1: the agent negotiates version/max-frame-size/
// capabilities and replies with AGENT-HELLO.
func TestHandshake(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	h := handler.Func(func(ctx context.Context, msg message.Message) []message.Action { return nil })
	s := New(1, server, DefaultConfig(), h, testLogger(), Hooks{})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	sendHello(t, client, []string{"2.0"}, 16384, []string{"pipelining"})

	reply, err := frame.ReadFrame(client, 65535)
	if err != nil {
		t.Fatalf("read agent-hello: %v", err)
	}
	if reply.Kind != frame.KindAgentHello {
		t.Fatalf("expected agent-hello, got %v", reply.Kind)
	}
	agentHello, err := message.DecodeAgentHello(reply.Payload)
	if err != nil {
		t.Fatalf("decode agent-hello: %v", err)
	}
	if agentHello.Version != "2.0" || agentHello.MaxFrameSize != 16384 {
		t.Fatalf("unexpected negotiation: %+v", agentHello)
	}
	if len(agentHello.Capabilities) != 1 || agentHello.Capabilities[0] != "pipelining" {
		t.Fatalf("expected pipelining capability, got %+v", agentHello.Capabilities)
	}

	client.Close()
	<-done
}

// TestEchoSetVar covers S2: a NOTIFY produces an ACK carrying the
// handler's SetVar action, echoing stream/frame ids.
func TestEchoSetVar(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	h := handler.Func(func(ctx context.Context, msg message.Message) []message.Action {
		return []message.Action{message.SetVar(message.ScopeSession, "ip_score", value.Int32(95))}
	})
	s := New(1, server, DefaultConfig(), h, testLogger(), Hooks{})
	go s.Run(context.Background())

	sendHello(t, client, []string{"2.0"}, 16384, nil)
	if _, err := frame.ReadFrame(client, 65535); err != nil {
		t.Fatalf("read agent-hello: %v", err)
	}

	notifyBody := message.EncodeNotify([]message.Message{
		{Name: "check-client-ip", Names: []string{"src"}, Args: map[string]value.Value{"src": value.String("8.8.8.8")}},
	})
	if err := frame.WriteFrame(client, frame.Frame{Kind: frame.KindNotify, StreamID: 7, FrameID: 3, Payload: notifyBody}); err != nil {
		t.Fatalf("write notify: %v", err)
	}

	ackFrame, err := frame.ReadFrame(client, 65535)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ackFrame.Kind != frame.KindAck || ackFrame.StreamID != 7 || ackFrame.FrameID != 3 {
		t.Fatalf("unexpected ack envelope: %+v", ackFrame)
	}
	actions, err := message.DecodeAck(ackFrame.Payload)
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if len(actions) != 1 || actions[0].Name != "ip_score" || !actions[0].Value.Equal(value.Int32(95)) {
		t.Fatalf("unexpected actions: %+v", actions)
	}
}

// TestMultiMessageOrderPreserved covers S3.
func TestMultiMessageOrderPreserved(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	h := handler.Func(func(ctx context.Context, msg message.Message) []message.Action {
		return []message.Action{message.SetVar(message.ScopeSession, msg.Name, value.Bool(true))}
	})
	s := New(1, server, DefaultConfig(), h, testLogger(), Hooks{})
	go s.Run(context.Background())

	sendHello(t, client, []string{"2.0"}, 16384, nil)
	frame.ReadFrame(client, 65535)

	notifyBody := message.EncodeNotify([]message.Message{
		{Name: "first", Args: map[string]value.Value{}},
		{Name: "second", Args: map[string]value.Value{}},
	})
	frame.WriteFrame(client, frame.Frame{Kind: frame.KindNotify, StreamID: 1, FrameID: 1, Payload: notifyBody})

	ackFrame, err := frame.ReadFrame(client, 65535)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	actions, err := message.DecodeAck(ackFrame.Payload)
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if len(actions) != 2 || actions[0].Name != "first" || actions[1].Name != "second" {
		t.Fatalf("expected actions in message order, got %+v", actions)
	}
}

// TestDisconnectClosesWithoutAck covers S4.
func TestDisconnectClosesWithoutAck(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	h := handler.Func(func(ctx context.Context, msg message.Message) []message.Action { return nil })
	s := New(1, server, DefaultConfig(), h, testLogger(), Hooks{})
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	sendHello(t, client, []string{"2.0"}, 16384, nil)
	frame.ReadFrame(client, 65535)

	disconnectBody := message.EncodeDisconnect(message.Disconnect{Status: message.StatusStop, Message: "bye"})
	frame.WriteFrame(client, frame.Frame{Kind: frame.KindHaproxyDisconnect, Payload: disconnectBody})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not close after disconnect")
	}
}

// TestOversizedFrameClosesConnection covers S5.
func TestOversizedFrameClosesConnection(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	h := handler.Func(func(ctx context.Context, msg message.Message) []message.Action { return nil })
	cfg := DefaultConfig()
	cfg.MaxFrameSize = 4096
	s := New(1, server, cfg, h, testLogger(), Hooks{})
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	sendHello(t, client, []string{"2.0"}, 4096, nil)
	frame.ReadFrame(client, 65535)

	var lenBuf [4]byte
	lenBuf[2] = 0x13
	lenBuf[3] = 0x88 // 5000
	client.Write(lenBuf[:])

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not close after oversized frame")
	}
}

// TestHandlerPanicIsolatesMessage covers S6.
func TestHandlerPanicIsolatesMessage(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	h := handler.Func(func(ctx context.Context, msg message.Message) []message.Action {
		if msg.Name == "middle" {
			panic("boom")
		}
		return []message.Action{message.SetVar(message.ScopeSession, msg.Name, value.Bool(true))}
	})
	s := New(1, server, DefaultConfig(), h, testLogger(), Hooks{})
	go s.Run(context.Background())

	sendHello(t, client, []string{"2.0"}, 16384, nil)
	frame.ReadFrame(client, 65535)

	notifyBody := message.EncodeNotify([]message.Message{
		{Name: "first", Args: map[string]value.Value{}},
		{Name: "middle", Args: map[string]value.Value{}},
		{Name: "last", Args: map[string]value.Value{}},
	})
	frame.WriteFrame(client, frame.Frame{Kind: frame.KindNotify, StreamID: 1, FrameID: 1, Payload: notifyBody})

	ackFrame, err := frame.ReadFrame(client, 65535)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	actions, err := message.DecodeAck(ackFrame.Payload)
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if len(actions) != 2 || actions[0].Name != "first" || actions[1].Name != "last" {
		t.Fatalf("expected actions from first and last only, got %+v", actions)
	}
}

func TestHooksFireOnHandshakeAndNotify(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	var handshakeVersion string
	var notifyConnID, notifyStreamID, notifyFrameID uint64
	var notifyNames []string
	var notifyActionCount int
	notified := make(chan struct{}, 1)

	h := handler.Func(func(ctx context.Context, msg message.Message) []message.Action {
		return []message.Action{message.SetVar(message.ScopeSession, "x", value.Bool(true))}
	})
	hooks := Hooks{
		OnHandshake: func(version string, maxFrameSize uint32, capabilities []string) {
			handshakeVersion = version
		},
		OnNotify: func(connID, streamID, frameID uint64, messageNames []string, actionCount int) {
			notifyConnID, notifyStreamID, notifyFrameID = connID, streamID, frameID
			notifyNames, notifyActionCount = messageNames, actionCount
			notified <- struct{}{}
		},
	}
	s := New(9, server, DefaultConfig(), h, testLogger(), hooks)
	go s.Run(context.Background())

	sendHello(t, client, []string{"2.0"}, 16384, nil)
	frame.ReadFrame(client, 65535)

	notifyBody := message.EncodeNotify([]message.Message{{Name: "check-client-ip", Args: map[string]value.Value{}}})
	frame.WriteFrame(client, frame.Frame{Kind: frame.KindNotify, StreamID: 4, FrameID: 2, Payload: notifyBody})
	frame.ReadFrame(client, 65535)

	// OnNotify fires after the ACK write returns, which can be after the
	// read above completes.
	select {
	case <-notified:
	case <-time.After(2 * time.Second):
		t.Fatalf("OnNotify did not fire after the ACK was written")
	}

	if handshakeVersion != "2.0" {
		t.Fatalf("expected OnHandshake to fire with negotiated version, got %q", handshakeVersion)
	}
	if notifyConnID != 9 || notifyStreamID != 4 || notifyFrameID != 2 {
		t.Fatalf("unexpected OnNotify ids: conn=%d stream=%d frame=%d", notifyConnID, notifyStreamID, notifyFrameID)
	}
	if len(notifyNames) != 1 || notifyNames[0] != "check-client-ip" || notifyActionCount != 1 {
		t.Fatalf("unexpected OnNotify payload: names=%v actions=%d", notifyNames, notifyActionCount)
	}
}

func TestNegotiateVersionFallback(t *testing.T) {
	if v := negotiateVersion(nil); v != "2.0" {
		t.Fatalf("expected fallback 2.0, got %q", v)
	}
	if v := negotiateVersion([]string{"2.1", "2.0"}); v != "2.1" {
		t.Fatalf("expected first offered version, got %q", v)
	}
}

func TestNegotiateMaxFrameSize(t *testing.T) {
	if got := negotiateMaxFrameSize(8192, 16384); got != 8192 {
		t.Fatalf("expected min(8192,16384)=8192, got %d", got)
	}
	if got := negotiateMaxFrameSize(32768, 16384); got != 16384 {
		t.Fatalf("expected min(32768,16384)=16384, got %d", got)
	}
}

func TestNegotiateCapabilitiesIntersection(t *testing.T) {
	got := negotiateCapabilities([]string{"pipelining", "async"}, []string{"pipelining"})
	if len(got) != 1 || got[0] != "pipelining" {
		t.Fatalf("expected intersection [pipelining], got %+v", got)
	}
}

func TestFragmentedNotifyRejected(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	h := handler.Func(func(ctx context.Context, msg message.Message) []message.Action { return nil })
	s := New(1, server, DefaultConfig(), h, testLogger(), Hooks{})
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	sendHello(t, client, []string{"2.0"}, 16384, nil)
	frame.ReadFrame(client, 65535)

	notifyBody := message.EncodeNotify([]message.Message{{Name: "any", Args: map[string]value.Value{}}})
	frame.WriteFrame(client, frame.Frame{Kind: frame.KindNotify, Flags: frame.FlagFragmented, StreamID: 1, FrameID: 1, Payload: notifyBody})

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected fragmented notify to end the session with an error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not close after fragmented notify")
	}
}
