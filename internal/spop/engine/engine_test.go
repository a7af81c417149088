package engine

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nullstream/spopagent/internal/spop/frame"
	"github.com/nullstream/spopagent/internal/spop/handler"
	"github.com/nullstream/spopagent/internal/spop/message"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestEngineValidateRequiresPortAndHandler(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error for missing port and handler")
	}
	noop := handler.Func(func(ctx context.Context, msg message.Message) []message.Action { return nil })
	if _, err := New(Config{Handler: noop}); err == nil {
		t.Fatalf("expected error for missing port")
	}
}

func TestEngineAcceptsAndServesConnections(t *testing.T) {
	port := freePort(t)
	noop := handler.Func(func(ctx context.Context, msg message.Message) []message.Action { return nil })
	e, err := New(Config{Port: port, Handler: noop, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	go e.Start()
	waitListening(t, port)
	defer e.Stop()

	conn, err := net.Dial("tcp", addr(port))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	sendHelloOnConn(t, conn)
	reply, err := frame.ReadFrame(conn, 65535)
	if err != nil {
		t.Fatalf("read agent-hello: %v", err)
	}
	if reply.Kind != frame.KindAgentHello {
		t.Fatalf("expected agent-hello, got %v", reply.Kind)
	}
	if e.ActiveConnections() != 1 {
		t.Fatalf("expected 1 active connection, got %d", e.ActiveConnections())
	}
}

func TestEngineDefaultsPipeliningToTrue(t *testing.T) {
	port := freePort(t)
	noop := handler.Func(func(ctx context.Context, msg message.Message) []message.Action { return nil })
	e, err := New(Config{Port: port, Handler: noop, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	caps := e.Status().Capabilities
	if len(caps) != 1 || caps[0] != "pipelining" {
		t.Fatalf("expected default config to advertise pipelining, got %v", caps)
	}
}

func TestEngineFiresConnLifecycleHooks(t *testing.T) {
	port := freePort(t)
	noop := handler.Func(func(ctx context.Context, msg message.Message) []message.Action { return nil })

	var mu sync.Mutex
	accepted, closed := 0, 0
	e, err := New(Config{
		Port:    port,
		Handler: noop,
		Logger:  zerolog.Nop(),
		OnConnAccepted: func() {
			mu.Lock()
			accepted++
			mu.Unlock()
		},
		OnConnClosed: func() {
			mu.Lock()
			closed++
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	go e.Start()
	waitListening(t, port)
	defer e.Stop()

	conn, err := net.Dial("tcp", addr(port))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	sendHelloOnConn(t, conn)
	if _, err := frame.ReadFrame(conn, 65535); err != nil {
		t.Fatalf("read agent-hello: %v", err)
	}
	conn.Close()

	// waitListening's probe dial is itself an accepted connection, so
	// two connections have come and gone: the probe and conn.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := closed
		mu.Unlock()
		if got >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if accepted != 2 {
		t.Fatalf("expected OnConnAccepted to fire once per connection (2), got %d", accepted)
	}
	if closed != 2 {
		t.Fatalf("expected OnConnClosed to fire once per connection (2), got %d", closed)
	}
}

func TestEngineDoubleStartFails(t *testing.T) {
	port := freePort(t)
	noop := handler.Func(func(ctx context.Context, msg message.Message) []message.Action { return nil })
	e, err := New(Config{Port: port, Handler: noop, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go e.Start()
	waitListening(t, port)
	defer e.Stop()

	if err := e.Start(); err == nil {
		t.Fatalf("expected second Start to fail")
	}
}

func addr(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

func waitListening(t *testing.T, port int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr(port), 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("engine never started listening on port %d", port)
}

func sendHelloOnConn(t *testing.T, conn net.Conn) {
	t.Helper()
	var buf []byte
	buf = appendStr(buf, "supported-versions")
	buf = appendUvarintB(buf, 1)
	buf = appendStr(buf, "2.0")
	buf = appendStr(buf, "max-frame-size")
	buf = appendUvarintB(buf, 16384)
	buf = appendStr(buf, "capabilities")
	buf = appendUvarintB(buf, 0)
	if err := frame.WriteFrame(conn, frame.Frame{Kind: frame.KindHaproxyHello, Payload: buf}); err != nil {
		t.Fatalf("write hello: %v", err)
	}
}

func appendStr(buf []byte, s string) []byte {
	buf = appendUvarintB(buf, uint64(len(s)))
	return append(buf, s...)
}

func appendUvarintB(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}
