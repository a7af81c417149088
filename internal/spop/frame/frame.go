// Package frame implements the SPOP on-wire envelope: the 4-byte
// length-prefixed, varint-addressed record every direction of the
// protocol uses, for all six frame kinds.
package frame

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/nullstream/spopagent/internal/spop/wire"
)

// Kind identifies one of the six frame kinds SPOP defines.
type Kind uint8

const (
	KindHaproxyHello       Kind = 1
	KindHaproxyDisconnect  Kind = 2
	KindNotify             Kind = 3
	KindAgentHello         Kind = 101
	KindAgentDisconnect    Kind = 102
	KindAck                Kind = 103
)

func (k Kind) String() string {
	switch k {
	case KindHaproxyHello:
		return "haproxy-hello"
	case KindHaproxyDisconnect:
		return "haproxy-disconnect"
	case KindNotify:
		return "notify"
	case KindAgentHello:
		return "agent-hello"
	case KindAgentDisconnect:
		return "agent-disconnect"
	case KindAck:
		return "ack"
	default:
		return "unknown"
	}
}

// KnownKind reports whether k is one of the six defined frame kinds.
func KnownKind(k Kind) bool {
	switch k {
	case KindHaproxyHello, KindHaproxyDisconnect, KindNotify,
		KindAgentHello, KindAgentDisconnect, KindAck:
		return true
	default:
		return false
	}
}

const (
	FlagFragmented uint8 = 0x01
	FlagAbort      uint8 = 0x02
)

var (
	ErrUnknownKind      = errors.New("frame: unknown frame kind")
	ErrFrameTooLarge    = errors.New("frame: declared length exceeds negotiated maximum")
	ErrTruncatedEnvelope = errors.New("frame: truncated envelope")
)

// Frame is one decoded envelope: the fixed header fields plus the
// kind-specific body, still opaque bytes at this layer.
type Frame struct {
	Kind     Kind
	Flags    uint8
	StreamID uint64
	FrameID  uint64
	Payload  []byte
}

// Fragmented reports whether the FRAGMENTED flag bit is set.
func (f Frame) Fragmented() bool { return f.Flags&FlagFragmented != 0 }

// Abort reports whether the ABORT flag bit is set.
func (f Frame) Abort() bool { return f.Flags&FlagAbort != 0 }

// ReadFrame reads one length-prefixed frame from r. maxFrameSize
// bounds the payload length declared in the length prefix; a
// connection must reject an oversized frame without reading its body
// (spec.md invariant 4), so the length check happens before any body
// bytes are consumed.
func ReadFrame(r io.Reader, maxFrameSize uint32) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, err
	}
	declared := binary.BigEndian.Uint32(lenBuf[:])
	if declared > maxFrameSize {
		return Frame{}, ErrFrameTooLarge
	}

	body := make([]byte, declared)
	if declared > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return Frame{}, err
		}
	}
	return decodeBody(body)
}

func decodeBody(body []byte) (Frame, error) {
	if len(body) < 2 {
		return Frame{}, ErrTruncatedEnvelope
	}
	kind := Kind(body[0])
	if !KnownKind(kind) {
		return Frame{}, ErrUnknownKind
	}
	flags := body[1]
	rest := body[2:]

	streamID, n, err := wire.DecodeUvarint(rest)
	if err != nil {
		return Frame{}, err
	}
	rest = rest[n:]

	frameID, n, err := wire.DecodeUvarint(rest)
	if err != nil {
		return Frame{}, err
	}
	rest = rest[n:]

	payload := make([]byte, len(rest))
	copy(payload, rest)

	return Frame{
		Kind:     kind,
		Flags:    flags,
		StreamID: streamID,
		FrameID:  frameID,
		Payload:  payload,
	}, nil
}

// WriteFrame writes f to w as one length-prefixed envelope.
func WriteFrame(w io.Writer, f Frame) error {
	body := EncodeBody(f)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// EncodeBody encodes f's kind/flags/ids/payload without the 4-byte
// length prefix, for callers that need the raw body length first
// (e.g. to size the prefix themselves).
func EncodeBody(f Frame) []byte {
	buf := make([]byte, 0, 2+wire.MaxVarintLen*2+len(f.Payload))
	buf = append(buf, byte(f.Kind), f.Flags)
	buf = wire.PutUvarint(buf, f.StreamID)
	buf = wire.PutUvarint(buf, f.FrameID)
	buf = append(buf, f.Payload...)
	return buf
}
