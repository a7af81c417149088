package message

import (
	"github.com/nullstream/spopagent/internal/spop/spoperr"
	"github.com/nullstream/spopagent/internal/spop/wire"
)

// PeerHello is the decoded HAPROXY-HELLO body: everything the load
// balancer offers during negotiation.
type PeerHello struct {
	SupportedVersions []string
	MaxFrameSize      uint32
	Capabilities      []string
}

const (
	keySupportedVersions = "supported-versions"
	keyMaxFrameSize      = "max-frame-size"
	keyCapabilities      = "capabilities"
)

// DecodeHello parses a HAPROXY-HELLO body: zero or more key-value
// pairs running to the end of the buffer. Keys outside the three
// recognized names cannot be generically skipped in this
// implementation (their value shapes aren't self-describing), so an
// unrecognized key is a protocol error, per spec.md 4.C's "receiver
// may reject" fallback.
func DecodeHello(body []byte) (PeerHello, error) {
	var hello PeerHello
	var sawMaxFrameSize bool
	rest := body
	for len(rest) > 0 {
		key, n, err := decodeString(rest)
		if err != nil {
			return PeerHello{}, err
		}
		rest = rest[n:]

		switch key {
		case keySupportedVersions:
			versions, n, err := decodeStringList(rest)
			if err != nil {
				return PeerHello{}, err
			}
			hello.SupportedVersions = versions
			rest = rest[n:]
		case keyMaxFrameSize:
			v, n, err := wire.DecodeUvarint(rest)
			if err != nil {
				return PeerHello{}, spoperr.Wrap(spoperr.CategoryProtocol, err)
			}
			hello.MaxFrameSize = uint32(v)
			sawMaxFrameSize = true
			rest = rest[n:]
		case keyCapabilities:
			caps, n, err := decodeStringList(rest)
			if err != nil {
				return PeerHello{}, err
			}
			hello.Capabilities = caps
			rest = rest[n:]
		default:
			return PeerHello{}, spoperr.ErrProtocol
		}
	}
	if !sawMaxFrameSize {
		return PeerHello{}, spoperr.MissingFieldError{Field: keyMaxFrameSize}
	}
	return hello, nil
}

func decodeStringList(buf []byte) ([]string, int, error) {
	count, n, err := wire.DecodeUvarint(buf)
	if err != nil {
		return nil, 0, spoperr.Wrap(spoperr.CategoryProtocol, err)
	}
	rest := buf[n:]
	out := make([]string, 0, count)
	for i := uint64(0); i < count; i++ {
		s, sn, err := decodeString(rest)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, s)
		rest = rest[sn:]
		n += sn
	}
	return out, n, nil
}

// AgentHello is the outbound negotiation response.
type AgentHello struct {
	Version      string
	MaxFrameSize uint32
	Capabilities []string
}

// EncodeAgentHello encodes an AGENT-HELLO body. Per spec.md 4.C the
// body is positional (version, then max-frame-size, then a
// capabilities count and list) rather than the keyed form real
// HAProxy documents; see DESIGN.md's OP-1 note.
func EncodeAgentHello(h AgentHello) []byte {
	buf := make([]byte, 0, 32+len(h.Version))
	buf = encodeString(buf, h.Version)
	buf = wire.PutUvarint(buf, uint64(h.MaxFrameSize))
	buf = wire.PutUvarint(buf, uint64(len(h.Capabilities)))
	for _, cap := range h.Capabilities {
		buf = encodeString(buf, cap)
	}
	return buf
}

// DecodeAgentHello parses an AGENT-HELLO body, matching
// EncodeAgentHello's positional layout. Provided for test round-trips
// and for any consumer that speaks the agent role from the other end.
func DecodeAgentHello(body []byte) (AgentHello, error) {
	version, n, err := decodeString(body)
	if err != nil {
		return AgentHello{}, err
	}
	rest := body[n:]

	maxFrameSize, n, err := wire.DecodeUvarint(rest)
	if err != nil {
		return AgentHello{}, spoperr.Wrap(spoperr.CategoryProtocol, err)
	}
	rest = rest[n:]

	caps, _, err := decodeStringList(rest)
	if err != nil {
		return AgentHello{}, err
	}

	return AgentHello{
		Version:      version,
		MaxFrameSize: uint32(maxFrameSize),
		Capabilities: caps,
	}, nil
}
