package message

import (
	"github.com/nullstream/spopagent/internal/spop/spoperr"
	"github.com/nullstream/spopagent/internal/spop/value"
	"github.com/nullstream/spopagent/internal/spop/wire"
)

// EncodeAck encodes an ACK body: a varint action count followed by
// each action's wire form.
func EncodeAck(actions []Action) []byte {
	buf := wire.PutUvarint(nil, uint64(len(actions)))
	for _, action := range actions {
		buf = encodeAction(buf, action)
	}
	return buf
}

func encodeAction(buf []byte, a Action) []byte {
	buf = append(buf, byte(a.Kind))
	buf = append(buf, byte(a.Scope))
	buf = encodeString(buf, a.Name)
	if a.Kind == ActionSetVar {
		buf = value.Encode(buf, a.Value)
	}
	return buf
}

// DecodeAck parses an ACK body, mirroring EncodeAck. The core never
// needs to decode its own ACKs in production, but round-trip tests and
// any conformance harness speaking the load-balancer side do.
func DecodeAck(body []byte) ([]Action, error) {
	count, n, err := wire.DecodeUvarint(body)
	if err != nil {
		return nil, spoperr.Wrap(spoperr.CategoryProtocol, err)
	}
	rest := body[n:]

	actions := make([]Action, 0, count)
	for i := uint64(0); i < count; i++ {
		a, an, err := decodeAction(rest)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
		rest = rest[an:]
	}
	return actions, nil
}

func decodeAction(buf []byte) (Action, int, error) {
	if len(buf) < 2 {
		return Action{}, 0, spoperr.ErrProtocol
	}
	kind := ActionKind(buf[0])
	scope := Scope(buf[1])
	rest := buf[2:]
	n := 2

	name, nn, err := decodeString(rest)
	if err != nil {
		return Action{}, 0, err
	}
	rest = rest[nn:]
	n += nn

	switch kind {
	case ActionSetVar:
		v, vn, err := value.Decode(rest)
		if err != nil {
			return Action{}, 0, spoperr.Wrap(spoperr.CategoryProtocol, err)
		}
		n += vn
		return Action{Kind: kind, Scope: scope, Name: name, Value: v}, n, nil
	case ActionUnsetVar:
		return Action{Kind: kind, Scope: scope, Name: name}, n, nil
	default:
		return Action{}, 0, spoperr.ErrProtocol
	}
}
