package message

import (
	"github.com/nullstream/spopagent/internal/spop/spoperr"
	"github.com/nullstream/spopagent/internal/spop/value"
	"github.com/nullstream/spopagent/internal/spop/wire"
)

// DecodeNotify parses a NOTIFY body into its contained messages, in
// wire order.
func DecodeNotify(body []byte) ([]Message, error) {
	count, n, err := wire.DecodeUvarint(body)
	if err != nil {
		return nil, spoperr.Wrap(spoperr.CategoryProtocol, err)
	}
	rest := body[n:]

	messages := make([]Message, 0, count)
	for i := uint64(0); i < count; i++ {
		msg, mn, err := decodeMessage(rest)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
		rest = rest[mn:]
	}
	return messages, nil
}

func decodeMessage(buf []byte) (Message, int, error) {
	name, n, err := decodeString(buf)
	if err != nil {
		return Message{}, 0, err
	}
	rest := buf[n:]

	argCount, an, err := wire.DecodeUvarint(rest)
	if err != nil {
		return Message{}, 0, spoperr.Wrap(spoperr.CategoryProtocol, err)
	}
	rest = rest[an:]
	n += an

	args := make(map[string]value.Value, argCount)
	names := make([]string, 0, argCount)
	for i := uint64(0); i < argCount; i++ {
		argName, ann, err := decodeString(rest)
		if err != nil {
			return Message{}, 0, err
		}
		rest = rest[ann:]
		n += ann

		v, vn, err := value.Decode(rest)
		if err != nil {
			return Message{}, 0, spoperr.Wrap(spoperr.CategoryProtocol, err)
		}
		rest = rest[vn:]
		n += vn

		args[argName] = v
		names = append(names, argName)
	}

	return Message{Name: name, Args: args, Names: names}, n, nil
}

// EncodeNotify is the mirror of DecodeNotify, provided for tests and
// for any harness that needs to synthesize NOTIFY traffic.
func EncodeNotify(messages []Message) []byte {
	buf := wire.PutUvarint(nil, uint64(len(messages)))
	for _, msg := range messages {
		buf = encodeMessage(buf, msg)
	}
	return buf
}

func encodeMessage(buf []byte, msg Message) []byte {
	buf = encodeString(buf, msg.Name)
	names := msg.Names
	if names == nil {
		names = make([]string, 0, len(msg.Args))
		for name := range msg.Args {
			names = append(names, name)
		}
	}
	buf = wire.PutUvarint(buf, uint64(len(names)))
	for _, name := range names {
		buf = encodeString(buf, name)
		buf = value.Encode(buf, msg.Args[name])
	}
	return buf
}
