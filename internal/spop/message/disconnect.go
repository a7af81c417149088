package message

import (
	"github.com/nullstream/spopagent/internal/spop/spoperr"
	"github.com/nullstream/spopagent/internal/spop/wire"
)

// StatusCode is the reason code carried in a DISCONNECT body.
type StatusCode uint64

const (
	StatusOK    StatusCode = 0
	StatusRetry StatusCode = 1
	StatusStop  StatusCode = 2
	StatusAbort StatusCode = 3
)

// Disconnect is the decoded body shared by HAPROXY-DISCONNECT and
// AGENT-DISCONNECT frames.
type Disconnect struct {
	Status  StatusCode
	Message string
}

// EncodeDisconnect encodes a DISCONNECT body: a varint status code
// followed by a length-prefixed message string.
func EncodeDisconnect(d Disconnect) []byte {
	buf := wire.PutUvarint(nil, uint64(d.Status))
	return encodeString(buf, d.Message)
}

// DecodeDisconnect parses a DISCONNECT body.
func DecodeDisconnect(body []byte) (Disconnect, error) {
	status, n, err := wire.DecodeUvarint(body)
	if err != nil {
		return Disconnect{}, spoperr.Wrap(spoperr.CategoryProtocol, err)
	}
	rest := body[n:]

	msg, _, err := decodeString(rest)
	if err != nil {
		return Disconnect{}, err
	}
	return Disconnect{Status: StatusCode(status), Message: msg}, nil
}
