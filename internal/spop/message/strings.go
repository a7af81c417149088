package message

import (
	"github.com/nullstream/spopagent/internal/spop/spoperr"
	"github.com/nullstream/spopagent/internal/spop/wire"
)

func encodeString(buf []byte, s string) []byte {
	buf = wire.PutUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func decodeString(buf []byte) (string, int, error) {
	length, n, err := wire.DecodeUvarint(buf)
	if err != nil {
		return "", 0, spoperr.Wrap(spoperr.CategoryProtocol, err)
	}
	end := n + int(length)
	if end < n || end > len(buf) {
		return "", 0, spoperr.ErrProtocol
	}
	return string(buf[n:end]), end, nil
}
