package bus

import "github.com/livekit/psflight/internal/wire"

// These helpers are only exposed during tests.

func RawRead(r Reader) ([]byte, bool) {
	return r.read()
}

func Deserialize(b []byte) (wire.Message, error) {
	return deserialize(b)
}
