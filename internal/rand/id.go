package rand

import (
	"math/rand/v2"
)

const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

const idLength = 12

func NewClientID() string {
	return formatID("CLI_")
}

func NewServerID() string {
	return formatID("SRV_")
}

func NewRequestID() string {
	return formatID("REQ_")
}

func String() string {
	return formatID("")
}

func formatID(prefix string) string {
	b := make([]byte, len(prefix)+idLength)
	copy(b, prefix)
	readIDChars(b[len(prefix):])
	return string(b)
}

// readIDChars fills b with alphabet characters, drawing 6 bits per
// character and rejecting values past the end of the alphabet.
func readIDChars(b []byte) {
	var n int
	for {
		r := rand.Uint64()
		for i := 0; i < 10; i++ {
			if int(r&0x3f) < len(alphabet) {
				b[n] = alphabet[r&0x3f]
				n++
				if n == len(b) {
					return
				}
			}
			r >>= 6
		}
	}
}
