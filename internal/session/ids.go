package session

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"
	"time"
)

var sessionCounter atomic.Uint64

// MintSessionID returns a new unique session ID. The ID combines a process
// counter, random bits, a millisecond timestamp, and the server PID so that
// IDs stay unique across concurrent creates and across server restarts.
func MintSessionID() string {
	counter := sessionCounter.Add(1) % 1_000_000

	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// Fall back to the clock; the counter still disambiguates.
		binary.BigEndian.PutUint32(buf[:], uint32(time.Now().UnixNano()))
	}

	return fmt.Sprintf("sess-%06d-%08x-%08x-%04x",
		counter,
		binary.BigEndian.Uint32(buf[:]),
		uint32(time.Now().UnixMilli()),
		os.Getpid()&0xffff)
}
