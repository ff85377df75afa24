package host

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/sha3"

	executor "github.com/wippyai/wasm-executor"
)

// MaxRandomBytes limits a single random_bytes call.
const MaxRandomBytes = 1 << 20

// Capabilities supplies the clock and entropy seen by a guest.
type Capabilities interface {
	// Now returns milliseconds since the Unix epoch.
	Now() int64
	// Random fills p.
	Random(p []byte)
}

// Deterministic serves contracts. The clock is frozen at the request
// timestamp and randomness is a ChaCha20 keystream keyed by the request, so
// replaying a request reproduces every value the guest observes.
type Deterministic struct {
	now    int64
	stream *chacha20.Cipher
}

// NewDeterministic derives the capabilities of one contract invocation.
func NewDeterministic(req *executor.ActionRequest) *Deterministic {
	key := Seed(req)
	var nonce [chacha20.NonceSize]byte
	stream, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		// Key and nonce sizes are fixed.
		panic(err)
	}
	return &Deterministic{now: req.Timestamp, stream: stream}
}

// Seed returns SHA3-256 over the length-prefixed package id, action and
// payload followed by the timestamp and nonce.
func Seed(req *executor.ActionRequest) [32]byte {
	h := sha3.New256()
	var buf [8]byte
	field := func(b []byte) {
		binary.LittleEndian.PutUint64(buf[:], uint64(len(b)))
		h.Write(buf[:])
		h.Write(b)
	}
	field([]byte(req.PackageID))
	field([]byte(req.Action))
	field(req.Payload)
	binary.LittleEndian.PutUint64(buf[:], uint64(req.Timestamp))
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], req.Nonce)
	h.Write(buf[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (d *Deterministic) Now() int64 {
	return d.now
}

func (d *Deterministic) Random(p []byte) {
	clear(p)
	d.stream.XORKeyStream(p, p)
}

// Live serves agents with the wall clock and the system entropy source.
type Live struct{}

func (Live) Now() int64 {
	return time.Now().UnixMilli()
}

func (Live) Random(p []byte) {
	// crypto/rand.Read does not fail on supported platforms.
	_, _ = rand.Read(p)
}
