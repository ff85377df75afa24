package executor

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Kind distinguishes deterministic contracts from I/O capable agents.
type Kind uint8

const (
	KindContract Kind = iota + 1
	KindAgent
)

func (k Kind) String() string {
	switch k {
	case KindContract:
		return "contract"
	case KindAgent:
		return "agent"
	default:
		return "unknown"
	}
}

// ParseKind parses "contract" or "agent".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "contract":
		return KindContract, nil
	case "agent", "swagent":
		return KindAgent, nil
	default:
		return 0, fmt.Errorf("unknown package kind %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// HashSize is the size of a ContentHash in bytes.
const HashSize = 32

// ContentHash is the SHA3-256 digest of a package's bytecode.
type ContentHash [HashSize]byte

// HashBytecode computes the content hash of bytecode.
func HashBytecode(bytecode []byte) ContentHash {
	return ContentHash(sha3.Sum256(bytecode))
}

// ParseContentHash parses a hex encoded content hash.
func ParseContentHash(s string) (ContentHash, error) {
	var h ContentHash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("parse content hash: %w", err)
	}
	if len(b) != HashSize {
		return h, fmt.Errorf("parse content hash: want %d bytes, got %d", HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

func (h ContentHash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first eight hex characters, for log output.
func (h ContentHash) Short() string {
	return hex.EncodeToString(h[:4])
}

// IsZero reports whether the hash is unset.
func (h ContentHash) IsZero() bool {
	return h == ContentHash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h ContentHash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *ContentHash) UnmarshalText(b []byte) error {
	v, err := ParseContentHash(string(b))
	if err != nil {
		return err
	}
	*h = v
	return nil
}

// Package is a distributable unit of bytecode as handed over by the
// distribution layer. The runtime treats Bytecode and Config as opaque.
type Package struct {
	ID       string
	Version  string
	Kind     Kind
	Bytecode []byte
	// Hash is optional; it is computed from Bytecode when zero.
	Hash ContentHash
	// Config is passed to the guest's init export.
	Config []byte
}

// ContentHash returns the declared hash, computing it if unset.
func (p *Package) ContentHash() ContentHash {
	if p.Hash.IsZero() {
		p.Hash = HashBytecode(p.Bytecode)
	}
	return p.Hash
}

// ActionRequest is the envelope of one contract invocation.
//
// Timestamp and Nonce are fixed inputs of the triggering request. Contracts
// derive now() and random_bytes() from them, so replaying a request yields the
// same result.
type ActionRequest struct {
	PackageID string
	Action    string
	Payload   []byte
	Timestamp int64 // milliseconds since epoch
	Nonce     uint64
}

// Status classifies a completed guest call.
type Status uint8

const (
	StatusOK Status = iota
	StatusAppError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusAppError:
		return "app_error"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "ok":
		*s = StatusOK
	case "app_error":
		*s = StatusAppError
	default:
		return fmt.Errorf("unknown status %q", b)
	}
	return nil
}

// Event is an opaque payload emitted by a guest through emit_event.
type Event struct {
	Data []byte
}

// LogLevel mirrors the level argument of the log import.
type LogLevel uint8

const (
	LogTrace LogLevel = iota
	LogDebug
	LogInfo
	LogWarn
	LogError
)

func (l LogLevel) String() string {
	switch l {
	case LogTrace:
		return "trace"
	case LogDebug:
		return "debug"
	case LogInfo:
		return "info"
	case LogWarn:
		return "warn"
	case LogError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l LogLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *LogLevel) UnmarshalText(b []byte) error {
	for v := LogTrace; v <= LogError; v++ {
		if v.String() == string(b) {
			*l = v
			return nil
		}
	}
	return fmt.Errorf("unknown log level %q", b)
}

// LogLine is one buffered guest log line.
type LogLine struct {
	Timestamp int64 // milliseconds since epoch
	Level     LogLevel
	Message   string
}

// ActionResult is the outcome of a successful or application-failed invocation.
//
// Code is the guest's non-zero return value when Status is StatusAppError.
// Payload holds the bytes the guest passed to set_output.
type ActionResult struct {
	Status   Status
	Code     int32
	Payload  []byte
	Events   []Event
	Logs     []LogLine
	FuelUsed uint64
}

// OK reports whether the guest completed without an application error.
func (r *ActionResult) OK() bool {
	return r != nil && r.Status == StatusOK
}
