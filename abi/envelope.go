package abi

import (
	"encoding/binary"
	"fmt"
)

// Outcome classifies a completed asynchronous operation.
type Outcome uint8

const (
	OutcomeOK Outcome = iota
	OutcomeError
	OutcomeTimeout
	OutcomeClosed
	OutcomeCanceled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeError:
		return "error"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeClosed:
		return "closed"
	case OutcomeCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

// envelopeHeader is outcome(1) + status(2) + conn(8) + head_len(4).
const envelopeHeader = 15

// IOResult is the value handed to a guest's resume export.
//
// Status is the HTTP status code for http_request. Conn is the connection
// handle for ws_connect and the connection an op ran on for ws_send/ws_recv.
// Head is the HTTP response head. Body is the response body, the received
// message, or the error text when Outcome is not OutcomeOK.
type IOResult struct {
	Outcome Outcome
	Status  uint16
	Conn    uint64
	Head    []byte
	Body    []byte
}

// Failed builds a non-OK result carrying msg as its body.
func Failed(outcome Outcome, msg string) IOResult {
	return IOResult{Outcome: outcome, Body: []byte(msg)}
}

// OK reports whether the operation succeeded.
func (r IOResult) OK() bool {
	return r.Outcome == OutcomeOK
}

// Size returns the encoded length.
func (r IOResult) Size() int {
	return envelopeHeader + len(r.Head) + len(r.Body)
}

// Encode serializes the result as
// [outcome u8][status u16][conn u64][head_len u32][head][body], little-endian.
func (r IOResult) Encode() []byte {
	buf := make([]byte, r.Size())
	buf[0] = byte(r.Outcome)
	binary.LittleEndian.PutUint16(buf[1:], r.Status)
	binary.LittleEndian.PutUint64(buf[3:], r.Conn)
	binary.LittleEndian.PutUint32(buf[11:], uint32(len(r.Head)))
	n := copy(buf[envelopeHeader:], r.Head)
	copy(buf[envelopeHeader+n:], r.Body)
	return buf
}

// DecodeIOResult parses an encoded result.
func DecodeIOResult(b []byte) (IOResult, error) {
	var r IOResult
	if len(b) < envelopeHeader {
		return r, fmt.Errorf("io result: short buffer (%d bytes)", len(b))
	}
	r.Outcome = Outcome(b[0])
	r.Status = binary.LittleEndian.Uint16(b[1:])
	r.Conn = binary.LittleEndian.Uint64(b[3:])
	headLen := binary.LittleEndian.Uint32(b[11:])
	rest := b[envelopeHeader:]
	if uint64(headLen) > uint64(len(rest)) {
		return r, fmt.Errorf("io result: head length %d exceeds buffer", headLen)
	}
	r.Head = rest[:headLen]
	r.Body = rest[headLen:]
	return r, nil
}
