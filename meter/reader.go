package meter

import (
	"errors"
	"fmt"
	"io"
)

var errOverflow = errors.New("leb128: overflow")

// reader is a cursor over a byte slice with WASM-specific read methods.
type reader struct {
	buf []byte
	pos int
}

func newReader(b []byte) *reader {
	return &reader{buf: b}
}

func (r *reader) eof() bool {
	return r.pos >= len(r.buf)
}

func (r *reader) readByte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) peek() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	return r.buf[r.pos], nil
}

func (r *reader) bytes(n uint32) ([]byte, error) {
	if uint64(r.pos)+uint64(n) > uint64(len(r.buf)) {
		return nil, io.ErrUnexpectedEOF
	}
	b := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}

func (r *reader) skip(n int) error {
	if r.pos+n > len(r.buf) {
		return io.ErrUnexpectedEOF
	}
	r.pos += n
	return nil
}

// u32 reads an unsigned LEB128 encoded uint32.
func (r *reader) u32() (uint32, error) {
	var result uint32
	var shift uint
	for {
		b, err := r.readByte()
		if err != nil {
			return 0, err
		}
		result |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
		if shift >= 35 {
			return 0, errOverflow
		}
	}
}

// skipSigned skips a signed LEB128 value of at most bits bits.
func (r *reader) skipSigned(bits uint) error {
	maxBytes := int((bits + 6) / 7)
	for i := 0; i < maxBytes; i++ {
		b, err := r.readByte()
		if err != nil {
			return err
		}
		if b&0x80 == 0 {
			return nil
		}
	}
	return errOverflow
}

func (r *reader) name() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) limits() (limits, error) {
	var l limits
	flags, err := r.readByte()
	if err != nil {
		return l, err
	}
	if flags > 0x01 {
		return l, fmt.Errorf("%w: limits flags 0x%02x", errUnsupported, flags)
	}
	if l.min, err = r.u32(); err != nil {
		return l, err
	}
	if flags == 0x01 {
		if l.max, err = r.u32(); err != nil {
			return l, err
		}
		l.hasMax = true
	}
	return l, nil
}

type limits struct {
	min    uint32
	max    uint32
	hasMax bool
}

func appendU32(b []byte, v uint32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		b = append(b, c)
		if v == 0 {
			return b
		}
	}
}

func appendS64(b []byte, v int64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0)
		if !done {
			c |= 0x80
		}
		b = append(b, c)
		if done {
			return b
		}
	}
}

func appendName(b []byte, s string) []byte {
	b = appendU32(b, uint32(len(s)))
	return append(b, s...)
}
