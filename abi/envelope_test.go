package abi

import (
	"bytes"
	"testing"
)

func TestIOResult_Encode(t *testing.T) {
	r := IOResult{
		Outcome: OutcomeOK,
		Status:  200,
		Conn:    0x0102030405060708,
		Head:    []byte("HTTP/1.1 200 OK\r\n\r\n"),
		Body:    []byte("body"),
	}
	b := r.Encode()
	if len(b) != r.Size() || len(b) != 15+len(r.Head)+4 {
		t.Fatalf("encoded length = %d, Size = %d", len(b), r.Size())
	}
	want := []byte{0, 200, 0, 8, 7, 6, 5, 4, 3, 2, 1, byte(len(r.Head)), 0, 0, 0}
	if !bytes.Equal(b[:15], want) {
		t.Errorf("header = % x, want % x", b[:15], want)
	}

	got, err := DecodeIOResult(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.Outcome != r.Outcome || got.Status != r.Status || got.Conn != r.Conn ||
		!bytes.Equal(got.Head, r.Head) || !bytes.Equal(got.Body, r.Body) {
		t.Errorf("decoded = %+v", got)
	}
}

func TestFailed(t *testing.T) {
	r := Failed(OutcomeTimeout, "deadline")
	if r.OK() {
		t.Error("failed result reports OK")
	}
	b := r.Encode()
	if b[0] != byte(OutcomeTimeout) {
		t.Errorf("outcome byte = %d", b[0])
	}
	if string(b[15:]) != "deadline" {
		t.Errorf("body = %q", b[15:])
	}
}

func TestDecodeIOResult_Errors(t *testing.T) {
	if _, err := DecodeIOResult(make([]byte, 14)); err == nil {
		t.Error("short buffer accepted")
	}
	b := IOResult{Head: []byte("abc")}.Encode()
	b[11] = 200
	if _, err := DecodeIOResult(b); err == nil {
		t.Error("oversized head length accepted")
	}
}

func TestOutcome_String(t *testing.T) {
	tests := map[Outcome]string{
		OutcomeOK:       "ok",
		OutcomeError:    "error",
		OutcomeTimeout:  "timeout",
		OutcomeClosed:   "closed",
		OutcomeCanceled: "canceled",
		Outcome(42):     "outcome(42)",
	}
	for o, want := range tests {
		if o.String() != want {
			t.Errorf("%d.String() = %q, want %q", uint8(o), o.String(), want)
		}
	}
}
