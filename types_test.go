package executor

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"contract", KindContract, false},
		{"Agent", KindAgent, false},
		{" swagent ", KindAgent, false},
		{"daemon", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseKind(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseKind(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestKind_JSON(t *testing.T) {
	var v struct {
		Kind Kind `json:"kind"`
	}
	if err := json.Unmarshal([]byte(`{"kind":"agent"}`), &v); err != nil {
		t.Fatal(err)
	}
	if v.Kind != KindAgent {
		t.Fatalf("kind = %v", v.Kind)
	}
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"kind":"agent"}` {
		t.Errorf("marshal = %s", b)
	}
	if err := json.Unmarshal([]byte(`{"kind":"x"}`), &v); err == nil {
		t.Error("unknown kind accepted")
	}
	if Kind(9).String() != "unknown" {
		t.Errorf("Kind(9) = %s", Kind(9))
	}
}

func TestContentHash(t *testing.T) {
	h := HashBytecode([]byte("\x00asm"))
	if h.IsZero() {
		t.Fatal("hash is zero")
	}
	if h != HashBytecode([]byte("\x00asm")) {
		t.Fatal("hash is not stable")
	}
	if h == HashBytecode([]byte("\x00asn")) {
		t.Fatal("different bytecode, same hash")
	}
	if len(h.String()) != 2*HashSize || !strings.HasPrefix(h.String(), h.Short()) || len(h.Short()) != 8 {
		t.Errorf("String = %s, Short = %s", h, h.Short())
	}

	parsed, err := ParseContentHash(h.String())
	if err != nil || parsed != h {
		t.Fatalf("ParseContentHash = %v, %v", parsed, err)
	}
	if _, err := ParseContentHash("zz"); err == nil {
		t.Error("non-hex accepted")
	}
	if _, err := ParseContentHash("abcd"); err == nil {
		t.Error("short hash accepted")
	}

	b, err := json.Marshal(h)
	if err != nil {
		t.Fatal(err)
	}
	var back ContentHash
	if err := json.Unmarshal(b, &back); err != nil || back != h {
		t.Errorf("json = %s, back = %v, err = %v", b, back, err)
	}
}

func TestPackage_ContentHash(t *testing.T) {
	p := Package{Bytecode: []byte("code")}
	if p.ContentHash() != HashBytecode([]byte("code")) {
		t.Error("computed hash mismatch")
	}

	declared := HashBytecode([]byte("other"))
	p = Package{Bytecode: []byte("code"), Hash: declared}
	if p.ContentHash() != declared {
		t.Error("declared hash overwritten")
	}
}

func TestStatusAndLevelNames(t *testing.T) {
	if StatusOK.String() != "ok" || StatusAppError.String() != "app_error" || Status(7).String() != "unknown" {
		t.Error("status names")
	}
	levels := map[LogLevel]string{
		LogTrace: "trace", LogDebug: "debug", LogInfo: "info", LogWarn: "warn", LogError: "error", 9: "unknown",
	}
	for l, want := range levels {
		if l.String() != want {
			t.Errorf("LogLevel(%d) = %s, want %s", l, l, want)
		}
	}
}

func TestStatusAndLevel_JSON(t *testing.T) {
	type line struct {
		Status Status   `json:"status"`
		Level  LogLevel `json:"level"`
	}
	for _, in := range []line{{StatusOK, LogTrace}, {StatusAppError, LogError}, {StatusOK, LogWarn}} {
		b, err := json.Marshal(in)
		if err != nil {
			t.Fatal(err)
		}
		var out line
		if err := json.Unmarshal(b, &out); err != nil {
			t.Fatalf("unmarshal %s: %v", b, err)
		}
		if out != in {
			t.Errorf("round trip %s = %+v, want %+v", b, out, in)
		}
	}

	var s Status
	if err := s.UnmarshalText([]byte("unknown")); err == nil {
		t.Error("unknown status accepted")
	}
	var l LogLevel
	if err := l.UnmarshalText([]byte("fatal")); err == nil {
		t.Error("unknown level accepted")
	}
}

func TestActionResult_OK(t *testing.T) {
	var nilResult *ActionResult
	if nilResult.OK() {
		t.Error("nil result is OK")
	}
	if !(&ActionResult{Status: StatusOK}).OK() {
		t.Error("StatusOK not OK")
	}
	if (&ActionResult{Status: StatusAppError, Code: 3}).OK() {
		t.Error("StatusAppError is OK")
	}
}
