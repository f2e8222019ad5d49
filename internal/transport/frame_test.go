package transport

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
)

func TestFrameRoundTrip(t *testing.T) {
	hello := Hello{Identity: uuid.New(), ListenAddr: "127.0.0.1:9000", Version: ProtocolVersion}
	f, err := Encode(KindHello, hello)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, f); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Kind != KindHello {
		t.Fatalf("expected kind HELLO, got %s", got.Kind)
	}

	var decoded Hello
	if err := got.Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Identity != hello.Identity {
		t.Fatalf("identity mismatch: %v != %v", decoded.Identity, hello.Identity)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF, byte(KindPing)})

	if _, err := ReadFrame(&buf); err == nil {
		t.Fatal("expected error for oversized frame length")
	}
}

func TestMultipleFramesOnStream(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 3; i++ {
		f, _ := Encode(KindPing, struct{}{})
		WriteFrame(&buf, f)
	}
	for i := 0; i < 3; i++ {
		f, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if f.Kind != KindPing {
			t.Fatalf("frame %d: expected PING, got %s", i, f.Kind)
		}
	}
}
