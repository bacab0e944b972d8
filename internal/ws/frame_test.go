package ws

import (
	"bytes"
	"testing"
)

// maskClientFrame builds a masked client-to-server frame the way a real
// browser would, for feeding into Reader.
func maskClientFrame(fin bool, opcode Opcode, payload []byte, key [4]byte) []byte {
	masked := make([]byte, len(payload))
	for i, b := range payload {
		masked[i] = b ^ key[i%4]
	}

	b0 := byte(opcode)
	if fin {
		b0 |= 0x80
	}

	var out []byte
	n := len(payload)
	switch {
	case n <= 125:
		out = []byte{b0, byte(n) | 0x80}
	default:
		t := make([]byte, 4)
		t[0] = b0
		t[1] = 126 | 0x80
		t[2] = byte(n >> 8)
		t[3] = byte(n)
		out = t
	}
	out = append(out, key[:]...)
	out = append(out, masked...)
	return out
}

func TestReader_SingleTextFrame(t *testing.T) {
	key := [4]byte{1, 2, 3, 4}
	raw := maskClientFrame(true, OpText, []byte("hello"), key)

	r := NewReader()
	r.Reset(raw)
	frame, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if !frame.Fin || frame.Opcode != OpText {
		t.Errorf("unexpected frame header: fin=%v opcode=%v", frame.Fin, frame.Opcode)
	}
	if string(frame.Payload) != "hello" {
		t.Errorf("Payload = %q, want %q", frame.Payload, "hello")
	}
	if r.Consumed() != len(raw) {
		t.Errorf("Consumed() = %d, want %d", r.Consumed(), len(raw))
	}
}

func TestReader_NeedMore(t *testing.T) {
	key := [4]byte{1, 2, 3, 4}
	raw := maskClientFrame(true, OpText, []byte("hello"), key)

	r := NewReader()
	r.Reset(raw[:len(raw)-2])
	if _, err := r.ReadFrame(); err != ErrNeedMore {
		t.Errorf("expected ErrNeedMore on truncated frame, got %v", err)
	}
}

func TestReader_RejectsUnmaskedClientFrame(t *testing.T) {
	unmasked := WriteFrame(true, OpText, []byte("hi")) // server-style, MASK=0

	r := NewReader()
	r.Reset(unmasked)
	if _, err := r.ReadFrame(); err != ErrUnmasked {
		t.Errorf("expected ErrUnmasked, got %v", err)
	}
}

func TestReader_RejectsFragmentedControlFrame(t *testing.T) {
	key := [4]byte{9, 9, 9, 9}
	raw := maskClientFrame(false, OpPing, []byte("x"), key)

	r := NewReader()
	r.Reset(raw)
	if _, err := r.ReadFrame(); err != ErrControlFrameFragmented {
		t.Errorf("expected ErrControlFrameFragmented, got %v", err)
	}
}

func TestReader_RejectsOversizeControlFrame(t *testing.T) {
	key := [4]byte{9, 9, 9, 9}
	raw := maskClientFrame(true, OpPing, bytes.Repeat([]byte("x"), 200), key)

	r := NewReader()
	r.Reset(raw)
	if _, err := r.ReadFrame(); err != ErrControlFrameTooLarge {
		t.Errorf("expected ErrControlFrameTooLarge, got %v", err)
	}
}

func TestWriteFrame_LargePayloadUses16BitLength(t *testing.T) {
	payload := bytes.Repeat([]byte("a"), 1000)
	frame := WriteFrame(true, OpBinary, payload)
	if frame[1] != 126 {
		t.Errorf("expected 126 length marker for 1000-byte payload, got %d", frame[1])
	}
}

func TestCloseFrame_RoundTrip(t *testing.T) {
	payload := EncodeCloseFrame(CloseNormal, "bye")
	code, reason, err := ParseCloseFrame(payload)
	if err != nil {
		t.Fatalf("ParseCloseFrame() error = %v", err)
	}
	if code != CloseNormal || reason != "bye" {
		t.Errorf("got code=%d reason=%q, want code=%d reason=%q", code, reason, CloseNormal, "bye")
	}
}

func TestCloseFrame_EmptyPayloadDefaultsToNormal(t *testing.T) {
	code, reason, err := ParseCloseFrame(nil)
	if err != nil {
		t.Fatalf("ParseCloseFrame() error = %v", err)
	}
	if code != CloseNormal || reason != "" {
		t.Errorf("got code=%d reason=%q, want CloseNormal/empty", code, reason)
	}
}
