package ws

import (
	"io"
	"log"
	"testing"
)

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newTestConnection(h Handler) *Connection {
	return &Connection{
		logger:         discardLogger(),
		reader:         NewReader(),
		maxMessageSize: DefaultMaxMessageSize,
		handler:        h,
	}
}

// TestHandleData_FrameSplitAcrossReads exercises a frame whose header and
// payload are delivered across two separate HandleData calls, the way a TCP
// stream actually arrives.
func TestHandleData_FrameSplitAcrossReads(t *testing.T) {
	key := [4]byte{1, 2, 3, 4}
	raw := maskClientFrame(true, OpText, []byte("hello"), key)

	var got []byte
	c := newTestConnection(func(_ *Connection, opcode Opcode, payload []byte) error {
		if opcode != OpText {
			t.Errorf("opcode = %v, want OpText", opcode)
		}
		got = append([]byte(nil), payload...)
		return nil
	})

	split := len(raw) - 2
	if err := c.HandleData(raw[:split]); err != nil {
		t.Fatalf("HandleData(first chunk) error = %v", err)
	}
	if got != nil {
		t.Fatalf("handler invoked before the frame was complete, got payload %q", got)
	}
	if len(c.pending) != split {
		t.Fatalf("pending = %d bytes, want %d carried over", len(c.pending), split)
	}

	if err := c.HandleData(raw[split:]); err != nil {
		t.Fatalf("HandleData(second chunk) error = %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("payload = %q, want %q", got, "hello")
	}
}

// TestHandleData_SingleFrameAcrossManyReads delivers a frame one byte at
// a time, confirming bytes are never dropped while carrying a partial
// frame across calls.
func TestHandleData_SingleFrameAcrossManyReads(t *testing.T) {
	key := [4]byte{9, 8, 7, 6}
	raw := maskClientFrame(true, OpBinary, []byte("streamed payload"), key)

	var got []byte
	c := newTestConnection(func(_ *Connection, _ Opcode, payload []byte) error {
		got = append([]byte(nil), payload...)
		return nil
	})

	for i := 0; i < len(raw); i++ {
		if err := c.HandleData(raw[i : i+1]); err != nil {
			t.Fatalf("HandleData(byte %d) error = %v", i, err)
		}
	}

	if string(got) != "streamed payload" {
		t.Errorf("payload = %q, want %q", got, "streamed payload")
	}
}

// TestHandleData_SecondFrameAfterCarryover confirms a fully-buffered frame
// following a carried-over partial frame is still parsed correctly, i.e.
// the carryover doesn't get re-delivered or misaligned.
func TestHandleData_SecondFrameAfterCarryover(t *testing.T) {
	key := [4]byte{1, 1, 1, 1}
	first := maskClientFrame(true, OpText, []byte("one"), key)
	second := maskClientFrame(true, OpText, []byte("two"), key)

	var payloads []string
	c := newTestConnection(func(_ *Connection, _ Opcode, payload []byte) error {
		payloads = append(payloads, string(payload))
		return nil
	})

	split := len(first) - 1
	if err := c.HandleData(first[:split]); err != nil {
		t.Fatalf("HandleData(first chunk) error = %v", err)
	}

	rest := append(first[split:], second...)
	if err := c.HandleData(rest); err != nil {
		t.Fatalf("HandleData(rest) error = %v", err)
	}

	want := []string{"one", "two"}
	if len(payloads) != len(want) || payloads[0] != want[0] || payloads[1] != want[1] {
		t.Errorf("payloads = %v, want %v", payloads, want)
	}
}
