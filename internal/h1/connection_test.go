package h1

import (
	"errors"
	"io"
	"log"
	"testing"
)

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestRawHeaderValue_CaseInsensitive(t *testing.T) {
	req := &Request{
		RawHeaders: [][2][]byte{
			{[]byte("Upgrade"), []byte("websocket")},
			{[]byte("Sec-WebSocket-Key"), []byte("dGhlIHNhbXBsZSBub25jZQ==")},
		},
	}

	v, ok := rawHeaderValue(req, "upgrade")
	if !ok || v != "websocket" {
		t.Errorf("rawHeaderValue(upgrade) = %q, %v, want %q, true", v, ok, "websocket")
	}

	if _, ok := rawHeaderValue(req, "Connection"); ok {
		t.Error("rawHeaderValue(Connection) should not match an absent header")
	}
}

func TestTryUpgradeWebSocket_IgnoresNonUpgradeRequest(t *testing.T) {
	c := &Connection{logger: discardLogger()}
	req := &Request{Method: "GET", RawHeaders: nil}

	isUpgrade, err := c.tryUpgradeWebSocket(req)
	if isUpgrade {
		t.Error("expected isUpgrade=false for a request without an Upgrade header")
	}
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if c.upgraded {
		t.Error("connection should not be marked upgraded")
	}
}

func TestTryUpgradeWebSocket_IgnoresNonGETMethod(t *testing.T) {
	c := &Connection{logger: discardLogger()}
	req := &Request{
		Method: "POST",
		RawHeaders: [][2][]byte{
			{[]byte("Upgrade"), []byte("websocket")},
		},
	}

	isUpgrade, _ := c.tryUpgradeWebSocket(req)
	if isUpgrade {
		t.Error("expected isUpgrade=false for a non-GET request")
	}
}

func TestStatusForParseError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{ErrRequestTargetTooLarge, 413},
		{ErrHeaderFieldsTooLarge, 431},
		{ErrBothLengthAndEncoding, 400},
		{errors.New("something else"), 400},
	}

	for _, c := range cases {
		if got := statusForParseError(c.err); got != c.want {
			t.Errorf("statusForParseError(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}
