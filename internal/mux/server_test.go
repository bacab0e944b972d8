package mux

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/kestrel-http/kestrel/internal/h2/stream"
)

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func noopHandler() stream.Handler {
	return stream.HandlerFunc(func(_ context.Context, _ *stream.Stream) error {
		return nil
	})
}

func TestNewServer_DefaultTimeouts(t *testing.T) {
	s := NewServer(noopHandler(), Config{EnableH1: true, Logger: discardLogger()})

	if s.idleTimeout != defaultIdleTimeout {
		t.Errorf("idleTimeout = %v, want %v", s.idleTimeout, defaultIdleTimeout)
	}
	if s.requestTimeout != defaultRequestTimeout {
		t.Errorf("requestTimeout = %v, want %v", s.requestTimeout, defaultRequestTimeout)
	}
	if s.wheel == nil {
		t.Error("expected a non-nil deadline wheel")
	}
}

func TestNewServer_CustomTimeouts(t *testing.T) {
	s := NewServer(noopHandler(), Config{
		EnableH1:       true,
		Logger:         discardLogger(),
		IdleTimeout:    5 * time.Second,
		RequestTimeout: 2 * time.Second,
	})

	if s.idleTimeout != 5*time.Second {
		t.Errorf("idleTimeout = %v, want 5s", s.idleTimeout)
	}
	if s.requestTimeout != 2*time.Second {
		t.Errorf("requestTimeout = %v, want 2s", s.requestTimeout)
	}
}

// TestSessionDeadline_DetectedAtFireTimeControlsOutcome exercises the same
// wheel-and-closure wiring fireDeadline relies on: the armed callback reads
// session.detected when it actually fires, not when it was armed, so a
// connection that finishes protocol detection before the deadline elapses
// gets the idle/silent-close treatment rather than a 408.
func TestSessionDeadline_DetectedAtFireTimeControlsOutcome(t *testing.T) {
	s := NewServer(noopHandler(), Config{EnableH1: true, Logger: discardLogger()})
	go s.wheel.Run()
	defer s.wheel.Stop()

	session := &connSession{buffer: make([]byte, 0, minDetectBytes)}
	fired := make(chan bool, 1)
	session.deadline = s.wheel.Add(time.Now().Add(10*time.Millisecond), func() {
		fired <- session.detected
	})

	session.detected = true

	select {
	case wasDetected := <-fired:
		if !wasDetected {
			t.Error("expected session.detected to read true at fire time")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("deadline never fired")
	}
}

// TestSessionDeadline_ResetPostponesFire confirms OnTraffic's Reset call
// actually pushes the fire time back rather than leaving the original
// deadline armed underneath it.
func TestSessionDeadline_ResetPostponesFire(t *testing.T) {
	s := NewServer(noopHandler(), Config{EnableH1: true, Logger: discardLogger()})
	go s.wheel.Run()
	defer s.wheel.Stop()

	session := &connSession{buffer: make([]byte, 0, minDetectBytes)}
	fired := make(chan struct{}, 1)
	session.deadline = s.wheel.Add(time.Now().Add(20*time.Millisecond), func() {
		fired <- struct{}{}
	})

	session.deadline.Reset(time.Now().Add(200 * time.Millisecond))

	select {
	case <-fired:
		t.Fatal("deadline fired before the reset deadline elapsed")
	case <-time.After(60 * time.Millisecond):
	}

	select {
	case <-fired:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("deadline never fired after reset")
	}
}
