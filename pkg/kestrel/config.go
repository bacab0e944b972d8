// Package kestrel provides a multi-protocol HTTP server engine for Go.
package kestrel

import (
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"time"
)

// Config holds the server configuration options for both HTTP/1.1 and HTTP/2.
type Config struct {
	Addr                 string        // Server address to bind to
	Multicore            bool          // Enable multicore mode for better performance
	NumEventLoop         int           // Number of event loops (0 for auto-detect)
	ReusePort            bool          // Enable SO_REUSEPORT for load balancing
	ReadTimeout          time.Duration // Maximum duration for reading requests
	WriteTimeout         time.Duration // Maximum duration for writing responses
	IdleTimeout          time.Duration // Idle time before an H1 connection closes waiting for the next request's first byte (keep_alive_timeout, default 5s)
	RequestTimeout       time.Duration // Maximum time from first byte to a complete request before a 408 (request_timeout, default 60s)
	MaxHeaderBytes       int           // Maximum header size in bytes
	MaxConcurrentStreams uint32        // Maximum concurrent HTTP/2 streams
	MaxFrameSize         uint32        // Maximum HTTP/2 frame size
	InitialWindowSize    uint32        // Initial HTTP/2 flow control window size
	// MaxHeaderListSize bounds the decompressed size (RFC 7540 §6.5.2) of a
	// header list this server will accept on an H2 connection, advertised
	// to peers via SETTINGS_MAX_HEADER_LIST_SIZE. Zero leaves it unset, the
	// protocol default, applying no cap.
	MaxHeaderListSize uint32
	Logger               *log.Logger   // Logger for server events
	DisableKeepAlive     bool          // Disable HTTP keep-alive
	EnableH1             bool          // Enable HTTP/1.1 support (default true)
	EnableH2             bool          // Enable HTTP/2 support (default true)

	// MaxConnections bounds concurrent connections; beyond it the acceptor
	// queues (and eventually rejects with 503) rather than accepting more.
	// Defaults to 10,000.
	MaxConnections uint32
	// ShutdownGrace bounds how long Stop waits for GOAWAY-drained H2
	// streams before forcibly closing remaining connections. H1 connections
	// are not waited on. Defaults to 30s.
	ShutdownGrace time.Duration
	// ReadBufferSize and WriteBufferSize size the per-connection I/O
	// buffers handed to the transport. Default to 16 KiB each.
	ReadBufferSize  int
	WriteBufferSize int

	// TLSAddr, when non-empty, starts a second acceptor bound to this
	// address that terminates TLS before handing decrypted HTTP/1.1
	// traffic to the same Handler (spec.md §4.1). Requires TLSConfig.
	TLSAddr string
	// TLSConfig carries the server certificate and ALPN protocol list for
	// the TLS acceptor. Must be non-nil when TLSAddr is set.
	TLSConfig *tls.Config

	// HTTP3Port is an optional UDP port for the HTTP/3 adapter (spec.md
	// §6). No UDP listener is opened for it. Start logs a line when it is
	// set and no h3.Adapter has been registered via Server.HTTP3Adapter;
	// a registered adapter is stored but not called.
	HTTP3Port int
}

// newSilentLogger creates a silent logger that discards all output
func newSilentLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Addr:                 ":8080",
		Multicore:            true,
		NumEventLoop:         0, // Auto-detect
		ReusePort:            true,
		ReadTimeout:          30 * time.Second,
		WriteTimeout:         30 * time.Second,
		IdleTimeout:          5 * time.Second,
		RequestTimeout:       60 * time.Second,
		MaxHeaderBytes:       1 << 20, // 1 MB
		MaxConcurrentStreams: 100,
		MaxFrameSize:         16384,
		InitialWindowSize:    65535,
		Logger:               newSilentLogger(),
		DisableKeepAlive:     false,
		EnableH1:             true, // Enable HTTP/1.1 by default
		EnableH2:             true, // Enable HTTP/2 by default
		MaxConnections:       10000,
		ShutdownGrace:        30 * time.Second,
		ReadBufferSize:       16 << 10,
		WriteBufferSize:      16 << 10,
	}
}

// Validate checks and normalizes the configuration values.
func (c *Config) Validate() error {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.MaxFrameSize < 16384 {
		c.MaxFrameSize = 16384
	}
	if c.MaxFrameSize > (1<<24)-1 {
		c.MaxFrameSize = (1 << 24) - 1
	}
	if c.InitialWindowSize == 0 {
		c.InitialWindowSize = 65535
	}
	if c.MaxConcurrentStreams == 0 {
		c.MaxConcurrentStreams = 100
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = 10000
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = 16 << 10
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = 16 << 10
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	// At least one protocol must be enabled
	if !c.EnableH1 && !c.EnableH2 {
		c.EnableH2 = true // Default to HTTP/2 if both disabled
	}
	if c.TLSAddr != "" && c.TLSConfig == nil {
		return fmt.Errorf("kestrel: TLSConfig must be set when TLSAddr is configured")
	}
	if c.TLSConfig != nil && c.TLSAddr == "" {
		return fmt.Errorf("kestrel: TLSAddr must be set when TLSConfig is configured")
	}
	return nil
}
