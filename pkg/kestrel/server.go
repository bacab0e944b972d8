package kestrel

import (
	"context"
	"fmt"
	"time"

	"github.com/kestrel-http/kestrel/internal/h1"
	"github.com/kestrel-http/kestrel/internal/h2/stream"
	"github.com/kestrel-http/kestrel/internal/h3"
	"github.com/kestrel-http/kestrel/internal/mux"
	"github.com/kestrel-http/kestrel/internal/ws"
)

// Server represents a server instance supporting HTTP/1.1 and/or HTTP/2.
type Server struct {
	config       Config
	handler      Handler
	transport    *mux.Server
	tlsServer    *h1.TLSServer
	http3Adapter h3.Adapter
}

// HTTP3Adapter stores a pluggable HTTP/3 transport on the server. Start
// does not call the adapter and opens no UDP listener, whether or not one
// is registered; with no adapter registered, a set HTTP3Port is logged.
func (s *Server) HTTP3Adapter(adapter h3.Adapter) *Server {
	s.http3Adapter = adapter
	return s
}

// New creates a new Server with the provided configuration.
func New(config Config) *Server {
	if err := config.Validate(); err != nil {
		panic(err)
	}

	return &Server{
		config: config,
	}
}

// NewWithDefaults creates a new Server with default configuration.
func NewWithDefaults() *Server {
	return New(DefaultConfig())
}

// Handler sets the request handler and returns the server for method chaining.
func (s *Server) Handler(handler Handler) *Server {
	s.handler = handler
	return s
}

// ListenAndServe sets the handler and starts the server.
func (s *Server) ListenAndServe(handler Handler) error {
	s.handler = handler
	return s.Start()
}

// Start begins accepting HTTP/1.1 and/or HTTP/2 connections.
func (s *Server) Start() error {
	if s.handler == nil {
		return fmt.Errorf("handler not set")
	}

	streamHandler := &streamHandlerAdapter{
		handler: s.handler,
	}

	s.transport = mux.NewServer(streamHandler, mux.Config{
		Addr:                 s.config.Addr,
		Multicore:            s.config.Multicore,
		NumEventLoop:         s.config.NumEventLoop,
		ReusePort:            s.config.ReusePort,
		Logger:               s.config.Logger,
		MaxConcurrentStreams: s.config.MaxConcurrentStreams,
		MaxHeaderListSize:    s.config.MaxHeaderListSize,
		EnableH1:             s.config.EnableH1,
		EnableH2:             s.config.EnableH2,
		IdleTimeout:          s.config.IdleTimeout,
		RequestTimeout:       s.config.RequestTimeout,
		MaxConnections:       s.config.MaxConnections,
		ShutdownGrace:        s.config.ShutdownGrace,
		ReadBufferSize:       s.config.ReadBufferSize,
		WriteBufferSize:      s.config.WriteBufferSize,
	})

	if router, ok := s.handler.(*Router); ok {
		s.transport.SetWebSocketResolver(func(path string) ws.Handler {
			wsHandler, found := router.FindWebSocket(path)
			if !found {
				return nil
			}
			return func(conn *ws.Connection, opcode ws.Opcode, payload []byte) error {
				return wsHandler(conn, opcode, payload)
			}
		})
	}

	if err := s.transport.Start(); err != nil {
		return err
	}

	if s.config.TLSAddr != "" {
		s.tlsServer = h1.NewTLSServer(context.Background(), s.config.TLSAddr, s.config.TLSConfig, streamHandler, s.config.Logger)
		if err := s.tlsServer.Start(); err != nil {
			return err
		}
	}

	if s.config.HTTP3Port != 0 && s.http3Adapter == nil {
		s.config.Logger.Printf("HTTP/3 port %d configured but no adapter registered, ignoring", s.config.HTTP3Port)
	}

	return nil
}

// Stop gracefully shuts down the server, waiting up to Config.ShutdownGrace
// for in-flight requests when ctx carries no deadline of its own.
func (s *Server) Stop(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		grace := s.config.ShutdownGrace
		if grace <= 0 {
			grace = 30 * time.Second
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, grace)
		defer cancel()
	}
	if s.tlsServer != nil {
		if err := s.tlsServer.Stop(ctx); err != nil {
			return err
		}
	}
	if s.transport != nil {
		return s.transport.Stop(ctx)
	}
	return nil
}

type streamHandlerAdapter struct {
	handler     Handler
	processor   *stream.Processor
	currentConn stream.ResponseWriter
}

func (a *streamHandlerAdapter) SetProcessor(p *stream.Processor) {
	a.processor = p
}

func (a *streamHandlerAdapter) SetConnection(conn stream.ResponseWriter) {
	a.currentConn = conn
}

func (a *streamHandlerAdapter) HandleStream(ctx context.Context, s *stream.Stream) error {
	writeResponse := func(streamID uint32, status int, headers [][2]string, body []byte) error {
		if s.ResponseWriter == nil {
			return fmt.Errorf("no response writer available")
		}

		return s.ResponseWriter.WriteResponse(streamID, status, headers, body)
	}

	pushPromise := func(streamID uint32, path string, headers [][2]string) error {
		if a.processor != nil {
			return a.processor.PushPromise(streamID, path, headers)
		}
		return fmt.Errorf("no processor available for push promise")
	}

	kestrelCtx := newContext(ctx, s, writeResponse)
	kestrelCtx.pushPromise = pushPromise

	return a.handler.ServeHTTP2(kestrelCtx)
}
