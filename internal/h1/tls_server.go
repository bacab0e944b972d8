package h1

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/kestrel-http/kestrel/internal/date"
	"github.com/kestrel-http/kestrel/internal/h2/stream"
	"golang.org/x/net/http2"
)

// TLSServer terminates TLS on a standard net.Listener and drives HTTP/1.1 or
// HTTP/2 over the decrypted stream depending on the ALPN protocol the client
// negotiates (spec.md §4.1: offered IDs are "h2", "http/1.1"). gnet.Conn's
// non-blocking Read semantics don't compose with crypto/tls's blocking
// handshake and record layer, so the encrypted acceptor runs as a classic
// goroutine-per-connection net.Listener instead of through the gnet event
// loop. The HTTP/1.1 branch reuses the package's own Parser and wire format;
// the HTTP/2 branch hands the connection to golang.org/x/net/http2's own
// blocking ServeConn, since internal/h2/transport is built directly on
// gnet.Conn's async primitives (AsyncWritev, Wake) and can't drive a plain
// blocking net.Conn.
type TLSServer struct {
	addr      string
	tlsConfig *tls.Config
	handler   stream.Handler
	logger    *log.Logger
	h2        *http2.Server

	ctx      context.Context
	cancel   context.CancelFunc
	listener net.Listener
	wg       sync.WaitGroup
}

// NewTLSServer creates a TLS-terminating HTTP/1.1+HTTP/2 acceptor.
// tlsConfig must carry a server certificate; its NextProtos is forced to
// ["h2", "http/1.1"] so the negotiated ALPN protocol picks the branch
// serveConn takes over the decrypted connection.
func NewTLSServer(ctx context.Context, addr string, tlsConfig *tls.Config, handler stream.Handler, logger *log.Logger) *TLSServer {
	if logger == nil {
		logger = log.Default()
	}
	cfg := tlsConfig.Clone()
	cfg.NextProtos = []string{"h2", "http/1.1"}

	serverCtx, cancel := context.WithCancel(ctx)
	return &TLSServer{
		addr:      addr,
		tlsConfig: cfg,
		handler:   handler,
		logger:    logger,
		h2:        &http2.Server{},
		ctx:       serverCtx,
		cancel:    cancel,
	}
}

// Start binds the listener and begins accepting connections in the background.
func (s *TLSServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("tls listen %s: %w", s.addr, err)
	}
	s.listener = tls.NewListener(ln, s.tlsConfig)

	s.logger.Printf("Starting TLS server on %s (HTTP/1.1 and HTTP/2 via ALPN)", s.addr)
	go s.acceptLoop()
	return nil
}

func (s *TLSServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Printf("TLS accept error: %v", err)
				continue
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}
}

// Stop closes the listener and waits for in-flight connections to finish or
// ctx to expire, whichever comes first.
func (s *TLSServer) Stop(ctx context.Context) error {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *TLSServer) serveConn(conn net.Conn) {
	defer conn.Close()

	if tlsConn, ok := conn.(*tls.Conn); ok {
		if err := tlsConn.HandshakeContext(s.ctx); err != nil {
			s.logger.Printf("TLS handshake failed from %s: %v", conn.RemoteAddr(), err)
			return
		}
		if tlsConn.ConnectionState().NegotiatedProtocol == "h2" {
			s.serveH2(tlsConn)
			return
		}
	}

	reader := bufio.NewReaderSize(conn, 16384)
	writer := newBlockingResponseWriter(conn, s.logger)
	parser := NewParser()
	req := &Request{}
	buf := make([]byte, 0, 4096)

	for {
		headerBytes, err := readRequestHeaders(reader, parser, req, &buf)
		if err != nil {
			if err != io.EOF {
				status := statusForParseError(err)
				accept, _ := rawHeaderValue(req, "Accept")
				_ = writer.writeError(status, statusText(status), accept)
			}
			return
		}

		body, err := readRequestBody(reader, parser, req, &buf, headerBytes)
		if err != nil {
			accept, _ := rawHeaderValue(req, "Accept")
			_ = writer.writeError(400, "Bad Request", accept)
			return
		}

		writer.reset(req.KeepAlive)
		st := requestToBlockingStream(req, body, conn.RemoteAddr().String())
		st.ResponseWriter = writer
		if err := s.handler.HandleStream(s.ctx, st); err != nil {
			s.logger.Printf("TLS handler error: %v", err)
			accept, _ := rawHeaderValue(req, "Accept")
			_ = writer.writeError(500, "Internal Server Error", accept)
			return
		}

		if !req.KeepAlive {
			return
		}
	}
}

// serveH2 drives an ALPN-negotiated HTTP/2 connection with x/net/http2's own
// server loop, translating each request into the same stream.Stream/
// ResponseWriter contract the gnet-based transport uses.
func (s *TLSServer) serveH2(conn *tls.Conn) {
	s.h2.ServeConn(conn, &http2.ServeConnOpts{
		Context: s.ctx,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			st := requestToH2Stream(r)
			st.ResponseWriter = &h2BlockingResponseWriter{w: w}
			if err := s.handler.HandleStream(r.Context(), st); err != nil {
				s.logger.Printf("TLS H2 handler error: %v", err)
				http.Error(w, "Internal Server Error", 500)
			}
		}),
	})
}

// requestToH2Stream mirrors requestToBlockingStream for a *http.Request
// sourced from x/net/http2's server loop rather than this package's Parser.
func requestToH2Stream(r *http.Request) *stream.Stream {
	s := stream.NewStream(1)

	hdrs := make([][2]string, 0, len(r.Header)+4)
	hdrs = append(hdrs,
		[2]string{":method", r.Method},
		[2]string{":path", r.URL.RequestURI()},
		[2]string{":scheme", "https"},
		[2]string{":authority", r.Host},
	)
	for name, values := range r.Header {
		lower := strings.ToLower(name)
		for _, v := range values {
			hdrs = append(hdrs, [2]string{lower, v})
		}
	}
	s.Headers = hdrs

	if r.Body != nil {
		_, _ = io.Copy(s.Data, r.Body)
		_ = r.Body.Close()
	}

	s.EndStream = true
	s.SetState(stream.StateHalfClosedRemote)
	s.Protocol = "h2"
	s.RemoteAddr = r.RemoteAddr
	return s
}

// h2BlockingResponseWriter adapts stream.ResponseWriter onto the
// http.ResponseWriter x/net/http2's server loop hands to the handler.
type h2BlockingResponseWriter struct {
	w http.ResponseWriter
}

func (rw *h2BlockingResponseWriter) WriteResponse(_ uint32, status int, headers [][2]string, body []byte) error {
	hdr := rw.w.Header()
	hasDate := false
	for _, h := range headers {
		if strings.EqualFold(h[0], "date") {
			hasDate = true
		}
		hdr.Add(h[0], h[1])
	}
	if !hasDate {
		hdr.Set("date", string(date.Current()))
	}
	rw.w.WriteHeader(status)
	if len(body) > 0 {
		_, err := rw.w.Write(body)
		return err
	}
	return nil
}

func (rw *h2BlockingResponseWriter) SendGoAway(_ uint32, _ http2.ErrCode, _ []byte) error {
	return nil
}

func (rw *h2BlockingResponseWriter) MarkStreamClosed(_ uint32) {}

func (rw *h2BlockingResponseWriter) IsStreamClosed(_ uint32) bool { return false }

func (rw *h2BlockingResponseWriter) WriteRSTStreamPriority(_ uint32, _ http2.ErrCode) error {
	return nil
}

func (rw *h2BlockingResponseWriter) CloseConn() error { return nil }

// fillMore reads one chunk from reader and appends it to buf, surfacing
// io.EOF (or any other read error) unchanged.
func fillMore(reader *bufio.Reader, buf *[]byte) error {
	chunk := make([]byte, 4096)
	n, err := reader.Read(chunk)
	if n > 0 {
		*buf = append(*buf, chunk[:n]...)
	}
	return err
}

// readRequestHeaders blocks, growing buf, until parser can parse a complete
// request line and header block from it.
func readRequestHeaders(reader *bufio.Reader, parser *Parser, req *Request, buf *[]byte) (int, error) {
	for {
		if len(*buf) > 0 {
			parser.Reset(*buf)
			req.Reset()
			consumed, err := parser.ParseRequest(req)
			if err != nil {
				return 0, err
			}
			if consumed > 0 {
				return consumed, nil
			}
		}
		if err := fillMore(reader, buf); err != nil {
			return 0, err
		}
	}
}

// readRequestBody consumes headerBytes from buf and blocks, growing buf
// further, until the body described by req's framing is fully available.
func readRequestBody(reader *bufio.Reader, parser *Parser, req *Request, buf *[]byte, headerBytes int) ([]byte, error) {
	*buf = (*buf)[headerBytes:]

	switch {
	case req.ChunkedEncoding:
		chunks := &bytes.Buffer{}
		for {
			parser.Reset(*buf)
			chunk, consumed, err := parser.ParseChunkedBody()
			if err != nil {
				return nil, err
			}
			if consumed == 0 {
				if err := fillMore(reader, buf); err != nil {
					return nil, err
				}
				continue
			}
			*buf = (*buf)[consumed:]
			if chunk == nil {
				break
			}
			chunks.Write(chunk)
		}
		return chunks.Bytes(), nil
	case req.ContentLength > 0:
		for int64(len(*buf)) < req.ContentLength {
			if err := fillMore(reader, buf); err != nil {
				return nil, err
			}
		}
		body := make([]byte, req.ContentLength)
		copy(body, (*buf)[:req.ContentLength])
		*buf = (*buf)[req.ContentLength:]
		return body, nil
	default:
		return nil, nil
	}
}

// requestToBlockingStream mirrors Connection.requestToStream, independent
// of gnet, for the TLS acceptor's classic read loop.
func requestToBlockingStream(req *Request, body []byte, remoteAddr string) *stream.Stream {
	s := stream.NewStream(1)

	hdrs := make([][2]string, 0, len(req.Headers)+4)
	hdrs = append(hdrs,
		[2]string{":method", req.Method},
		[2]string{":path", req.Path},
		[2]string{":scheme", "https"},
		[2]string{":authority", req.Host},
	)
	hdrs = append(hdrs, req.Headers...)
	s.Headers = hdrs

	if len(body) > 0 {
		_, _ = s.Data.Write(body)
	}

	s.EndStream = true
	s.SetState(stream.StateHalfClosedRemote)
	s.Protocol = "HTTP/1.1"
	s.RemoteAddr = remoteAddr
	return s
}

// blockingResponseWriter writes one HTTP/1.1 response per call with a
// single synchronous net.Conn.Write, reusing the status-line/header wire
// format from ResponseWriter (statusText, the package's header byte
// constants) without that type's async gnet batching machinery.
type blockingResponseWriter struct {
	conn      net.Conn
	logger    *log.Logger
	keepAlive bool
}

func newBlockingResponseWriter(conn net.Conn, logger *log.Logger) *blockingResponseWriter {
	return &blockingResponseWriter{conn: conn, logger: logger}
}

func (w *blockingResponseWriter) reset(keepAlive bool) {
	w.keepAlive = keepAlive
}

func (w *blockingResponseWriter) WriteResponse(_ uint32, status int, headers [][2]string, body []byte) error {
	buf := make([]byte, 0, 256+len(body))
	buf = append(buf, "HTTP/1.1 "...)
	buf = strconv.AppendInt(buf, int64(status), 10)
	buf = append(buf, ' ')
	buf = append(buf, statusText(status)...)
	buf = append(buf, crlf...)

	hasContentLength := false
	hasDate := false
	for _, h := range headers {
		switch {
		case strings.EqualFold(h[0], "content-length"):
			hasContentLength = true
		case strings.EqualFold(h[0], "date"):
			hasDate = true
		}
	}
	if !hasContentLength {
		buf = append(buf, headerContentLength...)
		buf = strconv.AppendInt(buf, int64(len(body)), 10)
		buf = append(buf, crlf...)
	}
	if !hasDate {
		buf = append(buf, headerDate...)
		buf = append(buf, date.Current()...)
		buf = append(buf, crlf...)
	}

	for _, h := range headers {
		buf = append(buf, h[0]...)
		buf = append(buf, headerSep...)
		buf = append(buf, h[1]...)
		buf = append(buf, crlf...)
	}

	buf = append(buf, headerConnection...)
	if w.keepAlive {
		buf = append(buf, headerKeepAlive...)
	} else {
		buf = append(buf, headerClose...)
	}
	buf = append(buf, crlf...)
	buf = append(buf, body...)

	_, err := w.conn.Write(buf)
	if err != nil && w.logger != nil {
		w.logger.Printf("TLS response write error: %v", err)
	}
	return err
}

// writeError sends a protocol-generated error response, negotiating a
// minimal `{"error": "<reason>"}` JSON body when accept matches
// application/json and plain text otherwise (spec.md §7).
func (w *blockingResponseWriter) writeError(status int, message string, accept string) error {
	if strings.Contains(accept, "application/json") {
		body := []byte(fmt.Sprintf(`{"error":%q}`, message))
		return w.WriteResponse(0, status, [][2]string{{"content-type", "application/json; charset=utf-8"}}, body)
	}
	body := []byte(message)
	return w.WriteResponse(0, status, [][2]string{{"content-type", "text/plain; charset=utf-8"}}, body)
}

func (w *blockingResponseWriter) SendGoAway(_ uint32, _ http2.ErrCode, _ []byte) error {
	return nil
}

func (w *blockingResponseWriter) MarkStreamClosed(_ uint32) {}

func (w *blockingResponseWriter) IsStreamClosed(_ uint32) bool { return false }

func (w *blockingResponseWriter) WriteRSTStreamPriority(_ uint32, _ http2.ErrCode) error {
	return nil
}

func (w *blockingResponseWriter) CloseConn() error {
	return w.conn.Close()
}
