package h1

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/kestrel-http/kestrel/internal/h2/stream"
	"github.com/kestrel-http/kestrel/internal/ws"
	"github.com/panjf2000/gnet/v2"
	"golang.org/x/net/http2"
)

// ErrConnectionClose signals the owning server that the request just
// handled was the last one on this connection (no keep-alive) and the
// caller should close it once the queued response has flushed. Checked
// with errors.Is rather than matching on err.Error().
var ErrConnectionClose = errors.New("connection close requested")

// Connection represents an HTTP/1.1 connection over gnet.
type Connection struct {
	conn    gnet.Conn
	parser  *Parser
	writer  *ResponseWriter
	handler stream.Handler
	buffer  *bytes.Buffer
	logger  *log.Logger
	ctx     context.Context
	req     Request

	// wsResolver, when set, picks the message handler for an upgrading
	// request by its path, letting the owning server dispatch to the
	// handler registered for the matching "websocket(template)" route
	// (spec.md §6). A nil return (or a nil resolver) upgrades the
	// connection with messages silently dropped.
	wsResolver func(path string) ws.Handler
	// upgraded and wsConn are non-zero once HandleData has answered a
	// WebSocket handshake; from that point on HandleData delegates every
	// subsequent byte to wsConn instead of the HTTP/1.1 parser
	// (spec.md §3 Invariants: "A Connection never has more than one
	// active protocol simultaneously").
	upgraded bool
	wsConn   *ws.Connection

	// continueSent tracks whether the 100-continue interim response has
	// already gone out for the request currently being read, so a
	// multi-chunk body doesn't re-trigger it on every HandleData call
	// (spec.md §4.2 step 4).
	continueSent bool
}

// SetWebSocketResolver registers the path-to-handler resolver used for
// connections that upgrade to WebSocket on this Connection.
func (c *Connection) SetWebSocketResolver(resolver func(path string) ws.Handler) {
	c.wsResolver = resolver
}

// h1FastAdapter is a minimal interface to call the H1 fast-path on the adapter without importing pkg/kestrel
type h1FastAdapter interface {
	HandleH1Fast(ctx context.Context, method, path, authority string, reqHeaders [][2]string, body []byte, write func(status int, headers [][2]string, body []byte) error) error
}

// NewConnection creates a new HTTP/1.1 connection.
func NewConnection(ctx context.Context, c gnet.Conn, handler stream.Handler, logger *log.Logger) *Connection {
	return &Connection{
		conn:    c,
		parser:  NewParser(),
		writer:  NewResponseWriter(c, logger, true),
		handler: handler,
		buffer:  new(bytes.Buffer),
		logger:  logger,
		ctx:     ctx,
	}
}

// HandleData processes incoming HTTP/1.1 data.
func (c *Connection) HandleData(data []byte) error {
	if c.upgraded {
		return c.wsConn.HandleData(data)
	}

	// Fast-path: if there is no pending leftover, parse directly from incoming buffer to avoid copy
	if c.buffer.Len() == 0 {
		// Support multiple pipelined requests in the same incoming buffer
		offset := 0
		for offset < len(data) {
			c.parser.noStringHeaders = true
			c.parser.Reset(data[offset:])
			c.req.Reset()
			req := &c.req
			consumed, err := c.parser.ParseRequest(req)
			if err != nil {
				c.logger.Printf("Parse error: %v", err)
				accept, _ := rawHeaderValue(req, "Accept")
				return c.sendError(statusForParseError(err), statusText(statusForParseError(err)), accept)
			}

			if consumed == 0 {
				// Incomplete headers, copy the remainder for next OnTraffic
				c.buffer.Write(data[offset:])
				return nil
			}

			// Determine if a body is required; if so, fall back to buffered path
			bodyNeeded := int64(0)
			if req.ChunkedEncoding {
				bodyNeeded = -1
			} else if req.ContentLength > 0 {
				bodyNeeded = req.ContentLength
			}

			if bodyNeeded > 0 || bodyNeeded == -1 {
				// Copy the remainder (including already parsed headers) to buffer and use standard path
				c.buffer.Write(data[offset:])
				break
			}

			if isUpgrade, err := c.tryUpgradeWebSocket(req); isUpgrade {
				if err != nil {
					return err
				}
				offset += consumed
				if c.upgraded && offset < len(data) {
					return c.wsConn.HandleData(data[offset:])
				}
				return nil
			}

			// No body: handle request directly using fast adapter when available
			c.writer.Reset(req.KeepAlive)
			if adapter, ok := c.handler.(h1FastAdapter); ok {
				writeFn := func(status int, headers [][2]string, body []byte) error {
					return c.writer.WriteResponse(status, headers, body, true)
				}
				// For no-body and common GET paths, avoid passing headers slice to minimize copies
				if len(req.Headers) == 0 || (req.Method == "GET" && !req.ChunkedEncoding && req.ContentLength <= 0) {
					if err := adapter.HandleH1Fast(c.ctx, req.Method, req.Path, req.Host, nil, nil, writeFn); err != nil {
						c.logger.Printf("Handler error: %v", err)
						accept, _ := rawHeaderValue(req, "Accept")
						return c.sendError(500, "Internal Server Error", accept)
					}
					break
				}
				if err := adapter.HandleH1Fast(c.ctx, req.Method, req.Path, req.Host, req.Headers, nil, writeFn); err != nil {
					c.logger.Printf("Handler error: %v", err)
					accept, _ := rawHeaderValue(req, "Accept")
					return c.sendError(500, "Internal Server Error", accept)
				}
			} else {
				s := c.requestToStream(req, nil)
				if err := c.handler.HandleStream(c.ctx, s); err != nil {
					c.logger.Printf("Handler error: %v", err)
					accept, _ := rawHeaderValue(req, "Accept")
					return c.sendError(500, "Internal Server Error", accept)
				}
			}
			if !req.KeepAlive {
				return ErrConnectionClose
			}

			// Advance to parse any subsequent pipelined request
			offset += consumed
			if offset >= len(data) {
				return nil
			}
		}
		// If we broke due to body or incomplete header, continue with buffered parse below
	} else {
		// There is pending leftover: append and parse from buffer
		c.buffer.Write(data)
	}

	// Buffered path: parse from accumulated buffer
	for c.buffer.Len() > 0 {
		c.parser.noStringHeaders = true
		c.parser.Reset(c.buffer.Bytes())
		c.req.Reset()
		req := &c.req
		consumed, err := c.parser.ParseRequest(req)
		if err != nil {
			c.logger.Printf("Parse error: %v", err)
			accept, _ := rawHeaderValue(req, "Accept")
			return c.sendError(statusForParseError(err), statusText(statusForParseError(err)), accept)
		}

		if consumed == 0 {
			// Need more data
			break
		}

		if err := c.handleRequest(req, consumed); err != nil {
			return err
		}
	}

	return nil
}

// handleRequest processes a complete HTTP/1.1 request.
func (c *Connection) handleRequest(req *Request, headerBytes int) error {
	if isUpgrade, err := c.tryUpgradeWebSocket(req); isUpgrade {
		if err != nil {
			return err
		}
		c.buffer.Next(headerBytes)
		if c.upgraded && c.buffer.Len() > 0 {
			remainder := make([]byte, c.buffer.Len())
			copy(remainder, c.buffer.Bytes())
			c.buffer.Reset()
			return c.wsConn.HandleData(remainder)
		}
		return nil
	}

	// Calculate how much body we need
	bodyNeeded := int64(0)
	if req.ChunkedEncoding {
		// For chunked, we'll read chunks as they come
		bodyNeeded = -1
	} else if req.ContentLength > 0 {
		bodyNeeded = req.ContentLength
	}

	if bodyNeeded != 0 && !c.continueSent {
		if expect, ok := rawHeaderValue(req, "Expect"); ok && asciiEqualFold([]byte(expect), "100-continue") {
			if err := c.conn.AsyncWrite([]byte(continueResponse), func(_ gnet.Conn, err error) error {
				if err != nil {
					c.logger.Printf("100-continue write error: %v", err)
				}
				return nil
			}); err != nil {
				return err
			}
		}
		c.continueSent = true
	}

	var bodyData []byte

	switch {
	case bodyNeeded > 0:
		// Fixed content-length body
		available := int64(c.buffer.Len() - headerBytes)
		if available < bodyNeeded {
			// Need more data, return and wait
			return nil
		}

		// Consume headers and zero-copy slice body directly from buffer
		c.buffer.Next(headerBytes)
		// bytes.Buffer.Bytes() returns underlying slice; read without extra copy by slicing
		buf := c.buffer.Bytes()
		if int64(len(buf)) < bodyNeeded {
			// Fallback: should not happen because available check above, but guard anyway
			bodyData = make([]byte, bodyNeeded)
			_, _ = c.buffer.Read(bodyData)
		} else {
			bodyData = buf[:bodyNeeded]
			// Advance buffer by bodyNeeded without copying
			c.buffer.Next(int(bodyNeeded))
		}
	case bodyNeeded == -1:
		// Chunked encoding - read all chunks
		c.buffer.Next(headerBytes)
		chunks := &bytes.Buffer{}

		for {
			c.parser.Reset(c.buffer.Bytes())
			chunk, consumed, err := c.parser.ParseChunkedBody()
			if err != nil {
				accept, _ := rawHeaderValue(req, "Accept")
				return c.sendError(400, "Invalid chunked encoding", accept)
			}

			if consumed == 0 {
				// Need more data
				return nil
			}

			c.buffer.Next(consumed)

			if chunk == nil {
				// Last chunk (size 0)
				break
			}

			chunks.Write(chunk)
		}

		bodyData = chunks.Bytes()
	default:
		// No body
		c.buffer.Next(headerBytes)
	}

	// Fast path: call adapter's H1 direct handler when available, otherwise fallback
	if adapter, ok := c.handler.(h1FastAdapter); ok {
		writeFn := func(status int, headers [][2]string, body []byte) error {
			return c.writer.WriteResponse(status, headers, body, true)
		}
		c.writer.Reset(req.KeepAlive)
		if err := adapter.HandleH1Fast(c.ctx, req.Method, req.Path, req.Host, req.Headers, bodyData, writeFn); err != nil {
			c.logger.Printf("Handler error: %v", err)
			accept, _ := rawHeaderValue(req, "Accept")
			return c.sendError(500, "Internal Server Error", accept)
		}
	} else {
		s := c.requestToStream(req, bodyData)
		c.writer.Reset(req.KeepAlive)
		if err := c.handler.HandleStream(c.ctx, s); err != nil {
			c.logger.Printf("Handler error: %v", err)
			accept, _ := rawHeaderValue(req, "Accept")
			return c.sendError(500, "Internal Server Error", accept)
		}
	}

	c.continueSent = false

	// If not keep-alive, close connection
	if !req.KeepAlive {
		return ErrConnectionClose
	}

	return nil
}

// requestToStream converts HTTP/1.1 request to stream.Stream for handler.
func (c *Connection) requestToStream(req *Request, body []byte) *stream.Stream {
	s := stream.NewStream(1) // Use stream ID 1 for HTTP/1.1

	// Batch-assign headers without per-header lock churn
	hdrs := make([][2]string, 0, len(req.Headers)+4)
	hdrs = append(hdrs,
		[2]string{":method", req.Method},
		[2]string{":path", req.Path},
		[2]string{":scheme", "http"},
		[2]string{":authority", req.Host},
	)
	hdrs = append(hdrs, req.Headers...)
	s.Headers = hdrs

	// Write body directly into stream buffer to avoid AddData lock
	if len(body) > 0 {
		_, _ = s.Data.Write(body)
	}

	s.EndStream = true
	s.SetState(stream.StateHalfClosedRemote)

	s.Protocol = "HTTP/1.1"
	s.RemoteAddr = c.conn.RemoteAddr().String()

	// Set response writer
	s.ResponseWriter = &h1ResponseWriter{writer: c.writer}
	return s
}

// rawHeaderValue scans a request's zero-copy header views for name
// (ASCII case-insensitive), returning its value as a string. RawHeaders is
// populated in both the fast and buffered parse paths regardless of
// noStringHeaders, unlike Headers.
func rawHeaderValue(req *Request, name string) (string, bool) {
	for _, h := range req.RawHeaders {
		if asciiEqualFold(h[0], name) {
			return string(h[1]), true
		}
	}
	return "", false
}

// tryUpgradeWebSocket inspects a parsed GET request for a valid RFC 6455
// upgrade handshake (spec.md §4.6) and, if present and valid, writes the 101
// response and arms the connection's WebSocket driver for all subsequent
// bytes on the socket. The bool return reports whether the request was an
// upgrade attempt at all, so the caller can still fall through to ordinary
// HTTP handling for everything else.
func (c *Connection) tryUpgradeWebSocket(req *Request) (bool, error) {
	upgradeHdr, hasUpgrade := rawHeaderValue(req, "Upgrade")
	if !hasUpgrade || req.Method != "GET" {
		return false, nil
	}
	connHdr, _ := rawHeaderValue(req, "Connection")
	key, _ := rawHeaderValue(req, "Sec-WebSocket-Key")
	version, _ := rawHeaderValue(req, "Sec-WebSocket-Version")

	if err := ws.ValidateUpgrade(ws.UpgradeRequest{
		Upgrade:    upgradeHdr,
		Connection: connHdr,
		Version:    version,
		Key:        key,
	}); err != nil {
		c.logger.Printf("websocket handshake rejected: %v", err)
		acceptHdr, _ := rawHeaderValue(req, "Accept")
		return true, c.sendError(400, "Bad Request", acceptHdr)
	}

	accept := ws.AcceptKey(key)
	response := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + accept + "\r\n\r\n"

	if err := c.conn.AsyncWrite([]byte(response), func(_ gnet.Conn, err error) error {
		if err != nil {
			c.logger.Printf("websocket handshake write error: %v", err)
		}
		return nil
	}); err != nil {
		return true, err
	}

	var wsh ws.Handler
	if c.wsResolver != nil {
		wsh = c.wsResolver(req.Path)
	}

	c.upgraded = true
	c.wsConn = ws.NewConnection(c.conn, c.logger, wsh)
	return true, nil
}

// continueResponse is the interim response sent for a body-bearing request
// carrying "Expect: 100-continue" (spec.md §4.2 step 4), written before the
// body is read so the client knows to proceed with it.
const continueResponse = "HTTP/1.1 100 Continue\r\n\r\n"

// statusForParseError maps a parse-time sentinel error to the response
// status spec.md §4.2 Failure semantics prescribes; anything unrecognized
// falls back to 400 Bad Request.
func statusForParseError(err error) int {
	switch {
	case errors.Is(err, ErrRequestTargetTooLarge):
		return 413
	case errors.Is(err, ErrHeaderFieldsTooLarge):
		return 431
	case errors.Is(err, ErrBothLengthAndEncoding):
		return 400
	default:
		return 400
	}
}

// sendError sends a protocol-generated error response, negotiating a
// minimal `{"error": "<reason>"}` JSON body when accept matches
// application/json and plain text otherwise (spec.md §7).
func (c *Connection) sendError(status int, message string, accept string) error {
	var body []byte
	var contentType string
	if strings.Contains(accept, "application/json") {
		body = []byte(fmt.Sprintf(`{"error":%q}`, message))
		contentType = "application/json; charset=utf-8"
	} else {
		body = []byte(message)
		contentType = "text/plain; charset=utf-8"
	}
	headers := [][2]string{
		{"content-type", contentType},
		{"content-length", fmt.Sprintf("%d", len(body))},
	}

	return c.writer.WriteResponse(status, headers, body, true)
}

// Close closes the connection.
func (c *Connection) Close() error {
	return c.conn.Close()
}

// h1ResponseWriter adapts HTTP/1.1 ResponseWriter to stream.ResponseWriter interface.
type h1ResponseWriter struct {
	writer *ResponseWriter
}

func (w *h1ResponseWriter) WriteResponse(_ uint32, status int, headers [][2]string, body []byte) error {
	// For H1, end the response on each call to avoid unsolicited extra writes
	endResponse := true
	return w.writer.WriteResponse(status, headers, body, endResponse)
}

func (w *h1ResponseWriter) SendGoAway(_ uint32, _ http2.ErrCode, _ []byte) error {
	// HTTP/1.1 doesn't have GOAWAY, just close connection
	return nil
}

func (w *h1ResponseWriter) MarkStreamClosed(_ uint32) {
	// No-op for HTTP/1.1
}

func (w *h1ResponseWriter) IsStreamClosed(_ uint32) bool {
	return false
}

func (w *h1ResponseWriter) WriteRSTStreamPriority(_ uint32, _ http2.ErrCode) error {
	// HTTP/1.1 doesn't have RST_STREAM
	return nil
}

func (w *h1ResponseWriter) CloseConn() error {
	// Handled at connection level
	return nil
}
