package ws

import (
	"bytes"
	"log"
	"time"
	"unicode/utf8"

	"github.com/panjf2000/gnet/v2"
)

// DefaultMaxMessageSize is the default ceiling on a reassembled message's
// total size (spec.md §4.6); exceeding it closes the connection with 1009.
const DefaultMaxMessageSize = 64 * 1024 * 1024

// CloseGracePeriod is how long the server waits for the peer to close the
// TCP connection after exchanging Close frames before closing it itself
// (spec.md §4.6).
const CloseGracePeriod = 2 * time.Second

// Handler processes one complete, reassembled WebSocket message. Control
// frames (ping/pong/close) are handled internally by Connection and never
// reach Handler.
type Handler func(conn *Connection, opcode Opcode, payload []byte) error

// Connection drives one upgraded WebSocket connection: it owns frame
// reassembly across fragments, transparent control-frame handling, and the
// close handshake, layered over a gnet.Conn the same way h1.Connection
// layers the HTTP/1.1 driver over it.
type Connection struct {
	conn   gnet.Conn
	logger *log.Logger
	reader *Reader

	// pending holds bytes left over from a frame whose header or payload
	// hadn't fully arrived yet, carried forward into the next HandleData
	// call the same way h1.Connection.buffer carries a partial request
	// across reads.
	pending []byte

	maxMessageSize int

	assembling    bool
	assembleOp    Opcode
	assembleBuf   bytes.Buffer
	closed        bool
	closeDeadline *time.Timer

	handler Handler
}

// NewConnection wraps an already-upgraded gnet.Conn with WebSocket framing.
func NewConnection(conn gnet.Conn, logger *log.Logger, handler Handler) *Connection {
	return &Connection{
		conn:           conn,
		logger:         logger,
		reader:         NewReader(),
		maxMessageSize: DefaultMaxMessageSize,
		handler:        handler,
	}
}

// SetMaxMessageSize overrides the default reassembly size ceiling.
func (c *Connection) SetMaxMessageSize(n int) {
	c.maxMessageSize = n
}

// HandleData feeds newly received bytes through the frame reader, dispatching
// complete messages to Handler and answering control frames inline. Bytes
// left over from a frame that isn't fully buffered yet are retained and
// prepended to the next call, since gnet delivers a byte stream rather than
// frame-aligned chunks.
func (c *Connection) HandleData(data []byte) error {
	buf := data
	if len(c.pending) > 0 {
		buf = append(c.pending, data...)
		c.pending = nil
	}

	c.reader.Reset(buf)
	for {
		frame, err := c.reader.ReadFrame()
		if err == ErrNeedMore {
			if remainder := buf[c.reader.Consumed():]; len(remainder) > 0 {
				c.pending = append([]byte(nil), remainder...)
			}
			return nil
		}
		if err != nil {
			c.logger.Printf("websocket frame error: %v", err)
			return c.failConnection(CloseProtocolError, err.Error())
		}
		if err := c.dispatch(frame); err != nil {
			return err
		}
		if c.closed {
			return nil
		}
	}
}

func (c *Connection) dispatch(frame Frame) error {
	switch frame.Opcode {
	case OpPing:
		return c.sendControl(OpPong, frame.Payload)
	case OpPong:
		return nil
	case OpClose:
		return c.handleClose(frame.Payload)
	case OpText, OpBinary, OpContinuation:
		return c.assemble(frame)
	default:
		return c.failConnection(CloseProtocolError, "unknown opcode")
	}
}

// assemble accumulates payload across FIN=0 frames of the same opcode until
// FIN=1, per spec.md §4.6 Message reassembly.
func (c *Connection) assemble(frame Frame) error {
	if frame.Opcode != OpContinuation {
		if c.assembling {
			return c.failConnection(CloseProtocolError, "expected continuation frame")
		}
		c.assembling = true
		c.assembleOp = frame.Opcode
		c.assembleBuf.Reset()
	} else if !c.assembling {
		return c.failConnection(CloseProtocolError, "unexpected continuation frame")
	}

	if c.assembleBuf.Len()+len(frame.Payload) > c.maxMessageSize {
		return c.failConnection(CloseMessageTooBig, "message exceeds maximum size")
	}
	c.assembleBuf.Write(frame.Payload)

	if !frame.Fin {
		return nil
	}

	op := c.assembleOp
	payload := make([]byte, c.assembleBuf.Len())
	copy(payload, c.assembleBuf.Bytes())
	c.assembling = false
	c.assembleBuf.Reset()

	if op == OpText && !isValidUTF8(payload) {
		return c.failConnection(CloseInvalidFramePay, "invalid UTF-8 in text message")
	}

	if c.handler != nil {
		return c.handler(c, op, payload)
	}
	return nil
}

func (c *Connection) handleClose(payload []byte) error {
	code, reason, err := ParseCloseFrame(payload)
	if err != nil || !validCloseCode(code) {
		code = CloseNormal
		reason = ""
	}
	if c.closed {
		return c.closeSocket()
	}
	c.closed = true
	_ = c.Send(OpClose, EncodeCloseFrame(code, reason))
	return c.closeSocket()
}

// failConnection answers a protocol violation with a Close frame carrying
// the given code and then closes the socket.
func (c *Connection) failConnection(code CloseCode, reason string) error {
	if !c.closed {
		c.closed = true
		_ = c.Send(OpClose, EncodeCloseFrame(code, reason))
	}
	return c.closeSocket()
}

func (c *Connection) closeSocket() error {
	return c.conn.Close()
}

// sendControl writes a single-frame control message (ping/pong echo).
func (c *Connection) sendControl(opcode Opcode, payload []byte) error {
	return c.Send(opcode, payload)
}

// Send writes one unfragmented, server-to-client frame.
func (c *Connection) Send(opcode Opcode, payload []byte) error {
	return c.conn.AsyncWrite(WriteFrame(true, opcode, payload), func(_ gnet.Conn, err error) error {
		if err != nil {
			c.logger.Printf("websocket write error: %v", err)
		}
		return nil
	})
}

// SendText is a convenience wrapper for sending a complete text message.
func (c *Connection) SendText(s string) error {
	return c.Send(OpText, []byte(s))
}

// SendBinary is a convenience wrapper for sending a complete binary message.
func (c *Connection) SendBinary(b []byte) error {
	return c.Send(OpBinary, b)
}

// Ping sends an unsolicited ping frame.
func (c *Connection) Ping(payload []byte) error {
	return c.Send(OpPing, payload)
}

// InitiateClose begins the close handshake from the server side: sends a
// Close frame and arms a grace-period timer after which the socket is
// closed unconditionally even if the peer never replies (spec.md §4.6).
func (c *Connection) InitiateClose(code CloseCode, reason string) error {
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.Send(OpClose, EncodeCloseFrame(code, reason)); err != nil {
		return err
	}
	c.closeDeadline = time.AfterFunc(CloseGracePeriod, func() {
		_ = c.closeSocket()
	})
	return nil
}

func validCloseCode(code CloseCode) bool {
	return code >= 1000 && code < 5000
}

// isValidUTF8 reports whether b is a well-formed UTF-8 byte sequence,
// required of text-message payloads by RFC 6455 §8.1.
func isValidUTF8(b []byte) bool {
	return utf8.Valid(b)
}
