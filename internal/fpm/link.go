package fpm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrConnClosed reports that the feed peer disconnected. It is the only
// recoverable feed failure; the supervisor reacts by rebuilding the session.
var ErrConnClosed = errors.New("fpm connection closed")

const (
	// FPM frame header: version, message type, 16-bit total length
	// (header included) in network byte order.
	headerLen       = 4
	protocolVersion = 1
	msgTypeNetlink  = 1

	// Upper bound on a single frame, matching the feed's own limit.
	maxFrameLen = 16 * 1024
)

// Decoder turns one frame payload (a netlink message stream) into events.
type Decoder interface {
	Decode(payload []byte) ([]Event, error)
}

// Listener accepts routing-stack feed connections, one at a time.
type Listener struct {
	ln      net.Listener
	decoder Decoder
	logger  *zap.Logger
}

func Listen(addr string, decoder Decoder, logger *zap.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("fpm listen %s: %w", addr, err)
	}
	return &Listener{ln: ln, decoder: decoder, logger: logger}, nil
}

// Addr returns the bound listen address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

func (l *Listener) Close() error { return l.ln.Close() }

// Accept blocks until the routing stack connects, then starts the session's
// reader and returns the connection.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			l.ln.Close()
		case <-done:
		}
	}()

	conn, err := l.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("fpm accept: %w", err)
	}

	c := newConn(conn, l.decoder, l.logger)
	go c.readLoop()
	return c, nil
}

// Conn is one live feed session. A reader goroutine decodes frames and
// delivers events on C; the channel closes when the peer disconnects.
type Conn struct {
	conn    net.Conn
	decoder Decoder
	events  chan Event
	err     error // valid after events is closed
	// Throttles decode-error logging so a corrupt peer cannot flood the log.
	logLimit *rate.Limiter
	logger   *zap.Logger
}

func newConn(conn net.Conn, decoder Decoder, logger *zap.Logger) *Conn {
	return &Conn{
		conn:     conn,
		decoder:  decoder,
		events:   make(chan Event, 256),
		logLimit: rate.NewLimiter(rate.Every(time.Second), 5),
		logger:   logger,
	}
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Events delivers decoded feed events in arrival order.
func (c *Conn) Events() <-chan Event { return c.events }

// Err reports why the event channel closed. It must only be called after
// Events is closed.
func (c *Conn) Err() error { return c.err }

func (c *Conn) Close() error { return c.conn.Close() }

func (c *Conn) readLoop() {
	defer close(c.events)

	header := make([]byte, headerLen)
	for {
		payload, err := c.readFrame(header)
		if err != nil {
			c.err = err
			return
		}
		if len(payload) == 0 {
			continue
		}

		events, err := c.decoder.Decode(payload)
		if err != nil {
			if c.logLimit.Allow() {
				c.logger.Warn("fpm frame decode failed", zap.Error(err))
			}
			continue
		}
		for _, ev := range events {
			c.events <- ev
		}
	}
}

func (c *Conn) readFrame(header []byte) ([]byte, error) {
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return nil, closeErr(err)
	}

	version := header[0]
	msgType := header[1]
	length := int(binary.BigEndian.Uint16(header[2:4]))

	if version != protocolVersion || length < headerLen || length > maxFrameLen {
		return nil, fmt.Errorf("fpm bad frame header (version=%d type=%d len=%d)", version, msgType, length)
	}

	payload := make([]byte, length-headerLen)
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		return nil, closeErr(err)
	}

	if msgType != msgTypeNetlink {
		// Unknown payload type, skip the frame.
		return nil, nil
	}
	return payload, nil
}

func closeErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return ErrConnClosed
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return ErrConnClosed
	}
	return fmt.Errorf("fpm read: %w", err)
}
