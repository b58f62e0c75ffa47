package transport

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// MessageHandler is the callback executed when a frame is received.
type MessageHandler func(ctx context.Context, connID uuid.UUID, msg []byte)

// OnCloseHandler runs exactly once when the connection terminates.
type OnCloseHandler func(connID uuid.UUID, err error)

type ConnectionConfig struct {
	ReadTimeout time.Duration
}

// Connection wraps a single WebSocket and serializes all writes through a
// buffered send channel. It is safe for concurrent use.
type Connection struct {
	id     uuid.UUID
	conn   *websocket.Conn
	config ConnectionConfig
	send   chan []byte

	onMessage MessageHandler
	onClose   OnCloseHandler

	done      chan struct{}
	wg        *sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	logger *slog.Logger
}

func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, config ConnectionConfig, onMessage MessageHandler, onClose OnCloseHandler, logger *slog.Logger) *Connection {
	id := uuid.New()
	connCtx, cancel := context.WithCancel(parentCtx)

	return &Connection{
		id:        id,
		conn:      conn,
		logger:    logger.With(slog.String("connID", id.String())),
		config:    config,
		onMessage: onMessage,
		onClose:   onClose,
		send:      make(chan []byte, 256),
		done:      make(chan struct{}),
		ctx:       connCtx,
		cancel:    cancel,
		wg:        wg,
	}
}

func (c *Connection) Run() {
	c.wg.Add(1)
	go c.readPump()
	go c.writePump()

	c.logger.Debug("connection established")
}

// readPump pumps frames from the socket to the message handler. Commands
// from one connection are therefore handled strictly in receipt order.
func (c *Connection) readPump() {
	var readErr error
	defer func() {
		c.Close(readErr)
	}()

	for {
		readCtx, cancelRead := context.WithTimeout(c.ctx, c.config.ReadTimeout)
		typ, r, err := c.conn.Reader(readCtx)
		if err != nil {
			cancelRead()
			readErr = err
			return
		}
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			cancelRead()
			continue
		}
		message, err := io.ReadAll(r)
		cancelRead()
		if err != nil {
			readErr = err
			return
		}
		if c.onMessage != nil {
			c.onMessage(c.ctx, c.id, message)
		}
	}
}

// writePump drains the send channel onto the socket. The send channel is
// never closed; context cancellation is the only shutdown signal, so a
// concurrent Send can never hit a closed channel.
func (c *Connection) writePump() {
	var writeErr error
	defer func() {
		c.Close(writeErr)
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.conn.Write(c.ctx, websocket.MessageText, message); err != nil {
				writeErr = err
				return
			}
		case <-c.ctx.Done():
			c.conn.Close(websocket.StatusNormalClosure, "server closing")
			return
		}
	}
}

// Send queues a frame for delivery. Frames to a closing connection are
// dropped; delivery is best-effort by design. Safe to call concurrently
// with Close from broadcast fan-out paths.
func (c *Connection) Send(message []byte) {
	if c.ctx.Err() != nil {
		c.logger.Debug("dropped frame for closing connection")
		return
	}
	select {
	case c.send <- message:
	case <-c.ctx.Done():
		c.logger.Debug("dropped frame for closing connection")
	}
}

// Close tears the connection down and fires the OnClose handler exactly
// once. It does not close the send channel; writePump exits on the
// cancelled context and queued frames are simply dropped.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		c.logger.Debug("transport connection closing", slog.Any("reason", err))

		c.cancel()
		c.conn.Close(websocket.StatusNormalClosure, "")
		if c.onClose != nil {
			c.onClose(c.id, err)
		}
		c.wg.Done()
		close(c.done)
	})
}

// Done returns a channel that is closed when the connection has fully
// terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) ID() uuid.UUID {
	return c.id
}

func (c *Connection) SetOnMessageHandler(handler MessageHandler) {
	c.onMessage = handler
}

func (c *Connection) SetOnCloseHandler(handler OnCloseHandler) {
	c.onClose = handler
}
