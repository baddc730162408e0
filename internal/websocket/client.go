// Package websocket wraps a gobwas/ws client connection behind buffered
// in/out channels so callers never touch the conn directly.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

type Config struct {
	URL         string
	DialTimeout time.Duration
	Headers     http.Header
	// OnText is invoked for every text frame, in receipt order, from a
	// single goroutine.
	OnText func(data []byte) error
	// OnClose is invoked once when the connection terminates for any reason.
	OnClose func()
	Logger  *slog.Logger
}

type Client struct {
	conn     net.Conn
	out      chan wsutil.Message
	done     chan struct{}
	doneOnce sync.Once
	logger   *slog.Logger
	onClose  func()
}

func (c *Client) setDone() {
	c.doneOnce.Do(func() {
		close(c.done)
		if c.onClose != nil {
			c.onClose()
		}
	})
}

// Done is closed when the connection has terminated.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) WriteText(data []byte) {
	c.write(ws.OpText, data)
}

func (c *Client) Ping(data []byte) {
	c.write(ws.OpPing, data)
}

func (c *Client) write(opcode ws.OpCode, data []byte) {
	select {
	case c.out <- wsutil.Message{OpCode: opcode, Payload: data}:
	case <-c.done:
	}
}

// Close sends a close frame and waits for the connection to wind down.
func (c *Client) Close(ctx context.Context) error {
	c.write(ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, "closing"))
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close failed: %w", ctx.Err())
	}
}

// Dial connects, performs the websocket handshake and starts the read and
// write pumps.
func Dial(ctx context.Context, config Config) (*Client, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With(slog.String("url", config.URL))

	dialTimeout := config.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 10 * time.Second
	}
	hsCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	d := ws.Dialer{
		Timeout: dialTimeout,
		Header:  ws.HandshakeHeaderHTTP(config.Headers),
	}
	conn, buf, _, err := d.Dial(hsCtx, config.URL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", config.URL, err)
	}
	if buf != nil {
		ws.PutReader(buf)
	}
	logger.Debug("websocket connected")

	client := &Client{
		conn:    conn,
		out:     make(chan wsutil.Message, 1000),
		done:    make(chan struct{}),
		logger:  logger,
		onClose: config.OnClose,
	}

	input := make(chan wsutil.Message, 1000)
	go client.readLoop(input)
	go client.writeLoop(ctx)
	go client.processLoop(ctx, input, config.OnText)

	return client, nil
}

func (c *Client) readLoop(input chan<- wsutil.Message) {
	defer c.setDone()
	for {
		messages, err := wsutil.ReadServerMessage(c.conn, nil)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.logger.Error("websocket read failed", slog.Any("err", err))
			}
			return
		}
		for _, msg := range messages {
			select {
			case input <- msg:
			case <-c.done:
				return
			}
		}
	}
}

func (c *Client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case msg := <-c.out:
			if err := wsutil.WriteClientMessage(c.conn, msg.OpCode, msg.Payload); err != nil {
				c.logger.Error("websocket write failed", slog.Any("err", err))
				c.setDone()
				return
			}
		}
	}
}

func (c *Client) processLoop(ctx context.Context, input <-chan wsutil.Message, onText func([]byte) error) {
	defer c.conn.Close()
	for {
		select {
		case <-ctx.Done():
			c.setDone()
			return
		case <-c.done:
			return
		case msg := <-input:
			if msg.OpCode.IsControl() {
				c.handleControl(msg)
				continue
			}
			if msg.OpCode == ws.OpText && onText != nil {
				if err := onText(msg.Payload); err != nil {
					c.logger.Error("text handler failed", slog.Any("err", err))
				}
			}
		}
	}
}

func (c *Client) handleControl(msg wsutil.Message) {
	if err := wsutil.HandleServerControlMessage(c.conn, msg); err != nil {
		c.logger.Error("control message handling failed", slog.Any("err", err))
	}
	if msg.OpCode == ws.OpClose {
		c.logger.Debug("close frame received", slog.String("reason", string(msg.Payload)))
		c.setDone()
	}
}
