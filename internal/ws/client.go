package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/fathima-sithara/delivery-service/internal/domain"
	"github.com/fathima-sithara/delivery-service/internal/presence"
	"github.com/gofiber/websocket/v2"
	"golang.org/x/time/rate"
)

var (
	ErrClientClosed = errors.New("client closed")
	ErrSlowConsumer = errors.New("client send buffer full")
)

type ClientOptions struct {
	SendBuffer     int
	RateLimit      int
	RateBurst      int
	MaxMessageSize int64
	PingInterval   time.Duration
	WriteDeadline  time.Duration
}

func (o *ClientOptions) defaults() {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.RateLimit <= 0 {
		o.RateLimit = 20
	}
	if o.RateBurst <= 0 {
		o.RateBurst = o.RateLimit
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 * 1024
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.WriteDeadline <= 0 {
		o.WriteDeadline = 10 * time.Second
	}
}

// Client represents a single websocket connection of an authenticated user.
// It implements presence.Handle.
type Client struct {
	conn    *websocket.Conn
	user    *domain.User
	send    chan []byte
	limiter *rate.Limiter
	opts    ClientOptions

	mu     sync.Mutex
	closed bool
}

func NewClient(conn *websocket.Conn, user *domain.User, opts ClientOptions) *Client {
	opts.defaults()
	return &Client{
		conn:    conn,
		user:    user,
		send:    make(chan []byte, opts.SendBuffer),
		limiter: rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst),
		opts:    opts,
	}
}

func (c *Client) UserID() string { return c.user.ID }

// Emit queues an event for the writer. It never blocks: a full buffer
// drops the event and reports ErrSlowConsumer.
func (c *Client) Emit(event string, data any) error {
	b, err := encode(event, data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.send <- b:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// close stops the writer. Safe to call more than once.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump reads frames until the connection fails and hands each one to
// handle. Frames over the rate limit are answered with message_error.
func (c *Client) readPump(handle func(raw []byte)) {
	c.conn.SetReadLimit(c.opts.MaxMessageSize)
	wait := 2 * c.opts.PingInterval
	_ = c.conn.SetReadDeadline(time.Now().Add(wait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wait))
		if !c.limiter.Allow() {
			_ = c.Emit(presence.EventMessageError, presence.ErrorEvent{Error: "rate limit exceeded"})
			continue
		}
		handle(data)
	}
}

// writePump writes messages from send channel to websocket.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteDeadline))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
