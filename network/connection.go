package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrConnectionClosed indicates the backend connection is gone.
	ErrConnectionClosed = errors.New("network: connection closed")
	// ErrPongTimeout indicates keep-alive timed out waiting for pong.
	ErrPongTimeout = errors.New("network: pong timeout")
)

// ConnectionState represents the lifecycle state of the backend connection.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "CONNECTING"
	StateReady        ConnectionState = "READY"
	StateIdle         ConnectionState = "IDLE"
	StateDisconnected ConnectionState = "DISCONNECTED"
)

// ClientOptions controls runtime behavior of Client.
type ClientOptions struct {
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	DialTimeout       time.Duration
	Logger            *zerolog.Logger

	// NewRequestID generates request correlation ids. Defaults to uuid.NewString.
	NewRequestID func() string
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if o.KeepAliveTimeout <= 0 {
		o.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if o.FrameReadTimeout <= 0 {
		o.FrameReadTimeout = DefaultFrameReadTimeout
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.NewRequestID == nil {
		o.NewRequestID = uuid.NewString
	}
	return o
}

// Client is a framed session with the messaging backend. Requests are
// correlated to acks by request id; everything else the server pushes is
// delivered on Events.
type Client struct {
	conn net.Conn
	log  zerolog.Logger

	newRequestID func() string

	sendMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan Ack

	stateMu sync.RWMutex
	state   ConnectionState

	waitMu       sync.Mutex
	waitingPong  bool
	pongDeadline time.Time

	lastActivity atomic.Int64

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	frameReadTimeout  time.Duration

	events chan Event

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

// NewClient takes ownership of conn and starts its read and keep-alive loops.
func NewClient(conn net.Conn, options ClientOptions) *Client {
	opts := options.withDefaults()

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	c := &Client{
		conn:              conn,
		log:               logger.With().Str("component", "network").Str("remote", conn.RemoteAddr().String()).Logger(),
		newRequestID:      opts.NewRequestID,
		pending:           make(map[string]chan Ack),
		keepAliveInterval: opts.KeepAliveInterval,
		keepAliveTimeout:  opts.KeepAliveTimeout,
		frameReadTimeout:  opts.FrameReadTimeout,
		events:            make(chan Event, 64),
		closed:            make(chan struct{}),
		state:             StateConnecting,
	}

	c.touchActivity()
	c.setState(StateReady)
	go c.readLoop()
	go c.keepAliveLoop()

	return c
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Done is closed when the connection is fully disconnected.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// Events returns frames pushed by the server. The channel is closed once
// the connection is gone.
func (c *Client) Events() <-chan Event {
	return c.events
}

// LastError returns the terminal connection error, if any.
func (c *Client) LastError() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

// Close terminates the connection.
func (c *Client) Close() error {
	c.closeWithError(nil)
	return nil
}

// roundTrip sends req and waits for the matching ack. A missing ack surfaces
// as ctx's error; a dropped connection as ErrConnectionClosed.
func (c *Client) roundTrip(ctx context.Context, req Request) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, fmt.Errorf("send %s: %w", req.Type, err)
	}
	if err := c.connErr(); err != nil {
		return Ack{}, fmt.Errorf("send %s: %w", req.Type, err)
	}

	req.RequestID = c.newRequestID()
	waiter := make(chan Ack, 1)

	c.pendingMu.Lock()
	c.pending[req.RequestID] = waiter
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.RequestID)
		c.pendingMu.Unlock()
	}()

	if err := c.send(ctx, req); err != nil {
		return Ack{}, fmt.Errorf("send %s: %w", req.Type, err)
	}

	select {
	case ack := <-waiter:
		return ack, nil
	case <-c.closed:
		return Ack{}, fmt.Errorf("await %s ack: %w", req.Type, c.connErr())
	case <-ctx.Done():
		return Ack{}, fmt.Errorf("await %s ack: %w", req.Type, ctx.Err())
	}
}

// notify writes req without waiting for an ack. An ack the server sends
// anyway is dropped by deliverAck.
func (c *Client) notify(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("send %s: %w", req.Type, err)
	}
	if err := c.connErr(); err != nil {
		return fmt.Errorf("send %s: %w", req.Type, err)
	}

	req.RequestID = c.newRequestID()
	if err := c.send(ctx, req); err != nil {
		return fmt.Errorf("send %s: %w", req.Type, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer func() {
			_ = c.conn.SetWriteDeadline(time.Time{})
		}()
	}

	if err := WriteFrame(c.conn, payload); err != nil {
		// A partially written frame leaves the stream unusable either way.
		c.closeWithError(err)
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() && ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}

	c.touchActivity()
	return nil
}

func (c *Client) connErr() error {
	select {
	case <-c.closed:
	default:
		return nil
	}
	if err := c.LastError(); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return ErrConnectionClosed
}

func (c *Client) readLoop() {
	defer close(c.events)

	for {
		select {
		case <-c.closed:
			return
		default:
		}

		payload, err := ReadFrameWithTimeout(c.conn, c.frameReadTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				c.closeWithError(nil)
				return
			}

			c.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}

		c.touchActivity()
		if len(payload) == 0 {
			continue
		}

		msgType, err := DecodeMessageType(payload)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}

		switch {
		case msgType == TypePing:
			c.setState(StateIdle)
			_ = c.send(context.Background(), PongMessage{Type: TypePong, Timestamp: time.Now().UnixMilli()})
		case msgType == TypePong:
			c.ackPong()
			c.setState(StateIdle)
		case msgType == TypeAck:
			c.setState(StateReady)
			c.deliverAck(payload)
		case isEventType(msgType):
			c.setState(StateReady)
			var event Event
			if err := json.Unmarshal(payload, &event); err != nil {
				c.log.Warn().Err(err).Str("type", msgType).Msg("dropping malformed event")
				continue
			}
			select {
			case c.events <- event:
			case <-c.closed:
				return
			}
		default:
			c.log.Debug().Str("type", msgType).Msg("ignoring unknown frame type")
		}
	}
}

func (c *Client) deliverAck(payload []byte) {
	var ack Ack
	if err := json.Unmarshal(payload, &ack); err != nil {
		c.log.Warn().Err(err).Msg("dropping malformed ack")
		return
	}

	c.pendingMu.Lock()
	waiter, ok := c.pending[ack.RequestID]
	c.pendingMu.Unlock()
	if !ok {
		c.log.Debug().Str("request_id", ack.RequestID).Msg("ack for unknown or expired request")
		return
	}

	select {
	case waiter <- ack:
	default:
	}
}

func (c *Client) keepAliveLoop() {
	checkEvery := c.keepAliveInterval / 2
	if checkEvery <= 0 {
		checkEvery = c.keepAliveInterval
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if c.waitingPongExpired() {
				c.closeWithError(ErrPongTimeout)
				return
			}

			idleFor := time.Since(time.Unix(0, c.lastActivity.Load()))
			if idleFor < c.keepAliveInterval || c.isWaitingPong() {
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), c.keepAliveTimeout)
			err := c.send(ctx, PingMessage{Type: TypePing, Timestamp: time.Now().UnixMilli()})
			cancel()
			if err != nil {
				return
			}
			c.setWaitingPong(time.Now().Add(c.keepAliveTimeout))
			c.setState(StateIdle)
		case <-c.closed:
			return
		}
	}
}

func (c *Client) setState(state ConnectionState) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state == StateDisconnected {
		return
	}
	c.state = state
}

func (c *Client) touchActivity() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Client) setWaitingPong(deadline time.Time) {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	c.waitingPong = true
	c.pongDeadline = deadline
}

func (c *Client) ackPong() {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	c.waitingPong = false
	c.pongDeadline = time.Time{}
}

func (c *Client) isWaitingPong() bool {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	return c.waitingPong
}

func (c *Client) waitingPongExpired() bool {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	return c.waitingPong && time.Now().After(c.pongDeadline)
}

func (c *Client) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()

		c.stateMu.Lock()
		c.state = StateDisconnected
		c.stateMu.Unlock()

		_ = c.conn.Close()
		close(c.closed)
		if err != nil {
			c.log.Warn().Err(err).Msg("backend connection closed")
		}
	})
}
