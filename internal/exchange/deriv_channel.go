package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const writeWait = 10 * time.Second

// Options configures a DerivChannel. Zero values take the defaults used by
// the browser client: 12s request timeout, 30s ping period.
type Options struct {
	URL               string
	AppID             string
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	PingInterval      time.Duration
	PongWait          time.Duration
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
}

func (o *Options) setDefaults() {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 12 * time.Second
	}
	if o.RequestsPerSecond <= 0 {
		o.RequestsPerSecond = 50
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.PongWait <= o.PingInterval {
		o.PongWait = 2 * o.PingInterval
	}
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = time.Second
	}
	if o.ReconnectMax < o.ReconnectMin {
		o.ReconnectMax = 30 * time.Second
	}
}

type call struct {
	done chan struct{}
	msg  *Message
	err  error
}

// DerivChannel implements Channel over the Deriv websocket API. Requests are
// correlated by req_id; every decoded message, responses included, is also
// published to the subscribers of its msg_type.
type DerivChannel struct {
	opts    Options
	logger  *zap.Logger
	dialer  *websocket.Dialer
	limiter *rate.Limiter
	hub     hub

	nextID atomic.Int64

	mu          sync.Mutex
	conn        *websocket.Conn
	pending     map[int64]*call
	onReconnect []func(ctx context.Context)
	closed      bool

	writeMu sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewDerivChannel creates a channel. Call Connect to dial.
func NewDerivChannel(opts Options, logger *zap.Logger) *DerivChannel {
	opts.setDefaults()
	return &DerivChannel{
		opts:    opts,
		logger:  logger,
		dialer:  &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), max(1, int(opts.RequestsPerSecond))),
		pending: make(map[int64]*call),
		stopCh:  make(chan struct{}),
	}
}

func (c *DerivChannel) endpoint() string {
	u, err := url.Parse(c.opts.URL)
	if err != nil || c.opts.AppID == "" {
		return c.opts.URL
	}
	q := u.Query()
	if q.Get("app_id") == "" {
		q.Set("app_id", c.opts.AppID)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// OnReconnect registers fn to run after every successful reconnection, e.g.
// to re-authorize and resubscribe. Venue subscriptions do not survive a new
// socket.
func (c *DerivChannel) OnReconnect(fn func(ctx context.Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = append(c.onReconnect, fn)
}

// Connected reports whether a socket is currently up.
func (c *DerivChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect dials the venue and starts the connection loop, which keeps
// reconnecting until ctx is done or Close is called.
func (c *DerivChannel) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.logger.Info("websocket connected", zap.String("url", c.opts.URL))
	c.wg.Add(1)
	go c.connectionLoop(ctx, conn)
	return nil
}

func (c *DerivChannel) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.endpoint(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		conn.Close()
		return nil, ErrClosed
	}
	c.conn = conn
	return conn, nil
}

func (c *DerivChannel) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

// connectionLoop serves one socket at a time and redials with exponential
// backoff whenever it drops.
func (c *DerivChannel) connectionLoop(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()
	b := &backoff.Backoff{Min: c.opts.ReconnectMin, Max: c.opts.ReconnectMax, Factor: 2, Jitter: true}

	for {
		err := c.serve(ctx, conn)
		c.dropConnection()
		if c.stopped(ctx) {
			c.logger.Info("websocket loop stopped")
			return
		}
		c.logger.Warn("websocket disconnected, reconnecting", zap.Error(err))

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-time.After(b.Duration()):
			}
			conn, err = c.dial(ctx)
			if err == nil {
				break
			}
			if errors.Is(err, ErrClosed) {
				return
			}
			c.logger.Warn("websocket reconnect failed", zap.Error(err), zap.Float64("attempt", b.Attempt()))
		}
		b.Reset()
		c.logger.Info("websocket reconnected")

		c.mu.Lock()
		hooks := append([]func(context.Context){}, c.onReconnect...)
		c.mu.Unlock()
		if len(hooks) > 0 {
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				for _, fn := range hooks {
					fn(ctx)
				}
			}()
		}
	}
}

// serve reads frames from conn until it fails, keeping it alive with pings.
func (c *DerivChannel) serve(ctx context.Context, conn *websocket.Conn) error {
	pongWait := c.opts.PongWait
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(c.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.write(conn, websocket.PingMessage, nil); err != nil {
					c.logger.Warn("websocket ping failed", zap.Error(err))
					return
				}
			case <-done:
				return
			}
		}
	}()

	// Unblock ReadMessage on shutdown.
	go func() {
		select {
		case <-ctx.Done():
		case <-c.stopCh:
		case <-done:
			return
		}
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		c.dispatch(data)
	}
}

func (c *DerivChannel) dispatch(data []byte) {
	msg, err := DecodeMessage(data)
	if err != nil {
		c.logger.Debug("dropping websocket frame", zap.Error(err), zap.ByteString("frame", data))
		return
	}
	if msg.Error != nil {
		c.logger.Warn("venue returned an error",
			zap.String("msg_type", string(msg.Type)),
			zap.String("code", msg.Error.Code),
			zap.String("message", msg.Error.Message))
	}

	// Subscribers see a response before its requester resumes.
	if msg.Type != "" {
		c.hub.publish(msg, c.logger)
	}
	if msg.ReqID != 0 {
		c.mu.Lock()
		cl, ok := c.pending[msg.ReqID]
		delete(c.pending, msg.ReqID)
		c.mu.Unlock()
		if ok {
			cl.msg = msg
			close(cl.done)
		}
	}
}

// dropConnection fails every in-flight request; their responses can no
// longer arrive.
func (c *DerivChannel) dropConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	for id, cl := range c.pending {
		cl.err = ErrNotConnected
		close(cl.done)
		delete(c.pending, id)
	}
}

func (c *DerivChannel) write(conn *websocket.Conn, messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, data)
}

// Request implements Channel.
func (c *DerivChannel) Request(ctx context.Context, payload Payload) (*Message, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	id := c.nextID.Add(1)
	cl := &call{done: make(chan struct{})}
	c.pending[id] = cl
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	body := make(Payload, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	body["req_id"] = id
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	if err := c.write(conn, websocket.TextMessage, data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrRequestTimeout
	case <-cl.done:
		if cl.err != nil {
			return nil, cl.err
		}
		if cl.msg.Error != nil {
			return cl.msg, cl.msg.Error
		}
		return cl.msg, nil
	}
}

// Subscribe implements Channel.
func (c *DerivChannel) Subscribe(msgType MsgType, h Handler) func() {
	return c.hub.subscribe(msgType, h)
}

// Close sends a close frame, stops the connection loop and fails pending
// requests. Later requests return ErrClosed.
func (c *DerivChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	close(c.stopCh)
	if conn != nil {
		err := c.write(conn, websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if err != nil {
			c.logger.Debug("send close frame failed", zap.Error(err))
		}
		conn.Close()
	}
	c.wg.Wait()
	c.dropConnection()
	return nil
}
