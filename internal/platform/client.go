// Package platform is a minimal messaging-platform bot client: a gateway
// websocket session (hello, identify, ready, heartbeat, dispatch) and the
// REST call bots need to answer messages.
package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var ErrHandshake = errors.New("platform: handshake failed")

const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatACK   = 11

	// GUILDS | GUILD_MESSAGES | MESSAGE_CONTENT
	DefaultIntents = 1<<0 | 1<<9 | 1<<15
)

type Options struct {
	Token      string
	GatewayURL string
	APIURL     string
	Intents    int
	// HTTP overrides the REST client (tests).
	HTTP *resty.Client
}

type User struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	Discriminator string `json:"discriminator"`
	Bot           bool   `json:"bot"`
}

// Tag is username, or username#discriminator for legacy accounts.
func (u User) Tag() string {
	if u.Discriminator == "" || u.Discriminator == "0" {
		return u.Username
	}
	return u.Username + "#" + u.Discriminator
}

type frame struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

// DispatchFunc receives gateway events with camelCase names (MESSAGE_CREATE -> messageCreate).
type DispatchFunc func(event string, data map[string]any)

type Client struct {
	opts Options
	rest *resty.Client
	log  *logrus.Entry

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu         sync.RWMutex
	user       User
	seq        *int64
	dispatch   DispatchFunc
	err        error
	closing    bool
	done       chan struct{}
	closeOnce  sync.Once
	cancelLoop context.CancelFunc
}

func New(opts Options) *Client {
	if opts.Intents == 0 {
		opts.Intents = DefaultIntents
	}
	rest := opts.HTTP
	if rest == nil {
		rest = resty.New().
			SetTimeout(15 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(500 * time.Millisecond)
	}
	rest.SetBaseURL(strings.TrimRight(opts.APIURL, "/")).
		SetHeader("Authorization", "Bot "+opts.Token).
		SetHeader("User-Agent", "bothost (https://github.com/betbot/bothost, 1.0)")
	return &Client{
		opts: opts,
		rest: rest,
		log:  logrus.WithField("component", "platform"),
		done: make(chan struct{}),
	}
}

// OnDispatch sets the event callback; it is called from the read loop.
func (c *Client) OnDispatch(fn DispatchFunc) {
	c.mu.Lock()
	c.dispatch = fn
	c.mu.Unlock()
}

func (c *Client) User() User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

// Done is closed when the session ends for any reason.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err is the reason the session ended (nil while running or after Close).
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Connect runs the handshake. It returns once READY arrives; heartbeat and
// dispatch then run until Close or connection loss. There is no reconnect.
func (c *Client) Connect(ctx context.Context) error {
	if strings.TrimSpace(c.opts.Token) == "" {
		return errors.Wrap(ErrHandshake, "empty token")
	}
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.opts.GatewayURL, nil)
	if err != nil {
		return errors.Wrapf(ErrHandshake, "dial gateway: %v", err)
	}
	c.conn = conn
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	interval, err := c.readHello()
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := c.identify(); err != nil {
		_ = conn.Close()
		return errors.Wrapf(ErrHandshake, "identify: %v", err)
	}
	if err := c.awaitReady(); err != nil {
		_ = conn.Close()
		return err
	}
	if !stop() {
		// ctx fired and closed the socket right at the end of the handshake
		return errors.Wrap(ErrHandshake, ctx.Err().Error())
	}
	_ = conn.SetReadDeadline(time.Time{})

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancelLoop = cancel
	go c.heartbeatLoop(loopCtx, interval)
	go c.readLoop(loopCtx)
	c.log.Infof("gateway session ready as %s", c.User().Tag())
	return nil
}

func (c *Client) readFrame() (*frame, error) {
	_, msg, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var f frame
	if err := json.Unmarshal(msg, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.S != nil {
		c.mu.Lock()
		c.seq = f.S
		c.mu.Unlock()
	}
	return &f, nil
}

func (c *Client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(v)
}

func (c *Client) readHello() (time.Duration, error) {
	f, err := c.readFrame()
	if err != nil {
		return 0, errors.Wrapf(ErrHandshake, "read hello: %v", err)
	}
	if f.Op != opHello {
		return 0, errors.Wrapf(ErrHandshake, "expected hello, got op %d", f.Op)
	}
	var hello struct {
		HeartbeatInterval int64 `json:"heartbeat_interval"`
	}
	if err := json.Unmarshal(f.D, &hello); err != nil || hello.HeartbeatInterval <= 0 {
		return 0, errors.Wrap(ErrHandshake, "bad hello payload")
	}
	return time.Duration(hello.HeartbeatInterval) * time.Millisecond, nil
}

func (c *Client) identify() error {
	return c.writeJSON(map[string]any{
		"op": opIdentify,
		"d": map[string]any{
			"token":   c.opts.Token,
			"intents": c.opts.Intents,
			"properties": map[string]string{
				"os":      "linux",
				"browser": "bothost",
				"device":  "bothost",
			},
		},
	})
}

func (c *Client) awaitReady() error {
	for {
		f, err := c.readFrame()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return errors.Wrapf(ErrHandshake, "gateway closed: %d %s", ce.Code, ce.Text)
			}
			return errors.Wrapf(ErrHandshake, "await ready: %v", err)
		}
		switch f.Op {
		case opInvalidSession:
			return errors.Wrap(ErrHandshake, "invalid session")
		case opDispatch:
			if f.T != "READY" {
				continue
			}
			var ready struct {
				User User `json:"user"`
			}
			if err := json.Unmarshal(f.D, &ready); err != nil {
				return errors.Wrapf(ErrHandshake, "decode ready: %v", err)
			}
			c.mu.Lock()
			c.user = ready.User
			c.mu.Unlock()
			return nil
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.sendHeartbeat(); err != nil {
				c.fail(errors.Wrap(err, "heartbeat"))
				return
			}
		}
	}
}

func (c *Client) sendHeartbeat() error {
	c.mu.RLock()
	seq := c.seq
	c.mu.RUnlock()
	return c.writeJSON(map[string]any{"op": opHeartbeat, "d": seq})
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		f, err := c.readFrame()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.fail(errors.Wrap(err, "gateway read"))
			return
		}
		switch f.Op {
		case opHeartbeat:
			if err := c.sendHeartbeat(); err != nil {
				c.fail(errors.Wrap(err, "heartbeat"))
				return
			}
		case opReconnect, opInvalidSession:
			c.fail(errors.Errorf("gateway requested session end (op %d)", f.Op))
			return
		case opDispatch:
			c.deliver(f)
		case opHeartbeatACK:
		}
	}
}

func (c *Client) deliver(f *frame) {
	c.mu.RLock()
	fn := c.dispatch
	c.mu.RUnlock()
	if fn == nil || f.T == "" {
		return
	}
	data := map[string]any{}
	if len(f.D) > 0 {
		if err := json.Unmarshal(f.D, &data); err != nil {
			c.log.WithError(err).Debugf("dropping undecodable %s event", f.T)
			return
		}
	}
	fn(EventName(f.T), data)
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err == nil && !c.closing {
		c.err = err
	}
	c.mu.Unlock()
	c.shutdown()
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		if c.cancelLoop != nil {
			c.cancelLoop()
		}
		if c.conn != nil {
			c.writeMu.Lock()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			c.writeMu.Unlock()
			_ = c.conn.Close()
		}
		close(c.done)
	})
}

// Close ends the session. Err stays nil when the caller closed it.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	c.shutdown()
	return nil
}

// SendMessage posts content to a channel and returns the created message.
func (c *Client) SendMessage(ctx context.Context, channelID, content string) (map[string]any, error) {
	var out map[string]any
	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"content": content}).
		SetResult(&out).
		Post("/channels/" + channelID + "/messages")
	if err != nil {
		return nil, errors.Wrap(err, "send message")
	}
	if resp.IsError() {
		return nil, errors.Errorf("send message: status %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return out, nil
}

// EventName converts a gateway dispatch type to camelCase.
func EventName(t string) string {
	parts := strings.Split(strings.ToLower(t), "_")
	var b strings.Builder
	for i, p := range parts {
		if p == "" {
			continue
		}
		if i == 0 {
			b.WriteString(p)
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]) + p[1:])
	}
	return b.String()
}
