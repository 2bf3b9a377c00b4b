// Package gateway is the bot-side client of the AstrTown gateway WebSocket:
// connection lifecycle, frame routing and command/ack correlation.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"astrtown.ai/internal/logging"
	"astrtown.ai/internal/protocol"
	"astrtown.ai/internal/supervisor"
)

type TokenSource interface {
	Token() string
}

// EventHandler receives world events in arrival order, on the read loop.
type EventHandler interface {
	HandleEvent(ctx context.Context, env protocol.Envelope)
	// ResetSession drops per-connection state after a disconnect or an
	// auth failure.
	ResetSession()
}

type PersonaSyncer interface {
	SyncPersona(ctx context.Context, b Binding) error
}

type Config struct {
	URL          string
	VersionRange string
	Subscribe    string
	Tokens       TokenSource

	ReconnectMin time.Duration
	ReconnectMax time.Duration

	AckTimeout         time.Duration
	TombstoneTTL       time.Duration
	SayDebounceWindow  time.Duration
	SayDuplicateWindow time.Duration

	Validator *protocol.Validator
	Persona   PersonaSyncer
	Tasks     *supervisor.Group
	Logger    *zap.Logger
}

type authLock struct {
	token   string
	code    string
	message string
}

// Status is a point-in-time view of the client, served by get_status.
type Status struct {
	State           string  `json:"state"`
	Binding         Binding `json:"binding"`
	PendingCommands int     `json:"pending_commands"`
	AuthErrorCode   string  `json:"auth_error_code,omitempty"`
	LastError       string  `json:"last_error,omitempty"`
}

type Client struct {
	cfg     Config
	log     *zap.Logger
	cmds    *commandChannel
	tasks   *supervisor.Group
	handler EventHandler

	now          func() time.Time
	jitter       func() float64
	idle         time.Duration
	lockLogEvery time.Duration
	readTimeout  time.Duration
	pingEvery    time.Duration
	writeTimeout time.Duration

	mu          sync.RWMutex
	state       State
	conn        *websocket.Conn
	binding     Binding
	reached     bool
	lock        *authLock
	lastLockLog time.Time
	lastErr     string
	dialToken   string

	writeMu sync.Mutex

	running   atomic.Bool
	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func NewClient(cfg Config) (*Client, error) {
	if _, err := buildConnectURL(cfg.URL, "", "", ""); err != nil {
		return nil, err
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("nil token source")
	}
	if cfg.VersionRange == "" {
		cfg.VersionRange = protocol.DefaultVersionRange
	}
	if cfg.Subscribe == "" {
		cfg.Subscribe = "*"
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = cfg.ReconnectMin
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	if cfg.TombstoneTTL <= 0 {
		cfg.TombstoneTTL = 120 * time.Second
	}
	log := logging.OrNop(cfg.Logger).Named("gateway")
	tasks := cfg.Tasks
	if tasks == nil {
		tasks = supervisor.New(context.Background(), log)
	}

	c := &Client{
		cfg:          cfg,
		log:          log,
		tasks:        tasks,
		now:          time.Now,
		idle:         time.Second,
		lockLogEvery: 30 * time.Second,
		readTimeout:  90 * time.Second,
		pingEvery:    30 * time.Second,
		writeTimeout: 5 * time.Second,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	c.cmds = newCommandChannel(log, func() time.Time { return c.now() }, cfg.AckTimeout, cfg.TombstoneTTL,
		newSayDebouncer(cfg.SayDebounceWindow, cfg.SayDuplicateWindow))
	return c, nil
}

// SetEventHandler must be called before Run.
func (c *Client) SetEventHandler(h EventHandler) { c.handler = h }

func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) Binding() Binding {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.binding
}

func (c *Client) Status() Status {
	c.mu.RLock()
	st := Status{
		State:     c.state.String(),
		Binding:   c.binding,
		LastError: c.lastErr,
	}
	if c.lock != nil {
		st.AuthErrorCode = c.lock.code
	}
	c.mu.RUnlock()
	st.PendingCommands = c.cmds.pendingCount()
	return st
}

// SendCommand sends a command and blocks until its ack, its timeout, a
// debounce refusal or a transport failure.
func (c *Client) SendCommand(ctx context.Context, typ string, payload any) Result {
	c.mu.RLock()
	conn := c.conn
	b := c.binding
	c.mu.RUnlock()
	// Commands wait for the connected frame; the binding keys debounce.
	if conn == nil || b.IsZero() {
		return Result{Kind: NotConnected, Err: ErrNotConnected}
	}
	return c.cmds.issue(ctx, b, typ, payload, c.WriteJSON)
}

// WriteJSON writes one text frame. It returns ErrNotConnected when there is
// no live socket.
func (c *Client) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	_ = conn.SetWriteDeadline(c.now().Add(c.writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}

// Run owns the connection until ctx is done or Close is called.
func (c *Client) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("gateway client already running")
	}
	defer close(c.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	bo := newBackoff(c.cfg.ReconnectMin, c.cfg.ReconnectMax, c.jitter)
	lastToken := ""
	for {
		if ctx.Err() != nil {
			return nil
		}

		token := strings.TrimSpace(c.cfg.Tokens.Token())
		if token != lastToken {
			c.clearAuthLock()
			bo.reset()
			if token == "" {
				c.log.Warn("token cleared, pausing connection")
			} else if lastToken != "" {
				c.log.Info("token changed, auth lock cleared")
			}
			lastToken = token
		}
		if token == "" {
			if !c.sleep(ctx, c.idle) {
				return nil
			}
			continue
		}
		if c.lockedFor(token) {
			c.logLockout()
			if !c.sleep(ctx, c.idle) {
				return nil
			}
			continue
		}

		reached, err := c.connectAndReadLoop(ctx, token)
		if reached {
			bo.reset()
		}
		if ctx.Err() != nil {
			return nil
		}
		if err != nil && !c.lockedFor(token) {
			c.log.Warn("ws loop error", zap.Error(err))
		}
		if c.lockedFor(token) {
			continue
		}

		d := bo.next()
		c.log.Info("reconnecting", zap.Duration("in", d))
		if !c.sleep(ctx, d) {
			return nil
		}
	}
}

// Close stops Run, fails pending commands, cancels background tasks and
// closes the socket.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
		c.cmds.failAll(ErrClientClosed)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		if c.running.Load() {
			<-c.done
		}
		c.tasks.Close()
	})
}

func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Client) connectAndReadLoop(ctx context.Context, token string) (bool, error) {
	u, err := buildConnectURL(c.cfg.URL, token, c.cfg.VersionRange, c.cfg.Subscribe)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	c.state = StateConnecting
	c.reached = false
	c.dialToken = token
	c.mu.Unlock()
	c.log.Info("connecting", zap.String("url", logging.MaskURL(u)))

	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second, Proxy: http.ProxyFromEnvironment}
	conn, resp, err := d.DialContext(ctx, u, http.Header{})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.lastErr = err.Error()
		c.mu.Unlock()
		return false, err
	}

	c.mu.Lock()
	c.conn = conn
	c.lastErr = ""
	c.mu.Unlock()
	c.log.Info("ws connected")

	stopWatch := make(chan struct{})
	var watchers sync.WaitGroup
	watchers.Add(2)
	go func() {
		defer watchers.Done()
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stopWatch:
		}
	}()
	go func() {
		defer watchers.Done()
		c.keepalive(conn, stopWatch)
	}()
	defer func() {
		close(stopWatch)
		watchers.Wait()
		c.teardown(conn)
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(c.now().Add(c.readTimeout))
	})
	for {
		_ = conn.SetReadDeadline(c.now().Add(c.readTimeout))
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return c.reachedConnected(), nil
			}
			return c.reachedConnected(), err
		}
		if ctx.Err() != nil {
			return c.reachedConnected(), nil
		}
		c.handleFrame(ctx, mt, msg)
	}
}

func (c *Client) keepalive(conn *websocket.Conn, stop <-chan struct{}) {
	if c.pingEvery <= 0 {
		return
	}
	t := time.NewTicker(c.pingEvery)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, c.now().Add(c.writeTimeout)); err != nil {
				return
			}
		}
	}
}

// teardown runs once per connection after the read loop exits.
func (c *Client) teardown(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.binding = Binding{}
	if c.state != StateAuthLocked {
		c.state = StateDisconnected
	}
	c.mu.Unlock()
	_ = conn.Close()

	if n := c.cmds.failAll(ErrConnectionClosed); n > 0 {
		c.log.Info("failed pending commands on disconnect", zap.Int("count", n))
	}
	if c.handler != nil {
		c.handler.ResetSession()
	}
	c.log.Info("ws disconnected")
}

func (c *Client) reachedConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reached
}

func (c *Client) lockedFor(token string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lock != nil && c.lock.token == token
}

func (c *Client) clearAuthLock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lock = nil
	c.lastLockLog = time.Time{}
	if c.state == StateAuthLocked {
		c.state = StateDisconnected
	}
}

func (c *Client) logLockout() {
	now := c.now()
	c.mu.Lock()
	if c.lock == nil || now.Sub(c.lastLockLog) < c.lockLogEvery {
		c.mu.Unlock()
		return
	}
	c.lastLockLog = now
	code := c.lock.code
	c.mu.Unlock()
	c.log.Error("token rejected by gateway, reconnect paused until the token changes",
		zap.String("code", code),
		zap.String("hint", protocol.AuthHint(code)))
}

func buildConnectURL(base, token, versionRange, subscribe string) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return "", fmt.Errorf("empty gateway url")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("gateway url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("gateway url: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("gateway url: missing host")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/bot"
	q := url.Values{}
	q.Set("token", token)
	q.Set("v", versionRange)
	q.Set("subscribe", subscribe)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// StaticTokens is a fixed token.
type StaticTokens string

func (s StaticTokens) Token() string { return string(s) }
