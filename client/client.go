package client

import (
	"context"
	"errors"
	"math"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"NWChat/logger"
	chatmodel "NWChat/module/chat/model"
	"NWChat/service/chat"
	"NWChat/tools/ids"
	"NWChat/tools/safe"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateGivenUp
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateGivenUp:
		return "given_up"
	}
	return "unknown"
}

type EventType int

const (
	EventStateChanged EventType = iota
	EventMessage
	EventResync
	EventError
)

// Event is what the UI layer observes instead of reaching into the
// state machine.
type Event struct {
	Type    EventType
	State   State
	Message *chatmodel.Message
	Err     error
}

type Config struct {
	URL    string // ws endpoint, e.g. ws://host:8080/ws
	Token  string
	UserID string // own user id, stamped on optimistic entries

	// ConversationID is the active conversation; its history is
	// resynced after every successful connect. Optional.
	ConversationID string
	History        *HistoryFetcher // optional

	DialTimeout       time.Duration // default 10s
	HeartbeatInterval time.Duration // default 15s
	BackoffBase       time.Duration // default 1s
	BackoffGrowth     float64       // default 1.5
	BackoffCap        time.Duration // default 15s
	MaxAttempts       int           // default 5

	Dialer *websocket.Dialer
}

func (c *Config) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffGrowth <= 0 {
		c.BackoffGrowth = 1.5
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 15 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
}

// BackoffDelay computes the reconnect delay for the given attempt
// number: min(base * growth^attempt, ceiling).
func BackoffDelay(base time.Duration, growth float64, ceiling time.Duration, attempt int) time.Duration {
	d := time.Duration(float64(base) * math.Pow(growth, float64(attempt)))
	if d > ceiling {
		return ceiling
	}
	return d
}

var ErrNotConnected = errors.New("client is not connected")
var ErrClientClosed = errors.New("client is closed")

// Client is the reconnecting chat client: one logical state machine
// driving the duplex connection, heartbeats, bounded-backoff retries
// and the deduplicating message log. All transitions are serialized by
// one mutex; transport callbacks from a superseded connection identify
// themselves by generation and are ignored.
type Client struct {
	mu  sync.Mutex
	cfg Config

	state    State
	attempts int
	gen      uint64
	conn     *websocket.Conn
	writeMu  sync.Mutex

	log        *MessageLog
	sessionID  string
	retryTimer *time.Timer
	hbStop     chan struct{}
	closed     bool

	events chan Event
}

func New(cfg Config) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:    cfg,
		state:  StateDisconnected,
		log:    NewMessageLog(),
		events: make(chan Event, 64),
	}
}

// Events exposes the observation channel for a UI layer. Slow
// consumers lose events rather than blocking the state machine.
func (c *Client) Events() <-chan Event { return c.events }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Messages() []*chatmodel.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.log.Messages()
}

func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Connect starts the state machine from Disconnected.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if c.state != StateDisconnected {
		return nil
	}
	c.startConnectLocked()
	return nil
}

// NetworkOnline signals that connectivity returned. When Disconnected
// (and not GivenUp) the attempt counter resets and a connect starts
// immediately instead of waiting out the backoff.
func (c *Client) NetworkOnline() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state != StateDisconnected {
		return
	}
	c.attempts = 0
	c.cancelRetryLocked()
	c.startConnectLocked()
}

// Reconnect is the explicit trigger that leaves GivenUp.
func (c *Client) Reconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.state != StateGivenUp && c.state != StateDisconnected {
		return
	}
	c.attempts = 0
	c.cancelRetryLocked()
	c.setStateLocked(StateDisconnected)
	c.startConnectLocked()
}

// SendMessage appends an optimistic entry and ships the frame. The
// entry stays temp until the matching ack (or the confirmed message)
// arrives.
func (c *Client) SendMessage(conversationID, content string) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClientClosed
	}
	if c.state != StateOpen || c.conn == nil {
		c.mu.Unlock()
		return "", ErrNotConnected
	}
	tempID := "temp-" + ids.GenerateString()
	c.log.AppendLocal(tempID, conversationID, c.cfg.UserID, content)
	conn := c.conn
	c.mu.Unlock()

	frame := &chat.Frame{
		Type:           chat.FrameTypeMessage,
		Content:        content,
		ConversationID: conversationID,
		TempID:         tempID,
		Timestamp:      time.Now().UnixMilli(),
	}
	if err := c.writeFrame(conn, frame); err != nil {
		return tempID, err
	}
	return tempID, nil
}

// Close tears the client down: all timers cancelled, the connection
// closed, no further reconnects. Safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.gen++ // invalidate every in-flight callback
	c.cancelRetryLocked()
	c.stopHeartbeatLocked()
	if c.conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = c.conn.Close()
		c.conn = nil
	}
	c.state = StateDisconnected
	close(c.events)
}

// ---- internals; all *Locked functions require c.mu ----

func (c *Client) startConnectLocked() {
	c.setStateLocked(StateConnecting)
	c.attempts++
	c.gen++
	gen := c.gen
	safe.Go(func() { c.dial(gen) })
}

func (c *Client) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	defer cancel()

	u := c.cfg.URL + "?token=" + url.QueryEscape(c.cfg.Token)
	conn, resp, err := c.cfg.Dialer.DialContext(ctx, u, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		logger.Infof("[client] dial failed attempt=%d err=%v", c.attempts, err)
		c.setStateLocked(StateDisconnected)
		c.scheduleRetryLocked()
		c.mu.Unlock()
		return
	}

	c.conn = conn
	c.attempts = 0
	c.hbStop = make(chan struct{})
	hbStop := c.hbStop
	c.setStateLocked(StateOpen)
	c.mu.Unlock()

	safe.Go(func() { c.readLoop(gen, conn) })
	safe.Go(func() { c.heartbeatLoop(gen, conn, hbStop) })
	safe.Go(func() { c.resync(gen) })
}

func (c *Client) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.onTransportClosed(gen, err)
			return
		}
		c.onFrame(gen, conn, data)
	}
}

func (c *Client) onFrame(gen uint64, conn *websocket.Conn, raw []byte) {
	f, err := chat.ParseFrame(raw)
	if err != nil {
		logger.Infof("[client] drop bad frame: %v", err)
		return
	}

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}

	switch f.Type {
	case chat.FrameTypeConnected:
		c.sessionID = f.SessionID
		c.mu.Unlock()
	case chat.FrameTypePing:
		c.mu.Unlock()
		_ = c.writeFrame(conn, chat.BuildPong())
	case chat.FrameTypePong:
		c.mu.Unlock()
	case chat.FrameTypeMessage:
		applied := c.log.Apply(f.Message)
		if applied {
			c.emitLocked(Event{Type: EventMessage, Message: f.Message})
		}
		c.mu.Unlock()
	case chat.FrameTypeAck:
		if c.log.Ack(f.TempID, f.MessageID) {
			c.emitLocked(Event{Type: EventMessage})
		}
		c.mu.Unlock()
	case chat.FrameTypeError:
		c.emitLocked(Event{Type: EventError, Err: errors.New(f.Reason)})
		c.mu.Unlock()
	default:
		c.mu.Unlock()
	}
}

func (c *Client) onTransportClosed(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.gen {
		return
	}
	c.stopHeartbeatLocked()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.setStateLocked(StateDisconnected)

	if isCleanClose(err) {
		// explicit server close: stay down, no retry storm
		logger.Infof("[client] clean close: %v", err)
		return
	}
	c.scheduleRetryLocked()
}

func (c *Client) scheduleRetryLocked() {
	if c.attempts >= c.cfg.MaxAttempts {
		logger.Warnf("[client] giving up after %d attempts", c.attempts)
		c.setStateLocked(StateGivenUp)
		c.emitLocked(Event{Type: EventError, Err: errors.New("max reconnect attempts reached")})
		return
	}
	delay := BackoffDelay(c.cfg.BackoffBase, c.cfg.BackoffGrowth, c.cfg.BackoffCap, c.attempts)
	logger.Infof("[client] reconnect in %v attempt=%d/%d", delay, c.attempts, c.cfg.MaxAttempts)
	c.retryTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed || c.state != StateDisconnected {
			return
		}
		c.startConnectLocked()
	})
}

func (c *Client) heartbeatLoop(gen uint64, conn *websocket.Conn, stop chan struct{}) {
	t := time.NewTicker(c.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			c.mu.Lock()
			stale := c.closed || gen != c.gen
			c.mu.Unlock()
			if stale {
				return
			}
			if err := c.writeFrame(conn, chat.BuildPing()); err != nil {
				return // the read loop observes the broken transport
			}
		}
	}
}

// resync pulls the active conversation's history to cover anything
// missed while disconnected; the log dedups overlaps.
func (c *Client) resync(gen uint64) {
	if c.cfg.History == nil || c.cfg.ConversationID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	history, err := c.cfg.History.Messages(ctx, c.cfg.ConversationID)
	if err != nil {
		logger.Warnf("[client] resync failed: %v", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.gen {
		return
	}
	added := c.log.Resync(history)
	c.emitLocked(Event{Type: EventResync})
	logger.Infof("[client] resync merged %d new of %d", added, len(history))
}

func (c *Client) writeFrame(conn *websocket.Conn, f *chat.Frame) error {
	data, err := chat.EncodeFrame(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.emitLocked(Event{Type: EventStateChanged, State: s})
}

func (c *Client) emitLocked(e Event) {
	if c.closed {
		return
	}
	select {
	case c.events <- e:
	default:
		// observer is behind; state is queryable anyway
	}
}

func (c *Client) cancelRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

func (c *Client) stopHeartbeatLocked() {
	if c.hbStop != nil {
		close(c.hbStop)
		c.hbStop = nil
	}
}

func isCleanClose(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
	}
	return false
}
