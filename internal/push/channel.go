// Package push maintains the long-lived websocket that delivers remote
// entity changes to this client.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"github.com/lumenhq/lumen/internal/config"
	"github.com/lumenhq/lumen/internal/logging"
)

// EventType is the closed set of events the server can deliver.
type EventType string

const (
	EventEntityCreated EventType = "entity-created"
	EventEntityUpdated EventType = "entity-updated"
	EventEntityDeleted EventType = "entity-deleted"
	EventLinkCreated   EventType = "link-created"
	EventLinkDeleted   EventType = "link-deleted"
	EventPing          EventType = "ping"
	EventPong          EventType = "pong"
	EventError         EventType = "error"
)

// Event is one inbound push message. Entity events carry the server's copy
// of the changed record; error events carry only Message.
type Event struct {
	Type       EventType       `json:"type"`
	EntityType string          `json:"entity_type,omitempty"`
	ServerID   int64           `json:"server_id,omitempty"`
	Version    int64           `json:"version,omitempty"`
	UpdatedAt  int64           `json:"updated_at,omitempty"`
	DeletedAt  int64           `json:"deleted_at,omitempty"`
	Fields     json.RawMessage `json:"fields,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// State describes the channel's connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateFailed means the reconnect budget is exhausted; the channel
	// stays down until Start is called again.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// Channel owns the websocket I/O loop. Events and state transitions are
// delivered on the channel's own goroutine; handlers must not block.
type Channel struct {
	endpoint string
	cfg      config.PushConfig
	dialer   *websocket.Dialer
	log      *logrus.Entry

	onEvent func(Event)
	onState func(State, error)

	mu      sync.Mutex
	token   string
	conn    *websocket.Conn
	cancel  context.CancelFunc
	running bool

	wg sync.WaitGroup
}

// NewChannel builds a channel for the per-user push endpoint derived from
// the API base URL.
func NewChannel(serverURL, userID string, cfg config.PushConfig) (*Channel, error) {
	endpoint, err := pushEndpoint(serverURL, userID)
	if err != nil {
		return nil, err
	}
	return &Channel{
		endpoint: endpoint,
		cfg:      cfg,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:      logging.WithComponent("push"),
	}, nil
}

// pushEndpoint turns the http(s) API base into the ws(s) per-user endpoint.
func pushEndpoint(serverURL, userID string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/push/" + url.PathEscape(userID)
	return u.String(), nil
}

// OnEvent registers the inbound event handler. Must be set before Start.
func (c *Channel) OnEvent(fn func(Event)) {
	c.onEvent = fn
}

// OnStateChange registers the connection state handler. Must be set before
// Start.
func (c *Channel) OnStateChange(fn func(State, error)) {
	c.onState = fn
}

// Start connects with the given access token and keeps the channel alive
// until Stop. Calling Start on a running channel is a no-op; calling it
// after the reconnect budget was exhausted begins a fresh budget.
func (c *Channel) Start(token string) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.token = token
	c.cancel = cancel
	c.running = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(ctx)
}

// Stop disconnects and disables reconnection until the next Start. Blocks
// until the I/O loop has exited.
func (c *Channel) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.cancel()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()

	c.wg.Wait()
	c.setState(StateDisconnected, nil)
}

// UpdateToken swaps the credential. A connected channel drops the socket so
// the I/O loop redials with the fresh token; a stopped channel just keeps it
// for the next Start.
func (c *Channel) UpdateToken(token string) {
	c.mu.Lock()
	c.token = token
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// run is the I/O loop: dial with a bounded retry budget, then read until the
// socket drops, then start over with a fresh budget. Exits on Stop or when
// one budget is exhausted.
func (c *Channel) run(ctx context.Context) {
	defer c.wg.Done()

	for {
		conn, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.WithError(err).Error("push channel reconnect budget exhausted")
			c.mu.Lock()
			c.running = false
			c.mu.Unlock()
			c.setState(StateFailed, err)
			return
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.setState(StateConnected, nil)

		err = c.readLoop(conn)
		conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		c.log.WithError(err).Warn("push channel disconnected, reconnecting")

		// The first redial is scheduled one interval after the drop, the
		// same spacing as every later attempt in the budget.
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.ReconnectInterval):
		}
	}
}

// connect dials the endpoint, retrying at a fixed interval up to the
// configured attempt cap. A successful dial resets the budget for the next
// disconnection.
func (c *Channel) connect(ctx context.Context) (*websocket.Conn, error) {
	c.setState(StateConnecting, nil)

	attempts := c.cfg.MaxReconnectAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := retry.WithMaxRetries(uint64(attempts-1), retry.NewConstant(c.cfg.ReconnectInterval))

	var conn *websocket.Conn
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		c.mu.Lock()
		token := c.token
		c.mu.Unlock()

		dialed, _, err := c.dialer.DialContext(ctx, c.endpoint+"?token="+url.QueryEscape(token), nil)
		if err != nil {
			c.log.WithError(err).Debug("push dial failed")
			return retry.RetryableError(err)
		}
		conn = dialed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// readLoop dispatches inbound events until the socket drops. Pings are
// answered inline; everything else goes to the event handler.
func (c *Channel) readLoop(conn *websocket.Conn) error {
	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			return err
		}

		switch ev.Type {
		case EventPing:
			if err := conn.WriteJSON(Event{Type: EventPong}); err != nil {
				return err
			}
		case EventError:
			c.log.WithField("message", ev.Message).Warn("push channel server error")
			c.dispatch(ev)
		case EventEntityCreated, EventEntityUpdated, EventEntityDeleted,
			EventLinkCreated, EventLinkDeleted:
			c.dispatch(ev)
		default:
			c.log.WithField("type", ev.Type).Debug("ignoring unknown push event")
		}
	}
}

func (c *Channel) dispatch(ev Event) {
	if c.onEvent != nil {
		c.onEvent(ev)
	}
}

func (c *Channel) setState(s State, err error) {
	if c.onState != nil {
		c.onState(s, err)
	}
}
