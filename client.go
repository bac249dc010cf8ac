package wearlink

import (
	"context"
	"errors"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// Client is the main entry point for exchanging messages with the device.
type Client struct {
	cfg     Config
	bus     *eventBus
	onError ErrorHandler

	schedule   Scheduler
	retryDelay time.Duration
	caps       Capabilities

	mu        sync.Mutex
	transport appTransport
	connected bool // carrier dialed
	closed    bool

	// Session state machine (control.go).
	state   sessionState
	session Session

	// Send loop (sender.go).
	controlQueue []Dict
	objectQueue  []*outboundObject
	inflight     inflightKind
	failures     int
	offset       int
	chunkLen     int
	retryCancel  func()

	// Reassembly (receiver.go).
	rxBuf   []byte
	rxTotal int
}

// NewClient creates a new client with the given configuration. The onError
// handler is called for SDK-level errors that cannot be returned to a
// direct caller (decode failures, dropped messages). The client is not
// connected until Connect() is called.
func NewClient(cfg Config, onError ErrorHandler, opts ...Option) (*Client, error) {
	resolved, err := resolveConfig(cfg)
	if err != nil {
		return nil, err
	}
	if onError == nil {
		return nil, errors.New("ErrorHandler must not be nil")
	}

	o := clientDefaults()
	for _, opt := range opts {
		opt(&o)
	}

	return &Client{
		cfg:        resolved,
		bus:        newEventBus(),
		onError:    onError,
		schedule:   o.schedule,
		retryDelay: o.retryDelay,
		caps:       o.caps,
	}, nil
}

// Connect dials the WebSocket carrier. The session handshake starts once
// the carrier reports ready; subscribe to "connected" to learn when
// messages can flow.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.mu.Unlock()

	ch := newWSChannel(c.cfg.NodeURL, c.cfg.APIKey)
	c.bindTransport(ch)

	if err := ch.connect(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

// bindTransport wires the carrier's callbacks into the session layer.
func (c *Client) bindTransport(t appTransport) {
	c.mu.Lock()
	c.transport = t
	c.mu.Unlock()

	t.setAppMessageHandler(c.handleAppMessage)
	t.setReadyHandler(c.handleReady)
	t.setClosedHandler(c.handleClosed)
	t.setEventHandler(c.handleNativeEvent)
}

// Close gracefully shuts down the client and its carrier connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	if c.retryCancel != nil {
		c.retryCancel()
		c.retryCancel = nil
	}
	var fx effects
	c.setStateLocked(stateDisconnected, &fx)
	t := c.transport
	c.mu.Unlock()

	c.flush(&fx)
	if t != nil {
		return t.close()
	}
	return nil
}

// PostMessage queues v for delivery to the device. The only synchronous
// failures are serialization problems (including ErrMessageTooLarge) and
// ErrClientClosed; delivery failures surface later through an "error" event
// carrying the serialized payload.
func (c *Client) PostMessage(v any) error {
	obj, err := encodeObject(v)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.objectQueue = append(c.objectQueue, obj)
	c.mu.Unlock()

	c.sendNext()
	return nil
}

// On registers fn for the named event and returns its removal handle.
//
// "message", "connected", "disconnected" and "error" are produced by the
// session layer; any other name is fed from the carrier's native event
// stream. A "connected" handler registered while the session is already
// open fires immediately, as does a "disconnected" handler registered
// while it is not.
func (c *Client) On(event string, fn Handler) (*Listener, error) {
	if fn == nil {
		return nil, ErrNilHandler
	}
	l := c.bus.add(event, fn)

	switch event {
	case EventConnected, EventDisconnected:
		c.mu.Lock()
		open := c.state == stateSessionOpen
		c.mu.Unlock()
		if open == (event == EventConnected) {
			fn(Event{Type: event})
		}
	}
	return l, nil
}

// Off removes a listener previously registered with On. Removing a
// listener from inside a handler is safe, including during the dispatch
// that is invoking it.
func (c *Client) Off(l *Listener) {
	if l == nil {
		return
	}
	c.bus.remove(l)
}

// SendAppMessage always fails: raw access to the app-message channel would
// corrupt the session layer's framing, so it is exposed only for feature
// detection. The returned error is ErrSendAppMessageUnavailable.
func (c *Client) SendAppMessage(Dict) error {
	return ErrSendAppMessageUnavailable
}

// State returns the current handshake state name. Intended for diagnostics.
func (c *Client) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.String()
}

// Session returns the negotiated session parameters. Outside an open
// session all fields are zero.
func (c *Client) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// handleNativeEvent forwards carrier-native events to passthrough listeners.
func (c *Client) handleNativeEvent(event string, payload json.RawMessage) {
	c.bus.emit(Event{Type: event, Data: payload})
}
