package wearlink

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

// wireFrame is the JSON frame format of the WebSocket carrier. Outbound
// app-message frames carry a ref; the gateway answers each with an "ack" or
// "nack" frame referencing it.
type wireFrame struct {
	Ref     string          `json:"ref,omitempty"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// sendResult holds the completion callbacks of one in-flight app-message
// frame until its ack or nack arrives.
type sendResult struct {
	onSuccess func()
	onFailure func(error)
}

// wsChannel implements the appTransport interface over WebSocket. The
// gateway relays app-message dictionaries to and from the device and
// reports per-frame delivery with ack/nack frames.
type wsChannel struct {
	wsURL  string
	apiKey string

	mu           sync.Mutex // protects conn writes, refCounter, pending maps
	conn         *websocket.Conn
	refCounter   int
	helloRef     string
	pendingHello chan json.RawMessage
	pendingAcks  map[string]sendResult

	appMsgFn func(Dict)
	readyFn  func()
	closedFn func()
	eventFn  func(event string, payload json.RawMessage)

	retry *backoff
	done  chan struct{}
}

func newWSChannel(wsURL, apiKey string) *wsChannel {
	return &wsChannel{
		wsURL:       wsURL,
		apiKey:      apiKey,
		pendingAcks: make(map[string]sendResult),
		retry:       newBackoff(time.Second, 30*time.Second),
		done:        make(chan struct{}),
	}
}

func (c *wsChannel) connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	if c.readyFn != nil {
		c.readyFn()
	}
	return nil
}

// dial establishes the WebSocket connection and performs the hello
// handshake with the gateway.
func (c *wsChannel) dial(ctx context.Context) error {
	u, err := url.Parse(c.wsURL)
	if err != nil {
		return fmt.Errorf("parse URL: %w", err)
	}
	q := u.Query()
	if c.apiKey != "" {
		q.Set("api_key", c.apiKey)
	}
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return &ConnectionError{URL: c.wsURL, Reason: err.Error()}
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)

	if err := c.hello(ctx); err != nil {
		conn.Close()
		return err
	}

	go c.heartbeatLoop(conn)
	return nil
}

// hello announces the client to the gateway and waits for its reply.
func (c *wsChannel) hello(ctx context.Context) error {
	replyCh := make(chan json.RawMessage, 1)
	c.mu.Lock()
	c.helloRef = c.nextRefLocked()
	ref := c.helloRef
	c.pendingHello = replyCh
	c.mu.Unlock()

	if err := c.writeFrame(wireFrame{Ref: ref, Event: "hello"}); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	select {
	case payload := <-replyCh:
		var reply struct {
			Status string `json:"status"`
		}
		json.Unmarshal(payload, &reply)
		if reply.Status != "ok" {
			return &ConnectionError{URL: c.wsURL, Reason: fmt.Sprintf("hello rejected: %s", reply.Status)}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *wsChannel) sendAppMessage(d Dict, onSuccess func(), onFailure func(error)) {
	payload, err := json.Marshal(d)
	if err != nil {
		onFailure(err)
		return
	}

	c.mu.Lock()
	ref := c.nextRefLocked()
	c.pendingAcks[ref] = sendResult{onSuccess: onSuccess, onFailure: onFailure}
	c.mu.Unlock()

	if err := c.writeFrame(wireFrame{Ref: ref, Event: "appmessage", Payload: payload}); err != nil {
		c.mu.Lock()
		delete(c.pendingAcks, ref)
		c.mu.Unlock()
		onFailure(err)
	}
}

func (c *wsChannel) setAppMessageHandler(fn func(Dict)) {
	c.appMsgFn = fn
}

func (c *wsChannel) setReadyHandler(fn func()) {
	c.readyFn = fn
}

func (c *wsChannel) setClosedHandler(fn func()) {
	c.closedFn = fn
}

func (c *wsChannel) setEventHandler(fn func(event string, payload json.RawMessage)) {
	c.eventFn = fn
}

func (c *wsChannel) close() error {
	select {
	case <-c.done:
		return nil // already closed
	default:
		close(c.done)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		c.writeFrame(wireFrame{Event: "bye"})
		return conn.Close()
	}
	return nil
}

func (c *wsChannel) readLoop(conn *websocket.Conn) {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.connectionLost(err)
			return
		}

		var frame wireFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		c.handleInbound(frame)
	}
}

func (c *wsChannel) handleInbound(frame wireFrame) {
	switch frame.Event {
	case "reply":
		c.mu.Lock()
		ch := c.pendingHello
		ref := c.helloRef
		c.mu.Unlock()
		if ch != nil && frame.Ref == ref {
			select {
			case ch <- frame.Payload:
			default:
			}
		}
	case "ack", "nack":
		c.mu.Lock()
		result, ok := c.pendingAcks[frame.Ref]
		delete(c.pendingAcks, frame.Ref)
		c.mu.Unlock()
		if !ok {
			return
		}
		if frame.Event == "ack" {
			result.onSuccess()
			return
		}
		var reason struct {
			Reason string `json:"reason"`
		}
		json.Unmarshal(frame.Payload, &reason)
		result.onFailure(fmt.Errorf("gateway rejected frame: %s", reason.Reason))
	case "appmessage":
		var d Dict
		if err := json.Unmarshal(frame.Payload, &d); err != nil {
			return
		}
		if c.appMsgFn != nil {
			c.appMsgFn(d)
		}
	default:
		if c.eventFn != nil {
			c.eventFn(frame.Event, frame.Payload)
		}
	}
}

// connectionLost fails outstanding sends, reports the drop, and keeps
// redialing with backoff until the connection is restored or the channel
// is closed.
func (c *wsChannel) connectionLost(err error) {
	c.mu.Lock()
	pending := c.pendingAcks
	c.pendingAcks = make(map[string]sendResult)
	c.conn = nil
	c.mu.Unlock()

	for _, result := range pending {
		result.onFailure(err)
	}
	if c.closedFn != nil {
		c.closedFn()
	}

	go c.reconnectLoop()
}

func (c *wsChannel) reconnectLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-time.After(c.retry.next()):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := c.dial(ctx)
		cancel()
		if err != nil {
			continue
		}
		c.retry.reset()
		if c.readyFn != nil {
			c.readyFn()
		}
		return
	}
}

func (c *wsChannel) heartbeatLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			current := c.conn
			c.mu.Unlock()
			if current != conn {
				return
			}
			if err := c.writeFrame(wireFrame{Event: "heartbeat"}); err != nil {
				return
			}
		}
	}
}

func (c *wsChannel) nextRefLocked() string {
	c.refCounter++
	return fmt.Sprintf("%d", c.refCounter)
}

func (c *wsChannel) writeFrame(frame wireFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
