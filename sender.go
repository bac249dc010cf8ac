package wearlink

import (
	"errors"
	"time"
)

// inflightKind tags the unit currently being delivered. kindNone means the
// send loop is idle.
type inflightKind int

const (
	kindNone inflightKind = iota
	kindControl
	kindObject
)

// maxRetries is the number of times one unit (a control dictionary or a
// single chunk) is retried after its first failure.
const maxRetries = 3

var errSessionNotOpen = errors.New("session not open")

// sendDropReason is the reason carried by the "error" event when an object
// is abandoned.
const sendDropReason = "Too many failed transfer attempts"

// enqueueControlLocked appends a control dictionary. Control messages take
// strict priority over queued objects.
func (c *Client) enqueueControlLocked(d Dict, fx *effects) {
	c.controlQueue = append(c.controlQueue, d)
	fx.kick = true
}

// sendNext starts delivery of the highest-priority queued unit. It is a
// no-op while a unit is already in flight.
func (c *Client) sendNext() {
	c.mu.Lock()
	if c.closed || c.inflight != kindNone {
		c.mu.Unlock()
		return
	}
	if len(c.controlQueue) > 0 {
		d := c.controlQueue[0]
		t := c.transport
		c.inflight = kindControl
		c.failures = 0
		c.mu.Unlock()
		t.sendAppMessage(d,
			func() { c.controlSendDone(nil) },
			func(err error) { c.controlSendDone(err) })
		return
	}
	if len(c.objectQueue) > 0 {
		c.inflight = kindObject
		c.failures = 0
		c.offset = 0
		c.mu.Unlock()
		c.sendChunk()
		return
	}
	c.mu.Unlock()
}

// sendChunk emits the next fragment of the object at the head of the queue.
// It runs between fragments only, so a control message enqueued meanwhile
// preempts here: the object stays queued and restarts from offset zero when
// re-selected.
func (c *Client) sendChunk() {
	c.mu.Lock()
	if c.closed || c.inflight != kindObject || len(c.objectQueue) == 0 {
		c.mu.Unlock()
		return
	}
	if len(c.controlQueue) > 0 {
		c.inflight = kindNone
		c.failures = 0
		c.offset = 0
		c.mu.Unlock()
		c.sendNext()
		return
	}
	obj := c.objectQueue[0]
	if c.state != stateSessionOpen {
		c.offset = 0
		c.mu.Unlock()
		c.objectSendDone(errSessionNotOpen)
		return
	}

	first := c.offset == 0
	n := uint32(c.offset)
	if first {
		n = uint32(len(obj.data))
	}
	c.chunkLen = min(c.session.TxChunkSize, len(obj.data)-c.offset)
	frame := EncodeChunk(first, n, obj.data[c.offset:c.offset+c.chunkLen])
	t := c.transport
	c.mu.Unlock()

	t.sendAppMessage(Dict{KeyChunk: frame},
		func() { c.objectSendDone(nil) },
		func(err error) { c.objectSendDone(err) })
}

// controlSendDone handles the carrier's verdict on a control dictionary.
func (c *Client) controlSendDone(err error) {
	c.mu.Lock()
	if c.closed || c.inflight != kindControl {
		c.mu.Unlock()
		return
	}
	if err == nil {
		c.controlQueue = c.controlQueue[1:]
		c.inflight = kindNone
		c.failures = 0
		c.mu.Unlock()
		c.sendNext()
		return
	}

	c.failures++
	if c.failures <= maxRetries {
		c.scheduleRetryLocked(c.retryControl)
		c.mu.Unlock()
		return
	}

	// The carrier keeps rejecting handshake traffic. Drop the message and
	// fall back to Disconnected until the carrier signals ready again.
	c.controlQueue = c.controlQueue[1:]
	c.inflight = kindNone
	c.failures = 0
	var fx effects
	fx.fail(SDKError{Kind: ErrTransportSend, Cause: err})
	c.setStateLocked(stateDisconnected, &fx)
	fx.kick = true
	c.mu.Unlock()
	c.flush(&fx)
}

// retryControl resends the control dictionary at the head of the queue
// after the retry delay. The dictionary is resent as-is.
func (c *Client) retryControl() {
	c.mu.Lock()
	if c.closed || c.inflight != kindControl || len(c.controlQueue) == 0 {
		c.mu.Unlock()
		return
	}
	d := c.controlQueue[0]
	t := c.transport
	c.mu.Unlock()
	t.sendAppMessage(d,
		func() { c.controlSendDone(nil) },
		func(err error) { c.controlSendDone(err) })
}

// objectSendDone handles the carrier's verdict on one fragment, or a
// synthetic failure when the session is not open.
func (c *Client) objectSendDone(err error) {
	c.mu.Lock()
	if c.closed || c.inflight != kindObject || len(c.objectQueue) == 0 {
		c.mu.Unlock()
		return
	}
	if err == nil {
		obj := c.objectQueue[0]
		c.failures = 0
		c.offset += c.chunkLen
		if c.offset >= len(obj.data) {
			c.objectQueue = c.objectQueue[1:]
			c.inflight = kindNone
			c.offset = 0
			c.mu.Unlock()
			c.sendNext()
			return
		}
		c.mu.Unlock()
		c.sendChunk()
		return
	}

	c.failures++
	if c.failures <= maxRetries {
		c.scheduleRetryLocked(c.sendChunk)
		c.mu.Unlock()
		return
	}

	obj := c.objectQueue[0]
	c.objectQueue = c.objectQueue[1:]
	c.inflight = kindNone
	c.failures = 0
	c.offset = 0
	var fx effects
	dropErr := &SendError{MessageID: obj.id, JSON: obj.json, Reason: sendDropReason}
	fx.fail(SDKError{Kind: ErrMessageDropped, MessageID: obj.id, Cause: dropErr})
	fx.emit(Event{Type: EventError, Data: obj.json, Err: dropErr})
	fx.kick = true
	c.mu.Unlock()
	c.flush(&fx)
}

// scheduleRetryLocked arms the retry timer for the current in-flight unit.
func (c *Client) scheduleRetryLocked(fn func()) {
	c.retryCancel = c.schedule(c.retryDelay, fn)
}

// retryDelayDefault is the protocol's fixed backoff between send attempts.
const retryDelayDefault = time.Second
