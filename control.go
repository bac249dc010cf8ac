package wearlink

import (
	"fmt"
	"time"
)

// sessionState is the position of the session handshake.
//
// The handshake can be initiated by either side. A locally initiated reset
// sends ResetRequest and waits for the remote's ResetComplete; a remotely
// initiated reset answers an inbound ResetRequest with our ResetComplete
// and waits for the remote's.
type sessionState int

const (
	stateDisconnected sessionState = iota
	stateAwaitingResetCompleteRemote
	stateAwaitingResetCompleteLocal
	stateSessionOpen
)

var sessionStateNames = [...]string{
	stateDisconnected:                "Disconnected",
	stateAwaitingResetCompleteRemote: "AwaitingResetCompleteRemoteInitiated",
	stateAwaitingResetCompleteLocal:  "AwaitingResetCompleteLocalInitiated",
	stateSessionOpen:                 "SessionOpen",
}

func (s sessionState) String() string {
	if int(s) >= 0 && int(s) < len(sessionStateNames) {
		return sessionStateNames[s]
	}
	return fmt.Sprintf("sessionState(%d)", s)
}

// effects collects the outward actions decided while the client mutex is
// held. They run after the mutex is released so that carrier sends and
// handler dispatch may synchronously re-enter the client.
type effects struct {
	errs   []SDKError
	events []Event
	kick   bool // run the send loop once the mutex is released
}

func (fx *effects) emit(ev Event) {
	fx.events = append(fx.events, ev)
}

func (fx *effects) fail(e SDKError) {
	e.Timestamp = time.Now()
	fx.errs = append(fx.errs, e)
}

// controlKeys is the dispatch order when one dictionary carries several
// protocol keys.
var controlKeys = [...]string{KeyResetRequest, KeyResetComplete, KeyChunk, KeyUnsupportedError}

// handleAppMessage is the carrier's inbound dictionary callback.
func (c *Client) handleAppMessage(d Dict) {
	var fx effects
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	for _, key := range controlKeys {
		if value, ok := d[key]; ok {
			c.dispatchLocked(key, value, &fx)
		}
	}
	c.mu.Unlock()
	c.flush(&fx)
}

// handleReady is invoked when the carrier becomes ready; it starts a
// locally initiated reset.
func (c *Client) handleReady() {
	var fx effects
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(stateAwaitingResetCompleteLocal, &fx)
	c.mu.Unlock()
	c.flush(&fx)
}

// handleClosed is invoked when the carrier connection drops. Any open
// session is gone; a later ready restarts the handshake.
func (c *Client) handleClosed() {
	var fx effects
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(stateDisconnected, &fx)
	c.mu.Unlock()
	c.flush(&fx)
}

// setStateLocked transitions the state machine and runs the entry action of
// the new state. Re-entering the current state runs the entry action again,
// except that re-entering the locally initiated wait does not send another
// ResetRequest.
func (c *Client) setStateLocked(next sessionState, fx *effects) {
	prev := c.state
	if prev == stateSessionOpen && next != stateSessionOpen {
		fx.emit(Event{Type: EventDisconnected})
	}
	if next != stateSessionOpen {
		c.resetReassemblyLocked()
	}
	c.state = next

	switch next {
	case stateDisconnected:
		c.session = Session{}
	case stateAwaitingResetCompleteRemote:
		c.session = Session{}
		c.enqueueControlLocked(Dict{KeyResetComplete: EncodeResetComplete(c.caps)}, fx)
	case stateAwaitingResetCompleteLocal:
		if prev != stateAwaitingResetCompleteLocal {
			c.enqueueControlLocked(Dict{KeyResetRequest: {0}}, fx)
		}
		c.session = Session{}
	case stateSessionOpen:
		fx.emit(Event{Type: EventConnected})
		fx.kick = true
	}
}

// dispatchLocked routes one protocol key through the (state, key) table.
func (c *Client) dispatchLocked(key string, value []byte, fx *effects) {
	switch c.state {
	case stateDisconnected:
		// Carrier not ready; nothing to negotiate with.

	case stateAwaitingResetCompleteRemote:
		switch key {
		case KeyResetRequest:
			c.setStateLocked(stateAwaitingResetCompleteRemote, fx)
		case KeyResetComplete:
			if session, ok := c.negotiateLocked(value); ok {
				c.session = session
				c.setStateLocked(stateSessionOpen, fx)
			}
			// The remote initiated this reset, so a capability mismatch
			// here means it ignored our ResetComplete. Drop the message.
		case KeyChunk:
			c.setStateLocked(stateAwaitingResetCompleteLocal, fx)
		case KeyUnsupportedError:
			err := &ConnectionError{URL: c.cfg.NodeURL, Reason: "remote rejected protocol capabilities"}
			fx.fail(SDKError{Kind: ErrRemoteUnsupported, Cause: err})
			fx.emit(Event{Type: EventError, Err: err})
		}

	case stateAwaitingResetCompleteLocal:
		switch key {
		case KeyResetRequest:
			// Our own ResetRequest is already out; the remote will answer it.
		case KeyResetComplete:
			session, ok := c.negotiateLocked(value)
			if !ok {
				code := byte(ErrorCodeUnsupportedVersion)
				if _, err := DecodeResetComplete(value); err != nil {
					code = ErrorCodeMalformedResetComplete
				}
				c.enqueueControlLocked(Dict{KeyUnsupportedError: {code}}, fx)
				return
			}
			c.enqueueControlLocked(Dict{KeyResetComplete: EncodeResetComplete(c.caps)}, fx)
			c.session = session
			c.setStateLocked(stateSessionOpen, fx)
		case KeyChunk, KeyUnsupportedError:
			// Mid-renegotiation leftovers from the previous session.
		}

	case stateSessionOpen:
		switch key {
		case KeyResetRequest:
			c.setStateLocked(stateAwaitingResetCompleteRemote, fx)
		case KeyResetComplete:
			// Duplicate from the handshake; the session is already up.
		case KeyChunk:
			if !c.receiveChunkLocked(value, fx) {
				fx.fail(SDKError{Kind: ErrProtocolViolation})
				c.setStateLocked(stateAwaitingResetCompleteLocal, fx)
			}
		case KeyUnsupportedError:
			c.setStateLocked(stateAwaitingResetCompleteLocal, fx)
		}
	}
}

// negotiateLocked decodes a remote ResetComplete payload and combines it
// with the local capabilities.
func (c *Client) negotiateLocked(value []byte) (Session, bool) {
	remote, err := DecodeResetComplete(value)
	if err != nil {
		return Session{}, false
	}
	return Negotiate(c.caps, remote)
}

// flush performs the outward actions collected under the mutex.
func (c *Client) flush(fx *effects) {
	for _, e := range fx.errs {
		c.onError(e)
	}
	for _, ev := range fx.events {
		c.bus.emit(ev)
	}
	if fx.kick {
		c.sendNext()
	}
}
