package wearlink

import "errors"

var errMissingTerminator = errors.New("payload missing zero terminator")

// receiveChunkLocked validates and accumulates one inbound Chunk value.
// It returns false on a protocol violation, which makes the state machine
// renegotiate the session.
//
// A first fragment announces the total size and resets accumulation; every
// later fragment must carry the exact byte offset reached so far. When the
// announced size is reached the buffer is decoded and emitted as a
// "message" event. Decode failures are reported through the ErrorHandler
// and the message is dropped; they are not protocol violations.
func (c *Client) receiveChunkLocked(value []byte, fx *effects) bool {
	chunk, err := DecodeChunk(value)
	if err != nil {
		c.resetReassemblyLocked()
		return false
	}

	expectingFirst := len(c.rxBuf) == 0
	if chunk.First != expectingFirst {
		c.resetReassemblyLocked()
		return false
	}
	if chunk.First {
		c.rxTotal = int(chunk.N)
	} else if int(chunk.N) != len(c.rxBuf) {
		c.resetReassemblyLocked()
		return false
	}
	if len(c.rxBuf)+len(chunk.Payload) > c.rxTotal {
		c.resetReassemblyLocked()
		return false
	}

	c.rxBuf = append(c.rxBuf, chunk.Payload...)
	if len(c.rxBuf) < c.rxTotal {
		return true
	}

	payload := c.rxBuf
	c.resetReassemblyLocked()

	if n := len(payload); n > 0 {
		if payload[n-1] != 0x00 {
			fx.fail(SDKError{Kind: ErrDecodeFailure, Raw: payload, Cause: errMissingTerminator})
			return true
		}
		payload = payload[:n-1]
	}

	v, err := decodeObject(payload)
	if err != nil {
		fx.fail(SDKError{Kind: ErrDecodeFailure, Raw: payload, Cause: err})
		return true
	}
	fx.emit(Event{Type: EventMessage, Data: v})
	return true
}

// resetReassemblyLocked drops any partially accumulated message.
func (c *Client) resetReassemblyLocked() {
	c.rxBuf = nil
	c.rxTotal = 0
}
