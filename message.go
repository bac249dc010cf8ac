package wearlink

import (
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// App-message dictionary keys used by the postMessage protocol. Any other
// key in an inbound dictionary is ignored by the session layer.
const (
	KeyResetRequest     = "ResetRequest"
	KeyResetComplete    = "ResetComplete"
	KeyChunk            = "Chunk"
	KeyUnsupportedError = "UnsupportedError"
)

// Dict is the key/value dictionary format of the underlying app-message
// channel. Values are raw byte payloads.
type Dict map[string][]byte

// UnsupportedError payload codes.
const (
	ErrorCodeUnsupportedVersion     = 0x00
	ErrorCodeMalformedResetComplete = 0x01
)

// chunkHeaderSize is the fixed header prefix of every Chunk value.
const chunkHeaderSize = 4

// maxObjectBytes bounds the UTF-8 length (terminator included) of a single
// object. The header carries the size in 31 bits.
const maxObjectBytes = math.MaxInt32

// Capabilities describes one side's protocol limits, exchanged in the
// ResetComplete payload.
type Capabilities struct {
	MinVersion     uint8
	MaxVersion     uint8
	MaxTxChunkSize uint16
	MaxRxChunkSize uint16
}

// localCapabilities are the limits this implementation advertises.
var localCapabilities = Capabilities{
	MinVersion:     1,
	MaxVersion:     1,
	MaxTxChunkSize: 1000,
	MaxRxChunkSize: 1000,
}

// Session holds the parameters negotiated for an open session. The zero
// value means "no session".
type Session struct {
	Version     uint8
	TxChunkSize int
	RxChunkSize int
}

// Chunk is one decoded fragment of an object message.
//
// On the first fragment of an object First is set and N is the total byte
// length of the serialized object, terminator included. On every later
// fragment First is clear and N is the byte offset of the fragment's first
// payload byte.
type Chunk struct {
	First   bool
	N       uint32
	Payload []byte
}

var (
	// ErrChunkTooShort is returned when a Chunk value has no payload byte
	// after the fragment header.
	ErrChunkTooShort = errors.New("wearlink: chunk has no payload after header")

	// ErrMalformedResetComplete is returned when a ResetComplete payload is
	// not exactly six bytes.
	ErrMalformedResetComplete = errors.New("wearlink: malformed ResetComplete payload")
)

// EncodeChunk serializes a fragment header plus payload into a Chunk value.
// The 31-bit n is stored little-endian with the first-fragment flag in the
// top bit of the final header byte.
func EncodeChunk(first bool, n uint32, payload []byte) []byte {
	buf := make([]byte, chunkHeaderSize+len(payload))
	buf[0] = byte(n)
	buf[1] = byte(n >> 8)
	buf[2] = byte(n >> 16)
	buf[3] = byte(n>>24) & 0x7f
	if first {
		buf[3] |= 0x80
	}
	copy(buf[chunkHeaderSize:], payload)
	return buf
}

// DecodeChunk parses a Chunk value. The payload slice aliases b.
func DecodeChunk(b []byte) (Chunk, error) {
	if len(b) <= chunkHeaderSize {
		return Chunk{}, ErrChunkTooShort
	}
	n := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3]&0x7f)<<24
	return Chunk{
		First:   b[3]&0x80 != 0,
		N:       n,
		Payload: b[chunkHeaderSize:],
	}, nil
}

// EncodeResetComplete serializes capabilities into the 6-byte ResetComplete
// payload. Chunk sizes travel big-endian.
func EncodeResetComplete(c Capabilities) []byte {
	return []byte{
		c.MinVersion,
		c.MaxVersion,
		byte(c.MaxTxChunkSize >> 8),
		byte(c.MaxTxChunkSize),
		byte(c.MaxRxChunkSize >> 8),
		byte(c.MaxRxChunkSize),
	}
}

// DecodeResetComplete parses a ResetComplete payload.
func DecodeResetComplete(b []byte) (Capabilities, error) {
	if len(b) != 6 {
		return Capabilities{}, ErrMalformedResetComplete
	}
	return Capabilities{
		MinVersion:     b[0],
		MaxVersion:     b[1],
		MaxTxChunkSize: uint16(b[2])<<8 | uint16(b[3]),
		MaxRxChunkSize: uint16(b[4])<<8 | uint16(b[5]),
	}, nil
}

// Negotiate combines local and remote capabilities into session parameters.
// It fails when the version ranges do not overlap.
func Negotiate(local, remote Capabilities) (Session, bool) {
	if remote.MinVersion > local.MaxVersion || remote.MaxVersion < local.MinVersion {
		return Session{}, false
	}
	return Session{
		Version:     min(local.MaxVersion, remote.MaxVersion),
		TxChunkSize: int(min(local.MaxTxChunkSize, remote.MaxRxChunkSize)),
		RxChunkSize: int(min(local.MaxRxChunkSize, remote.MaxTxChunkSize)),
	}, true
}

// outboundObject is one queued PostMessage payload. data is the UTF-8
// serialization followed by a single 0x00 terminator; only the final chunk
// carries the terminator byte on the wire because chunk boundaries fall
// wherever the negotiated size dictates.
type outboundObject struct {
	id   string
	json string
	data []byte
}

// encodeObject serializes v for transmission.
func encodeObject(v any) (*outboundObject, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	if len(b)+1 > maxObjectBytes {
		return nil, ErrMessageTooLarge
	}
	data := make([]byte, len(b)+1)
	copy(data, b)
	return &outboundObject{
		id:   generateID(),
		json: string(b),
		data: data,
	}, nil
}

// decodeObject reverses encodeObject on a fully reassembled buffer. The
// caller has already stripped the terminator.
func decodeObject(b []byte) (any, error) {
	if !utf8.Valid(b) {
		return nil, errors.New("payload is not valid UTF-8")
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	return v, nil
}

// generateID returns a new unique message ID.
func generateID() string {
	return uuid.New().String()
}
