// Device Simulator — a stand-in for the wearable side of the link.
//
// It serves the gateway WebSocket endpoint, answers the carrier handshake,
// and runs the device half of the session protocol: it replies to reset
// requests with its own capabilities, negotiates a session, reassembles
// inbound objects and (optionally) echoes them back in chunks.
//
// Usage:
//
//	go run ./cmd/device-sim -config device-sim.toml
package main

import (
	"flag"
	"net/http"
	"os"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	wearlink "github.com/wearlink/go-sdk"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	listen := flag.String("listen", "", "listen address (overrides config)")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg := defaultConfig()
	if *configPath != "" {
		loaded, err := loadConfig(*configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("config")
		}
		cfg = loaded
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	http.HandleFunc(cfg.Path, func(w http.ResponseWriter, r *http.Request) {
		serveDevice(cfg, w, r)
	})

	log.Info().
		Str("listen", cfg.Listen).
		Str("path", cfg.Path).
		Uint16("tx_chunk_size", cfg.Caps.MaxTxChunkSize).
		Uint16("rx_chunk_size", cfg.Caps.MaxRxChunkSize).
		Bool("echo", cfg.Echo).
		Msg("device simulator listening")
	if err := http.ListenAndServe(cfg.Listen, nil); err != nil {
		log.Fatal().Err(err).Msg("ListenAndServe")
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// wireFrame mirrors the JSON frame format of the gateway carrier.
type wireFrame struct {
	Ref     string          `json:"ref,omitempty"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type deviceState int

const (
	stateIdle deviceState = iota
	stateAwaitingReset
	stateOpen
)

// deviceSession is one connected host. The read loop owns all state; the
// mutex only serializes writes to the connection.
type deviceSession struct {
	cfg  simConfig
	conn *websocket.Conn
	wmu  sync.Mutex
	log  zerolog.Logger

	state   deviceState
	session wearlink.Session
	rxBuf   []byte
	rxTotal int
}

func serveDevice(cfg simConfig, w http.ResponseWriter, r *http.Request) {
	if cfg.APIKey != "" && r.URL.Query().Get("api_key") != cfg.APIKey {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("upgrade")
		return
	}
	defer conn.Close()

	d := &deviceSession{
		cfg:  cfg,
		conn: conn,
		log:  log.With().Str("peer", r.RemoteAddr).Logger(),
	}
	d.log.Info().Msg("host connected")
	d.readLoop()
	d.log.Info().Msg("host disconnected")
}

func (d *deviceSession) readLoop() {
	for {
		_, data, err := d.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame wireFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			d.log.Warn().Err(err).Msg("bad frame")
			continue
		}

		switch frame.Event {
		case "hello":
			d.writeFrame(wireFrame{Ref: frame.Ref, Event: "reply", Payload: json.RawMessage(`{"status":"ok"}`)})
		case "heartbeat":
			// Keepalive only, no reply expected.
		case "appmessage":
			var dict wearlink.Dict
			if err := json.Unmarshal(frame.Payload, &dict); err != nil {
				d.writeFrame(wireFrame{Ref: frame.Ref, Event: "nack", Payload: json.RawMessage(`{"reason":"bad payload"}`)})
				continue
			}
			d.writeFrame(wireFrame{Ref: frame.Ref, Event: "ack"})
			d.handleDict(dict)
		case "bye":
			return
		default:
			d.log.Debug().Str("event", frame.Event).Msg("ignoring frame")
		}
	}
}

// handleDict runs the device side of the session protocol for one inbound
// app-message dictionary.
func (d *deviceSession) handleDict(dict wearlink.Dict) {
	if _, ok := dict[wearlink.KeyResetRequest]; ok {
		d.handleResetRequest()
		return
	}
	if payload, ok := dict[wearlink.KeyResetComplete]; ok {
		d.handleResetComplete(payload)
		return
	}
	if payload, ok := dict[wearlink.KeyChunk]; ok {
		d.handleChunk(payload)
		return
	}
	if payload, ok := dict[wearlink.KeyUnsupportedError]; ok {
		d.log.Warn().Hex("code", payload).Msg("host reports unsupported session")
		d.state = stateIdle
		return
	}
	d.log.Debug().Int("keys", len(dict)).Msg("ignoring dictionary")
}

func (d *deviceSession) handleResetRequest() {
	d.resetReassembly()
	d.session = wearlink.Session{}
	d.state = stateAwaitingReset
	d.sendDict(wearlink.Dict{
		wearlink.KeyResetComplete: wearlink.EncodeResetComplete(d.cfg.Caps),
	})
	d.log.Info().Msg("reset requested, capabilities sent")
}

func (d *deviceSession) handleResetComplete(payload []byte) {
	remote, err := wearlink.DecodeResetComplete(payload)
	if err != nil {
		d.log.Warn().Err(err).Msg("malformed ResetComplete")
		d.sendDict(wearlink.Dict{
			wearlink.KeyUnsupportedError: {wearlink.ErrorCodeMalformedResetComplete},
		})
		d.state = stateIdle
		return
	}

	session, ok := wearlink.Negotiate(d.cfg.Caps, remote)
	if !ok {
		d.log.Warn().
			Uint8("remote_min", remote.MinVersion).
			Uint8("remote_max", remote.MaxVersion).
			Msg("no common protocol version")
		d.sendDict(wearlink.Dict{
			wearlink.KeyUnsupportedError: {wearlink.ErrorCodeUnsupportedVersion},
		})
		d.state = stateIdle
		return
	}

	if d.state != stateAwaitingReset {
		// This ResetComplete does not answer a ResetRequest from the host.
		// Answer with our own capabilities before the session counts as open.
		d.sendDict(wearlink.Dict{
			wearlink.KeyResetComplete: wearlink.EncodeResetComplete(d.cfg.Caps),
		})
	}
	d.session = session
	d.state = stateOpen
	d.resetReassembly()
	d.log.Info().
		Uint8("version", session.Version).
		Int("tx_chunk_size", session.TxChunkSize).
		Int("rx_chunk_size", session.RxChunkSize).
		Msg("session open")
}

func (d *deviceSession) handleChunk(payload []byte) {
	if d.state != stateOpen {
		d.log.Warn().Msg("chunk outside open session")
		return
	}

	chunk, err := wearlink.DecodeChunk(payload)
	if err != nil {
		d.log.Warn().Err(err).Msg("bad chunk")
		d.resetReassembly()
		return
	}

	if chunk.First {
		if d.rxTotal != 0 {
			d.log.Warn().Msg("first fragment while reassembling")
		}
		d.rxBuf = d.rxBuf[:0]
		d.rxTotal = int(chunk.N)
	} else if int(chunk.N) != len(d.rxBuf) {
		d.log.Warn().
			Uint32("offset", chunk.N).
			Int("have", len(d.rxBuf)).
			Msg("fragment out of sequence")
		d.resetReassembly()
		return
	}

	if len(d.rxBuf)+len(chunk.Payload) > d.rxTotal {
		d.log.Warn().Msg("fragment overflows announced size")
		d.resetReassembly()
		return
	}
	d.rxBuf = append(d.rxBuf, chunk.Payload...)
	if len(d.rxBuf) < d.rxTotal {
		return
	}

	data := d.rxBuf
	d.rxBuf = nil
	d.rxTotal = 0

	if len(data) == 0 || data[len(data)-1] != 0x00 {
		d.log.Warn().Msg("object missing terminator")
		return
	}
	d.log.Info().Str("json", string(data[:len(data)-1])).Msg("object received")

	if d.cfg.Echo {
		d.echoObject(data)
	}
}

// echoObject sends the serialized object (terminator included) back to the
// host, fragmented to the negotiated chunk size.
func (d *deviceSession) echoObject(data []byte) {
	chunkSize := d.session.TxChunkSize
	for offset := 0; offset < len(data); offset += chunkSize {
		end := min(offset+chunkSize, len(data))
		first := offset == 0
		n := uint32(offset)
		if first {
			n = uint32(len(data))
		}
		d.sendDict(wearlink.Dict{
			wearlink.KeyChunk: wearlink.EncodeChunk(first, n, data[offset:end]),
		})
	}
}

func (d *deviceSession) resetReassembly() {
	d.rxBuf = nil
	d.rxTotal = 0
}

func (d *deviceSession) sendDict(dict wearlink.Dict) {
	payload, err := json.Marshal(dict)
	if err != nil {
		d.log.Error().Err(err).Msg("marshal dictionary")
		return
	}
	d.writeFrame(wireFrame{Event: "appmessage", Payload: payload})
}

func (d *deviceSession) writeFrame(frame wireFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		d.log.Error().Err(err).Msg("marshal frame")
		return
	}
	d.wmu.Lock()
	defer d.wmu.Unlock()
	if err := d.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		d.log.Warn().Err(err).Msg("write frame")
	}
}
