package wearlink

import (
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
)

// discardErrors is a no-op ErrorHandler used in tests that don't assert
// error handler behavior.
var discardErrors = func(SDKError) {}

// deviceCaps is the capability set advertised by the simulated remote in
// most tests. The smaller chunk sizes win negotiation against the local
// defaults.
var deviceCaps = Capabilities{MinVersion: 1, MaxVersion: 1, MaxTxChunkSize: 500, MaxRxChunkSize: 500}

// fakeSend is one app-message dictionary handed to the fake carrier,
// together with its completion callbacks.
type fakeSend struct {
	dict      Dict
	onSuccess func()
	onFailure func(error)
}

// fakeTransport implements appTransport in-memory. Tests drive the carrier
// side directly: take() pops an outbound dictionary, deliver() injects an
// inbound one, ready() and dropCarrier() simulate connection state.
type fakeTransport struct {
	mu    sync.Mutex
	sends []fakeSend

	appMsgFn func(Dict)
	readyFn  func()
	closedFn func()
	eventFn  func(string, json.RawMessage)

	closed bool
}

func (f *fakeTransport) sendAppMessage(d Dict, onSuccess func(), onFailure func(error)) {
	f.mu.Lock()
	f.sends = append(f.sends, fakeSend{dict: d, onSuccess: onSuccess, onFailure: onFailure})
	f.mu.Unlock()
}

func (f *fakeTransport) setAppMessageHandler(fn func(Dict)) { f.appMsgFn = fn }
func (f *fakeTransport) setReadyHandler(fn func())          { f.readyFn = fn }
func (f *fakeTransport) setClosedHandler(fn func())         { f.closedFn = fn }
func (f *fakeTransport) setEventHandler(fn func(string, json.RawMessage)) {
	f.eventFn = fn
}

func (f *fakeTransport) close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) take(t *testing.T) fakeSend {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sends) == 0 {
		t.Fatal("no pending outbound app message")
	}
	s := f.sends[0]
	f.sends = f.sends[1:]
	return s
}

func (f *fakeTransport) pendingSends() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func (f *fakeTransport) deliver(d Dict) { f.appMsgFn(d) }
func (f *fakeTransport) ready()         { f.readyFn() }
func (f *fakeTransport) dropCarrier()   { f.closedFn() }

// manualScheduler queues retry callbacks instead of arming timers, so tests
// decide exactly when a retry fires.
type manualScheduler struct {
	mu  sync.Mutex
	fns []func()
}

func (s *manualScheduler) schedule(_ time.Duration, fn func()) func() {
	s.mu.Lock()
	s.fns = append(s.fns, fn)
	s.mu.Unlock()
	return func() {}
}

func (s *manualScheduler) fire(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	if len(s.fns) == 0 {
		s.mu.Unlock()
		t.Fatal("no scheduled retry")
	}
	fn := s.fns[0]
	s.fns = s.fns[1:]
	s.mu.Unlock()
	fn()
}

func (s *manualScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fns)
}

// errorRecorder collects SDKErrors routed to the client's ErrorHandler.
type errorRecorder struct {
	mu   sync.Mutex
	errs []SDKError
}

func (r *errorRecorder) handle(e SDKError) {
	r.mu.Lock()
	r.errs = append(r.errs, e)
	r.mu.Unlock()
}

func (r *errorRecorder) kinds() []ErrorKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]ErrorKind, len(r.errs))
	for i, e := range r.errs {
		kinds[i] = e.Kind
	}
	return kinds
}

func newTestClient(t *testing.T, opts ...Option) (*Client, *fakeTransport, *errorRecorder) {
	t.Helper()
	rec := &errorRecorder{}
	client, err := NewClient(Config{
		NodeURL: "ws://device.test/device_socket/websocket",
	}, rec.handle, opts...)
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}
	ft := &fakeTransport{}
	client.bindTransport(ft)
	return client, ft, rec
}

// openSessionWith walks the client through a locally initiated handshake
// against a remote advertising caps.
func openSessionWith(t *testing.T, c *Client, ft *fakeTransport, caps Capabilities) {
	t.Helper()
	ft.ready()
	s := ft.take(t)
	if _, ok := s.dict[KeyResetRequest]; !ok {
		t.Fatalf("expected ResetRequest, got %v", dictKeys(s.dict))
	}
	s.onSuccess()

	ft.deliver(Dict{KeyResetComplete: EncodeResetComplete(caps)})
	s = ft.take(t)
	if _, ok := s.dict[KeyResetComplete]; !ok {
		t.Fatalf("expected ResetComplete reply, got %v", dictKeys(s.dict))
	}
	s.onSuccess()

	if got := c.State(); got != "SessionOpen" {
		t.Fatalf("state after handshake = %q, want SessionOpen", got)
	}
}

func openSession(t *testing.T, c *Client, ft *fakeTransport) {
	t.Helper()
	openSessionWith(t, c, ft, deviceCaps)
}

func dictKeys(d Dict) []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	return keys
}

func TestHandshake_LocalInitiated(t *testing.T) {
	c, ft, _ := newTestClient(t)

	var connected int
	c.On(EventConnected, func(Event) { connected++ })

	ft.ready()
	if got := c.State(); got != "AwaitingResetCompleteLocalInitiated" {
		t.Fatalf("state after ready = %q", got)
	}

	s := ft.take(t)
	if v, ok := s.dict[KeyResetRequest]; !ok || len(v) != 1 || v[0] != 0 {
		t.Fatalf("ResetRequest value = %#v, want single zero byte", v)
	}
	s.onSuccess()

	ft.deliver(Dict{KeyResetComplete: EncodeResetComplete(deviceCaps)})

	s = ft.take(t)
	if v := s.dict[KeyResetComplete]; string(v) != string(EncodeResetComplete(localCapabilities)) {
		t.Fatalf("ResetComplete reply = %#v, want local capabilities", v)
	}
	s.onSuccess()

	if connected != 1 {
		t.Errorf("connected events = %d, want 1", connected)
	}
	want := Session{Version: 1, TxChunkSize: 500, RxChunkSize: 500}
	if got := c.Session(); got != want {
		t.Errorf("Session() = %+v, want %+v", got, want)
	}
}

func TestHandshake_RemoteInitiated(t *testing.T) {
	c, ft, _ := newTestClient(t)
	openSession(t, c, ft)

	var disconnected, connected int
	c.On(EventDisconnected, func(Event) { disconnected++ })
	c.On(EventConnected, func(Event) { connected++ })
	connected = 0 // late-subscriber firing while open

	ft.deliver(Dict{KeyResetRequest: {0}})
	if disconnected != 1 {
		t.Fatalf("disconnected events = %d, want 1", disconnected)
	}
	if got := c.State(); got != "AwaitingResetCompleteRemoteInitiated" {
		t.Fatalf("state = %q", got)
	}

	s := ft.take(t)
	if _, ok := s.dict[KeyResetComplete]; !ok {
		t.Fatalf("expected ResetComplete, got %v", dictKeys(s.dict))
	}
	s.onSuccess()

	ft.deliver(Dict{KeyResetComplete: EncodeResetComplete(deviceCaps)})
	if connected != 1 {
		t.Errorf("connected events = %d, want 1", connected)
	}
	if got := c.State(); got != "SessionOpen" {
		t.Errorf("state = %q, want SessionOpen", got)
	}
	if ft.pendingSends() != 0 {
		t.Errorf("unexpected extra sends: %d", ft.pendingSends())
	}
}

func TestHandshake_VersionMismatch(t *testing.T) {
	c, ft, _ := newTestClient(t)

	ft.ready()
	ft.take(t).onSuccess() // ResetRequest

	ft.deliver(Dict{KeyResetComplete: EncodeResetComplete(Capabilities{
		MinVersion: 2, MaxVersion: 3, MaxTxChunkSize: 500, MaxRxChunkSize: 500,
	})})

	s := ft.take(t)
	if v, ok := s.dict[KeyUnsupportedError]; !ok || len(v) != 1 || v[0] != ErrorCodeUnsupportedVersion {
		t.Fatalf("UnsupportedError value = %#v, want version code", v)
	}
	if got := c.State(); got != "AwaitingResetCompleteLocalInitiated" {
		t.Errorf("state = %q, want to keep waiting", got)
	}
}

func TestHandshake_MalformedResetComplete(t *testing.T) {
	c, ft, _ := newTestClient(t)

	ft.ready()
	ft.take(t).onSuccess() // ResetRequest

	ft.deliver(Dict{KeyResetComplete: []byte{1, 1, 0x03}})

	s := ft.take(t)
	if v, ok := s.dict[KeyUnsupportedError]; !ok || len(v) != 1 || v[0] != ErrorCodeMalformedResetComplete {
		t.Fatalf("UnsupportedError value = %#v, want malformed code", v)
	}
	if got := c.State(); got != "AwaitingResetCompleteLocalInitiated" {
		t.Errorf("state = %q, want to keep waiting", got)
	}
}

func TestHandshake_RemoteRejectsCapabilities(t *testing.T) {
	c, ft, rec := newTestClient(t)
	openSession(t, c, ft)

	var errEvents []Event
	c.On(EventError, func(ev Event) { errEvents = append(errEvents, ev) })

	ft.deliver(Dict{KeyResetRequest: {0}})
	ft.take(t).onSuccess() // our ResetComplete

	ft.deliver(Dict{KeyUnsupportedError: {ErrorCodeUnsupportedVersion}})

	kinds := rec.kinds()
	if len(kinds) != 1 || kinds[0] != ErrRemoteUnsupported {
		t.Fatalf("error kinds = %v, want [ErrRemoteUnsupported]", kinds)
	}
	if len(errEvents) != 1 || errEvents[0].Err == nil {
		t.Fatalf("error events = %+v, want one carrying the cause", errEvents)
	}
}

func TestCarrierDrop_EndsSession(t *testing.T) {
	c, ft, _ := newTestClient(t)
	openSession(t, c, ft)

	var disconnected int
	c.On(EventDisconnected, func(Event) { disconnected++ })

	ft.dropCarrier()

	if disconnected != 1 {
		t.Errorf("disconnected events = %d, want 1", disconnected)
	}
	if got := c.State(); got != "Disconnected" {
		t.Errorf("state = %q, want Disconnected", got)
	}
	if got := c.Session(); got != (Session{}) {
		t.Errorf("Session() = %+v, want zero", got)
	}
}

func TestCarrierReady_AfterDrop_RestartsHandshake(t *testing.T) {
	c, ft, _ := newTestClient(t)
	openSession(t, c, ft)
	ft.dropCarrier()

	ft.ready()

	s := ft.take(t)
	if _, ok := s.dict[KeyResetRequest]; !ok {
		t.Fatalf("expected fresh ResetRequest, got %v", dictKeys(s.dict))
	}
	if got := c.State(); got != "AwaitingResetCompleteLocalInitiated" {
		t.Errorf("state = %q", got)
	}
}

func TestDispatch_MultiKeyDictOrder(t *testing.T) {
	c, ft, _ := newTestClient(t)
	openSession(t, c, ft)

	var order []string
	c.On(EventDisconnected, func(Event) { order = append(order, "disconnected") })
	c.On(EventConnected, func(Event) { order = append(order, "connected") })
	order = nil // drop the late-subscriber connected firing

	// ResetRequest is handled before the ResetComplete in the same
	// dictionary, so this single delivery bounces the session.
	ft.deliver(Dict{
		KeyResetRequest:  {0},
		KeyResetComplete: EncodeResetComplete(deviceCaps),
	})

	if len(order) != 2 || order[0] != "disconnected" || order[1] != "connected" {
		t.Fatalf("event order = %v, want [disconnected connected]", order)
	}
	if got := c.State(); got != "SessionOpen" {
		t.Errorf("state = %q, want SessionOpen", got)
	}
}

func TestDispatch_ResetRequestWhileAwaitingLocal(t *testing.T) {
	c, ft, _ := newTestClient(t)

	ft.ready()
	ft.take(t).onSuccess() // our ResetRequest

	// The remote asking for a reset while ours is outstanding changes
	// nothing: the ResetRequest already on the wire answers it.
	ft.deliver(Dict{KeyResetRequest: {0}})

	if n := ft.pendingSends(); n != 0 {
		t.Fatalf("repeated reset produced %d sends, want none", n)
	}
	if got := c.State(); got != "AwaitingResetCompleteLocalInitiated" {
		t.Errorf("state = %q, want to keep waiting", got)
	}
}

func TestDispatch_ChunkWhileAwaitingRemote(t *testing.T) {
	c, ft, _ := newTestClient(t)
	openSession(t, c, ft)

	ft.deliver(Dict{KeyResetRequest: {0}})
	ft.take(t).onSuccess() // our ResetComplete

	ft.deliver(Dict{KeyChunk: EncodeChunk(true, 1, []byte{0x00})})

	if got := c.State(); got != "AwaitingResetCompleteLocalInitiated" {
		t.Fatalf("state = %q, want local reset", got)
	}
	s := ft.take(t)
	if _, ok := s.dict[KeyResetRequest]; !ok {
		t.Fatalf("expected ResetRequest, got %v", dictKeys(s.dict))
	}
}

func TestDispatch_UnsupportedWhileOpen(t *testing.T) {
	c, ft, _ := newTestClient(t)
	openSession(t, c, ft)

	var disconnected int
	c.On(EventDisconnected, func(Event) { disconnected++ })

	ft.deliver(Dict{KeyUnsupportedError: {ErrorCodeUnsupportedVersion}})

	if disconnected != 1 {
		t.Errorf("disconnected events = %d, want 1", disconnected)
	}
	if got := c.State(); got != "AwaitingResetCompleteLocalInitiated" {
		t.Errorf("state = %q, want renegotiation", got)
	}
	s := ft.take(t)
	if _, ok := s.dict[KeyResetRequest]; !ok {
		t.Fatalf("expected ResetRequest, got %v", dictKeys(s.dict))
	}
}

func TestClosedClient_IgnoresCarrier(t *testing.T) {
	c, ft, _ := newTestClient(t)
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	ft.ready()
	ft.deliver(Dict{KeyResetRequest: {0}})
	ft.dropCarrier()

	if n := ft.pendingSends(); n != 0 {
		t.Errorf("closed client sent %d messages", n)
	}
	if !ft.closed {
		t.Error("Close() should close the carrier")
	}
}
