package wearlink

import json "github.com/goccy/go-json"

// appTransport is the internal interface for the best-effort app-message
// carrier underneath the session layer. The current implementation uses
// WebSocket with per-frame acknowledgements (channel.go).
type appTransport interface {
	// sendAppMessage delivers a key/value dictionary. Exactly one of the
	// callbacks is invoked, possibly synchronously.
	sendAppMessage(d Dict, onSuccess func(), onFailure func(error))

	// setAppMessageHandler registers the callback for inbound app-message
	// dictionaries.
	setAppMessageHandler(fn func(Dict))

	// setReadyHandler registers the callback invoked whenever the carrier
	// becomes ready, including after a reconnect.
	setReadyHandler(fn func())

	// setClosedHandler registers the callback invoked when the carrier
	// connection drops.
	setClosedHandler(fn func())

	// setEventHandler registers the callback for carrier-native events that
	// the session layer does not consume itself.
	setEventHandler(fn func(event string, payload json.RawMessage))

	// close gracefully shuts down the carrier.
	close() error
}
