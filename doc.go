// Package wearlink provides a Go SDK for exchanging JSON messages with a
// paired wearable device over its best-effort app-message channel.
//
// The app-message channel only carries small key/value dictionaries and may
// reject or drop individual sends. The SDK layers a reliable, ordered,
// chunked JSON transport on top of it:
//
//   - PostMessage: queue an arbitrary JSON-serializable value for delivery
//   - On / Off: subscribe to "message", "connected", "disconnected" and
//     "error" events (other event names pass through to the carrier)
//   - Connect / Close: lifecycle of the underlying carrier
//
// Basic usage:
//
//	client, err := wearlink.NewClient(wearlink.Config{
//	    NodeURL: "ws://localhost:4010/device_socket/websocket",
//	}, wearlink.LogErrors(log.Default()))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	client.On("message", func(ev wearlink.Event) {
//	    fmt.Println("received:", ev.Data)
//	})
//
//	if err := client.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.PostMessage(map[string]any{"temperature": 21.5})
package wearlink
