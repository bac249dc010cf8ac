// Echo Agent — echoes every message received from the device back to it.
//
// Configuration via environment variables:
//
//	WEARLINK_NODE_URL — WebSocket URL of the device gateway
//	WEARLINK_API_KEY  — API key for authentication
//
// Usage:
//
//	WEARLINK_NODE_URL=ws://localhost:4010/device_socket/websocket \
//	  go run ./cmd/echo-agent
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	wearlink "github.com/wearlink/go-sdk"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	client, err := wearlink.NewClient(wearlink.Config{
		// All fields read from WEARLINK_* env vars by default
	}, func(e wearlink.SDKError) {
		log.Warn().Err(&e).Str("kind", e.Kind.String()).Msg("sdk error")
	})
	if err != nil {
		log.Fatal().Err(err).Msg("NewClient")
	}

	client.On("connected", func(wearlink.Event) {
		session := client.Session()
		log.Info().
			Uint8("version", session.Version).
			Int("tx_chunk_size", session.TxChunkSize).
			Int("rx_chunk_size", session.RxChunkSize).
			Msg("session open")
	})
	client.On("disconnected", func(wearlink.Event) {
		log.Info().Msg("session lost")
	})
	client.On("error", func(ev wearlink.Event) {
		log.Warn().Err(ev.Err).Msg("message dropped")
	})
	client.On("message", func(ev wearlink.Event) {
		log.Info().Any("data", ev.Data).Msg("echoing message")
		if err := client.PostMessage(ev.Data); err != nil {
			log.Warn().Err(err).Msg("PostMessage")
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := client.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("Connect")
	}
	defer client.Close()

	log.Info().Msg("echo agent running")
	<-ctx.Done()
	log.Info().Msg("shutting down")
}
