package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	wearlink "github.com/wearlink/go-sdk"
)

// simConfig controls the simulated device. Every field has a default so the
// simulator runs without a config file.
type simConfig struct {
	Listen string
	Path   string
	APIKey string

	Caps wearlink.Capabilities

	Echo bool
}

func defaultConfig() simConfig {
	return simConfig{
		Listen: "127.0.0.1:4010",
		Path:   "/device_socket/websocket",
		Caps: wearlink.Capabilities{
			MinVersion:     1,
			MaxVersion:     1,
			MaxTxChunkSize: 500,
			MaxRxChunkSize: 500,
		},
		Echo: true,
	}
}

type fileConfig struct {
	Listen      string `toml:"listen"`
	Path        string `toml:"path"`
	APIKey      string `toml:"api_key"`
	MinVersion  int    `toml:"min_version"`
	MaxVersion  int    `toml:"max_version"`
	TxChunkSize int    `toml:"tx_chunk_size"`
	RxChunkSize int    `toml:"rx_chunk_size"`
	Echo        bool   `toml:"echo"`
}

func loadConfig(path string) (simConfig, error) {
	cfg := defaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return simConfig{}, fmt.Errorf("load device-sim config: %w", err)
	}

	if meta.IsDefined("listen") {
		v := strings.TrimSpace(raw.Listen)
		if v != "" {
			cfg.Listen = v
		}
	}

	if meta.IsDefined("path") {
		v := strings.TrimSpace(raw.Path)
		if v != "" {
			cfg.Path = v
		}
	}

	if meta.IsDefined("api_key") {
		cfg.APIKey = strings.TrimSpace(raw.APIKey)
	}

	if meta.IsDefined("min_version") {
		if raw.MinVersion < 0 || raw.MinVersion > 255 {
			return simConfig{}, fmt.Errorf("min_version out of range: %d", raw.MinVersion)
		}
		cfg.Caps.MinVersion = uint8(raw.MinVersion)
	}

	if meta.IsDefined("max_version") {
		if raw.MaxVersion < 0 || raw.MaxVersion > 255 {
			return simConfig{}, fmt.Errorf("max_version out of range: %d", raw.MaxVersion)
		}
		cfg.Caps.MaxVersion = uint8(raw.MaxVersion)
	}

	if meta.IsDefined("tx_chunk_size") {
		if raw.TxChunkSize < 1 || raw.TxChunkSize > 65535 {
			return simConfig{}, fmt.Errorf("tx_chunk_size out of range: %d", raw.TxChunkSize)
		}
		cfg.Caps.MaxTxChunkSize = uint16(raw.TxChunkSize)
	}

	if meta.IsDefined("rx_chunk_size") {
		if raw.RxChunkSize < 1 || raw.RxChunkSize > 65535 {
			return simConfig{}, fmt.Errorf("rx_chunk_size out of range: %d", raw.RxChunkSize)
		}
		cfg.Caps.MaxRxChunkSize = uint16(raw.RxChunkSize)
	}

	if meta.IsDefined("echo") {
		cfg.Echo = raw.Echo
	}

	return cfg, nil
}
