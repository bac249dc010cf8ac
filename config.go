package wearlink

import (
	"fmt"
	"os"
)

// Config holds the configuration for a wearlink client.
type Config struct {
	// NodeURL is the WebSocket URL of the device gateway.
	// Fallback: WEARLINK_NODE_URL environment variable.
	NodeURL string

	// APIKey is the authentication key for the device gateway.
	// Fallback: WEARLINK_API_KEY environment variable.
	APIKey string
}

// resolveConfig fills empty fields from environment variables and validates
// required fields.
func resolveConfig(cfg Config) (Config, error) {
	if cfg.NodeURL == "" {
		cfg.NodeURL = os.Getenv("WEARLINK_NODE_URL")
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("WEARLINK_API_KEY")
	}

	if cfg.NodeURL == "" {
		return cfg, fmt.Errorf("NodeURL is required (set in Config or WEARLINK_NODE_URL env)")
	}

	return cfg, nil
}
