package channels

import (
	"fmt"
	"strings"

	"github.com/dotsetgreg/relaybot/pkg/config"
	"github.com/dotsetgreg/relaybot/pkg/logger"
	"github.com/dotsetgreg/relaybot/pkg/session"
)

// NewTransport builds the transport selected by transport.kind.
func NewTransport(cfg *config.Config) (session.Transport, error) {
	kind := strings.ToLower(strings.TrimSpace(cfg.Transport.Kind))
	allow := []string(cfg.Transport.AllowFrom)

	logger.InfoCF("channels", "Initializing transport", map[string]interface{}{"kind": kind})

	switch kind {
	case "", "bridge":
		if strings.TrimSpace(cfg.Transport.BridgeURL) == "" {
			return nil, fmt.Errorf("transport.bridge_url is required")
		}
		return NewBridgeTransport(cfg.Transport.BridgeURL, allow), nil
	case "discord":
		t, err := NewDiscordTransport(cfg.Transport.Discord, allow)
		if err != nil {
			return nil, fmt.Errorf("initialize Discord transport: %w", err)
		}
		return t, nil
	case "console":
		return NewConsoleTransport(cfg.Bot.Name), nil
	default:
		return nil, fmt.Errorf("unsupported transport kind %q", cfg.Transport.Kind)
	}
}
