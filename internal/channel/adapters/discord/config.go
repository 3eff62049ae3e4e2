package discord

import (
	"strings"

	"github.com/relaydesk/imgateway/internal/channel"
)

// Config holds the Discord bot credentials.
type Config struct {
	BotToken string
}

func parseConfig(raw map[string]any) (Config, error) {
	token := channel.ReadString(raw, "botToken", "bot_token", "token")
	token = strings.TrimPrefix(token, "Bot ")
	if err := channel.RequireCredentials(map[string]string{"bot_token": token}); err != nil {
		return Config{}, err
	}
	return Config{BotToken: token}, nil
}
