package telegram

import (
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/relaydesk/imgateway/internal/channel"
)

// Config holds the Telegram bot credentials.
type Config struct {
	BotToken string
	// APIEndpoint is a printf pattern taking token and method, for self-hosted Bot API servers.
	APIEndpoint string
}

func parseConfig(raw map[string]any) (Config, error) {
	token := channel.ReadString(raw, "botToken", "bot_token", "token")
	if err := channel.RequireCredentials(map[string]string{"bot_token": token}); err != nil {
		return Config{}, err
	}
	endpoint := channel.ReadString(raw, "apiEndpoint", "api_endpoint")
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	if strings.Count(endpoint, "%s") != 2 {
		endpoint = strings.TrimRight(endpoint, "/") + "/bot%s/%s"
	}
	return Config{BotToken: token, APIEndpoint: endpoint}, nil
}
