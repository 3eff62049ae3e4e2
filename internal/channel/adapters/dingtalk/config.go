package dingtalk

import (
	"strings"

	"github.com/relaydesk/imgateway/internal/channel"
)

const (
	defaultAPIBase  = "https://api.dingtalk.com"
	defaultOAPIBase = "https://oapi.dingtalk.com"
)

// Config holds the DingTalk app credentials.
type Config struct {
	ClientID     string
	ClientSecret string
	// RobotCode identifies the bot in robot APIs; it defaults to the client id.
	RobotCode string
	APIBase   string
	OAPIBase  string
}

func parseConfig(raw map[string]any) (Config, error) {
	clientID := channel.ReadString(raw, "clientId", "client_id", "appKey", "app_key")
	clientSecret := channel.ReadString(raw, "clientSecret", "client_secret", "appSecret", "app_secret")
	if err := channel.RequireCredentials(map[string]string{"client_id": clientID, "client_secret": clientSecret}); err != nil {
		return Config{}, err
	}
	cfg := Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RobotCode:    channel.ReadString(raw, "robotCode", "robot_code"),
		APIBase:      strings.TrimRight(channel.ReadString(raw, "apiBase", "api_base"), "/"),
		OAPIBase:     strings.TrimRight(channel.ReadString(raw, "oapiBase", "oapi_base"), "/"),
	}
	if cfg.RobotCode == "" {
		cfg.RobotCode = clientID
	}
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	if cfg.OAPIBase == "" {
		cfg.OAPIBase = defaultOAPIBase
	}
	return cfg, nil
}
