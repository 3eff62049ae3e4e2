package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"

	"github.com/relaydesk/imgateway/internal/channel"
)

const (
	DefaultConfigPath     = "config.toml"
	DefaultHTTPAddr       = ":8080"
	DefaultJWTExpiresIn   = 24 * time.Hour
	DefaultMediaDataDir   = "data/media"
	DefaultMediaMaxBytes  = 20 << 20
	DefaultStorePath      = "data/imgateway.db"
	DefaultBackendTimeout = 2 * time.Minute
)

type Config struct {
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	Gateway  GatewayConfig  `toml:"gateway"`
	Media    MediaConfig    `toml:"media"`
	Store    StoreConfig    `toml:"store"`
	Backend  BackendConfig  `toml:"backend"`
	DingTalk DingTalkConfig `toml:"dingtalk"`
	Feishu   FeishuConfig   `toml:"feishu"`
	Discord  DiscordConfig  `toml:"discord"`
	Telegram TelegramConfig `toml:"telegram"`
}

type LogConfig struct {
	Level  string `toml:"level" env:"IMGW_LOG_LEVEL" validate:"oneof=debug info warn error"`
	Format string `toml:"format" env:"IMGW_LOG_FORMAT" validate:"oneof=text json"`
}

type ServerConfig struct {
	Addr         string        `toml:"addr" env:"IMGW_SERVER_ADDR" validate:"required"`
	JWTSecret    string        `toml:"jwt_secret" env:"IMGW_JWT_SECRET"`
	JWTExpiresIn time.Duration `toml:"jwt_expires_in" validate:"min=1m"`
}

// GatewayConfig tunes every supervisor. Zero values fall back to the
// channel package defaults.
type GatewayConfig struct {
	HealthInterval       time.Duration `toml:"health_interval" validate:"gte=0"`
	LivenessThreshold    time.Duration `toml:"liveness_threshold" validate:"gte=0"`
	TokenRefreshInterval time.Duration `toml:"token_refresh_interval" validate:"gte=0"`
	ReconnectDelay       time.Duration `toml:"reconnect_delay" validate:"gte=0"`
	ReconnectCeiling     time.Duration `toml:"reconnect_ceiling" validate:"gte=0"`
	DedupTTL             time.Duration `toml:"dedup_ttl" validate:"gte=0"`
	DedupCapacity        int           `toml:"dedup_capacity" validate:"gte=0"`
	SendTimeout          time.Duration `toml:"send_timeout" validate:"gte=0"`
	UploadTimeout        time.Duration `toml:"upload_timeout" validate:"gte=0"`
}

type MediaConfig struct {
	DataDir  string `toml:"data_dir" env:"IMGW_MEDIA_DIR" validate:"required"`
	MaxBytes int64  `toml:"max_bytes" validate:"gte=0"`
}

type StoreConfig struct {
	Path string `toml:"path" env:"IMGW_STORE_PATH" validate:"required"`
}

// BackendConfig points at the AI task backend. An empty BaseURL leaves
// inbound messages unanswered.
type BackendConfig struct {
	BaseURL string        `toml:"base_url" env:"IMGW_BACKEND_URL" validate:"omitempty,url"`
	Token   string        `toml:"token" env:"IMGW_BACKEND_TOKEN"`
	Timeout time.Duration `toml:"timeout" validate:"min=1s"`
}

type DingTalkConfig struct {
	Enabled      bool   `toml:"enabled" env:"IMGW_DINGTALK_ENABLED"`
	Debug        bool   `toml:"debug"`
	ClientID     string `toml:"client_id" env:"IMGW_DINGTALK_CLIENT_ID" validate:"required_if=Enabled true"`
	ClientSecret string `toml:"client_secret" env:"IMGW_DINGTALK_CLIENT_SECRET" validate:"required_if=Enabled true"`
	RobotCode    string `toml:"robot_code"`
}

type FeishuConfig struct {
	Enabled           bool   `toml:"enabled" env:"IMGW_FEISHU_ENABLED"`
	Debug             bool   `toml:"debug"`
	AppID             string `toml:"app_id" env:"IMGW_FEISHU_APP_ID" validate:"required_if=Enabled true"`
	AppSecret         string `toml:"app_secret" env:"IMGW_FEISHU_APP_SECRET" validate:"required_if=Enabled true"`
	EncryptKey        string `toml:"encrypt_key" env:"IMGW_FEISHU_ENCRYPT_KEY"`
	VerificationToken string `toml:"verification_token" env:"IMGW_FEISHU_VERIFICATION_TOKEN"`
	Region            string `toml:"region" validate:"omitempty,oneof=feishu lark cn china global intl"`
	BaseURL           string `toml:"base_url" validate:"omitempty,url"`
}

type DiscordConfig struct {
	Enabled  bool   `toml:"enabled" env:"IMGW_DISCORD_ENABLED"`
	Debug    bool   `toml:"debug"`
	BotToken string `toml:"bot_token" env:"IMGW_DISCORD_BOT_TOKEN" validate:"required_if=Enabled true"`
}

type TelegramConfig struct {
	Enabled     bool   `toml:"enabled" env:"IMGW_TELEGRAM_ENABLED"`
	Debug       bool   `toml:"debug"`
	BotToken    string `toml:"bot_token" env:"IMGW_TELEGRAM_BOT_TOKEN" validate:"required_if=Enabled true"`
	APIEndpoint string `toml:"api_endpoint" validate:"omitempty,url"`
}

// Defaults returns the configuration used when no file is present.
func Defaults() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr:         DefaultHTTPAddr,
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Media: MediaConfig{
			DataDir:  DefaultMediaDataDir,
			MaxBytes: DefaultMediaMaxBytes,
		},
		Store: StoreConfig{
			Path: DefaultStorePath,
		},
		Backend: BackendConfig{
			Timeout: DefaultBackendTimeout,
		},
	}
}

// Load reads path on top of the defaults, applies IMGW_* environment
// overrides and validates the result. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("stat config: %w", err)
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env overrides: %w", err)
	}
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ChannelConfigs returns one gateway config per platform section, enabled
// or not, in a stable order.
func (c Config) ChannelConfigs() []channel.ChannelConfig {
	return []channel.ChannelConfig{
		{
			ChannelType: "dingtalk",
			Enabled:     c.DingTalk.Enabled,
			Debug:       c.DingTalk.Debug,
			Credentials: compact(map[string]any{
				"client_id":     c.DingTalk.ClientID,
				"client_secret": c.DingTalk.ClientSecret,
				"robot_code":    c.DingTalk.RobotCode,
			}),
		},
		{
			ChannelType: "feishu",
			Enabled:     c.Feishu.Enabled,
			Debug:       c.Feishu.Debug,
			Credentials: compact(map[string]any{
				"app_id":             c.Feishu.AppID,
				"app_secret":         c.Feishu.AppSecret,
				"encrypt_key":        c.Feishu.EncryptKey,
				"verification_token": c.Feishu.VerificationToken,
				"region":             c.Feishu.Region,
				"base_url":           c.Feishu.BaseURL,
			}),
		},
		{
			ChannelType: "discord",
			Enabled:     c.Discord.Enabled,
			Debug:       c.Discord.Debug,
			Credentials: compact(map[string]any{"bot_token": c.Discord.BotToken}),
		},
		{
			ChannelType: "telegram",
			Enabled:     c.Telegram.Enabled,
			Debug:       c.Telegram.Debug,
			Credentials: compact(map[string]any{
				"bot_token":    c.Telegram.BotToken,
				"api_endpoint": c.Telegram.APIEndpoint,
			}),
		},
	}
}

// SupervisorOptions maps the gateway section onto channel.Options.
func (c Config) SupervisorOptions() channel.Options {
	g := c.Gateway
	return channel.Options{
		HealthInterval:       g.HealthInterval,
		LivenessThreshold:    g.LivenessThreshold,
		TokenRefreshInterval: g.TokenRefreshInterval,
		ReconnectDelay:       g.ReconnectDelay,
		ReconnectCeiling:     g.ReconnectCeiling,
		DedupTTL:             g.DedupTTL,
		DedupCapacity:        g.DedupCapacity,
		SendTimeout:          g.SendTimeout,
		UploadTimeout:        g.UploadTimeout,
	}
}

func compact(raw map[string]any) map[string]any {
	for k, v := range raw {
		if s, ok := v.(string); ok && s == "" {
			delete(raw, k)
		}
	}
	return raw
}
