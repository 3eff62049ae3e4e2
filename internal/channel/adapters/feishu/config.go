package feishu

import (
	"fmt"
	"strings"

	lark "github.com/larksuite/oapi-sdk-go/v3"

	"github.com/relaydesk/imgateway/internal/channel"
)

const (
	regionFeishu = "feishu"
	regionLark   = "lark"
)

// Config holds the Feishu app credentials extracted from a channel configuration.
type Config struct {
	AppID             string
	AppSecret         string
	EncryptKey        string
	VerificationToken string
	Region            string
	// BaseURL overrides the region's open platform host.
	BaseURL string
}

func parseConfig(raw map[string]any) (Config, error) {
	appID := channel.ReadString(raw, "appId", "app_id")
	appSecret := channel.ReadString(raw, "appSecret", "app_secret")
	if err := channel.RequireCredentials(map[string]string{"app_id": appID, "app_secret": appSecret}); err != nil {
		return Config{}, err
	}
	region, err := normalizeRegion(channel.ReadString(raw, "region"))
	if err != nil {
		return Config{}, err
	}
	return Config{
		AppID:             appID,
		AppSecret:         appSecret,
		EncryptKey:        channel.ReadString(raw, "encryptKey", "encrypt_key"),
		VerificationToken: channel.ReadString(raw, "verificationToken", "verification_token"),
		Region:            region,
		BaseURL:           strings.TrimRight(channel.ReadString(raw, "baseUrl", "base_url"), "/"),
	}, nil
}

func normalizeRegion(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", regionFeishu, "cn", "china":
		return regionFeishu, nil
	case regionLark, "global", "intl", "international":
		return regionLark, nil
	default:
		return "", fmt.Errorf("feishu region must be feishu or lark")
	}
}

func (c Config) openBaseURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	if c.Region == regionLark {
		return lark.LarkBaseUrl
	}
	return lark.FeishuBaseUrl
}

// resolveReceiveID splits a conversation reference into a receive id and
// its id type. Bare ids are classified by their prefix.
func resolveReceiveID(raw string) (string, string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", "", channel.ErrNoConversation
	}
	for _, kind := range []string{larkReceiveOpenID, larkReceiveUserID, larkReceiveChatID} {
		if id, ok := strings.CutPrefix(value, kind+":"); ok {
			id = strings.TrimSpace(id)
			if id == "" {
				return "", "", channel.ErrNoConversation
			}
			return id, kind, nil
		}
	}
	if strings.HasPrefix(value, "oc_") {
		return value, larkReceiveChatID, nil
	}
	return value, larkReceiveOpenID, nil
}

const (
	larkReceiveOpenID = "open_id"
	larkReceiveUserID = "user_id"
	larkReceiveChatID = "chat_id"
)
