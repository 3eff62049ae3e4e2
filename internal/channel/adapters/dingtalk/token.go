package dingtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/relaydesk/imgateway/internal/channel"
)

// tokenEarlyExpiry refreshes access tokens this long before DingTalk expires them.
const tokenEarlyExpiry = 5 * time.Minute

// appTokenSource fetches app access tokens with the client credentials.
type appTokenSource struct {
	client *http.Client
	cfg    Config
}

func (s appTokenSource) Token() (*oauth2.Token, error) {
	return fetchAccessToken(context.Background(), s.client, s.cfg)
}

func fetchAccessToken(ctx context.Context, client *http.Client, cfg Config) (*oauth2.Token, error) {
	body, err := json.Marshal(map[string]string{"appKey": cfg.ClientID, "appSecret": cfg.ClientSecret})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.APIBase+"/v1.0/oauth2/accessToken", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	var out struct {
		AccessToken string `json:"accessToken"`
		ExpireIn    int64  `json:"expireIn"`
	}
	if err := doJSON(client, req, &out); err != nil {
		return nil, fmt.Errorf("dingtalk access token: %w", err)
	}
	if out.AccessToken == "" {
		return nil, fmt.Errorf("dingtalk access token: empty token")
	}
	return &oauth2.Token{
		AccessToken: out.AccessToken,
		Expiry:      time.Now().Add(time.Duration(out.ExpireIn) * time.Second),
	}, nil
}

// accessToken returns a cached token, fetching a new one once the cached
// token is within tokenEarlyExpiry of expiring.
func (a *Adapter) accessToken(cfg Config) (string, error) {
	a.mu.Lock()
	src, ok := a.tokens[cfg.ClientID]
	if !ok {
		src = oauth2.ReuseTokenSourceWithExpiry(nil, appTokenSource{client: a.client, cfg: cfg}, tokenEarlyExpiry)
		a.tokens[cfg.ClientID] = src
	}
	a.mu.Unlock()
	tok, err := src.Token()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// RefreshToken fetches a fresh access token and replaces the cached one.
func (a *Adapter) RefreshToken(ctx context.Context, cfg channel.ChannelConfig) error {
	dtCfg, err := parseConfig(cfg.Credentials)
	if err != nil {
		return err
	}
	tok, err := fetchAccessToken(ctx, a.client, dtCfg)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.tokens[dtCfg.ClientID] = oauth2.ReuseTokenSourceWithExpiry(tok, appTokenSource{client: a.client, cfg: dtCfg}, tokenEarlyExpiry)
	a.mu.Unlock()
	return nil
}
