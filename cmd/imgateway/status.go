package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaydesk/imgateway/internal/auth"
	"github.com/relaydesk/imgateway/internal/handlers"
)

func newStatusCommand() *cobra.Command {
	var (
		addr  string
		token string
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show gateway status from a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if token == "" && cfg.Server.JWTSecret != "" {
				token, _, err = auth.GenerateToken("cli", auth.ScopeReadOnly, cfg.Server.JWTSecret, time.Minute)
				if err != nil {
					return err
				}
			}
			list, err := fetchStatuses(cmd.Context(), baseURL(addr), token)
			if err != nil {
				return err
			}
			return printStatuses(cmd.OutOrStdout(), list)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "server address (default server.addr)")
	cmd.Flags().StringVar(&token, "token", os.Getenv("IMGW_TOKEN"), "bearer token (env IMGW_TOKEN)")
	return cmd
}

func baseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

func fetchStatuses(ctx context.Context, base, token string) (handlers.GatewayListResponse, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/gateways", nil)
	if err != nil {
		return handlers.GatewayListResponse{}, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return handlers.GatewayListResponse{}, fmt.Errorf("query server: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return handlers.GatewayListResponse{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return handlers.GatewayListResponse{}, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var list handlers.GatewayListResponse
	if err := json.Unmarshal(body, &list); err != nil {
		return handlers.GatewayListResponse{}, fmt.Errorf("decode status: %w", err)
	}
	return list, nil
}

func printStatuses(w io.Writer, list handlers.GatewayListResponse) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PLATFORM\tCONNECTED\tSINCE\tLAST INBOUND\tATTEMPTS\tLAST ERROR")
	for _, s := range list.Items {
		fmt.Fprintf(tw, "%s\t%t\t%s\t%s\t%d\t%s\n",
			s.ChannelType, s.Connected, formatTime(s.StartedAt), formatTime(s.LastInboundAt), s.Attempts, s.LastError)
	}
	return tw.Flush()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
