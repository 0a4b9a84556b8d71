package engine

import (
	"context"

	"agent-session-sync/internal/api"
	"agent-session-sync/internal/config"
	"agent-session-sync/internal/connection"
)

// Dial 按配置创建 REST 客户端和 websocket 通道并订阅会话
func Dial(ctx context.Context, cfg *config.Config, sessionID string) (*Subscription, error) {
	client := api.NewClient(cfg.API.BaseURL, cfg.API.Timeout)
	channel := connection.NewManager(connection.OptionsFromConfig(client.ChannelURL(sessionID), sessionID, cfg.Connection))
	return Open(ctx, sessionID, client, channel, OptionsFromConfig(cfg))
}
