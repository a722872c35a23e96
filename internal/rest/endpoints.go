package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/rickgao/gatecord/internal/model"
)

// Route templates used by the runtime.
const (
	RouteGatewayBot  = "/gateway/bot"
	RouteCurrentUser = "/users/@me"
	RouteUser        = "/users/{user.id}"
	RouteChannel     = "/channels/{channel.id}"
	RouteMessages    = "/channels/{channel.id}/messages"
	RouteMessage     = "/channels/{channel.id}/messages/{message.id}"
	RouteGuild       = "/guilds/{guild.id}"
)

// GatewayBot is the response of GET /gateway/bot.
type GatewayBot struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

// SessionStartLimit describes how many identifies may still be sent.
type SessionStartLimit struct {
	Total          int `json:"total"`
	Remaining      int `json:"remaining"`
	ResetAfter     int `json:"reset_after"` // Milliseconds
	MaxConcurrency int `json:"max_concurrency"`
}

// ResetIn returns ResetAfter as a duration.
func (l SessionStartLimit) ResetIn() time.Duration {
	return time.Duration(l.ResetAfter) * time.Millisecond
}

// GetGatewayBot returns the gateway URL, the recommended shard count and the
// identify budget.
func (d *Dispatcher) GetGatewayBot(ctx context.Context) (*GatewayBot, error) {
	var out GatewayBot
	if err := d.Do(ctx, &Request{Method: http.MethodGet, Route: RouteGatewayBot}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetCurrentUser returns the bot's own user.
func (d *Dispatcher) GetCurrentUser(ctx context.Context) (*model.User, error) {
	var out model.User
	if err := d.Do(ctx, &Request{Method: http.MethodGet, Route: RouteCurrentUser}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateMessage posts a plain text message to a channel.
func (d *Dispatcher) CreateMessage(ctx context.Context, channelID model.Snowflake, content string) error {
	_, err := d.Post(ctx, RouteMessages, map[string]string{"content": content}, channelID.String())
	return err
}
