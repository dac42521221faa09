package notify

import (
	"context"
	"fmt"
	"net/http"
)

// discordContentLimit is the maximum message length Discord accepts.
const discordContentLimit = 2000

// DiscordSender delivers alerts via a Discord webhook.
type DiscordSender struct {
	webhookURL string
	username   string
	client     *http.Client
}

var _ Sender = (*DiscordSender)(nil)

// NewDiscordSender creates a DiscordSender for the given webhook URL. Messages
// are posted under username when it is not empty.
func NewDiscordSender(webhookURL, username string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		username:   username,
		client:     newHTTPClient(),
	}
}

// Send posts the title in bold and the body in a code block, truncated to
// Discord's length limit.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	content := fmt.Sprintf("**%s**\n```\n%s\n```", title, message)
	if len(content) > discordContentLimit {
		content = content[:discordContentLimit-4] + "\n```"
	}

	payload := map[string]string{"content": content}
	if d.username != "" {
		payload["username"] = d.username
	}
	if err := postJSON(ctx, d.client, d.webhookURL, payload); err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	return nil
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string { return "discord" }
