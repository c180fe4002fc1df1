package notify

import (
	"context"
	"net/http"
	"strings"
)

// Discord embed limits.
const (
	discordTitleLimit       = 256
	discordDescriptionLimit = 4096
)

// Embed colors by alert event; anything else is grey.
var discordColors = map[string]int{
	EventInvariantViolation: 0xd93025,
	EventReconcileFailed:    0xf29900,
	EventPollerUnhealthy:    0xf29900,
}

// DiscordSender posts alerts to a Discord webhook as a single embed.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender for webhookURL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{webhookURL: webhookURL, client: defaultHTTPClient()}
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
}

type discordMessage struct {
	Username string         `json:"username"`
	Embeds   []discordEmbed `json:"embeds"`
}

// Send posts title and message as one embed. Titles produced by Notifier
// start with "[event]", which picks the embed color.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	color := 0x9aa0a6
	if strings.HasPrefix(title, "[") {
		if end := strings.IndexByte(title, ']'); end > 0 {
			if c, ok := discordColors[title[1:end]]; ok {
				color = c
			}
		}
	}
	return postJSON(ctx, d.client, "discord", d.webhookURL, discordMessage{
		Username: "celoledger",
		Embeds: []discordEmbed{{
			Title:       truncate(title, discordTitleLimit),
			Description: truncate(message, discordDescriptionLimit),
			Color:       color,
		}},
	})
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string {
	return "discord"
}
