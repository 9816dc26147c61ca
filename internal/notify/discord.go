package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Embed colours. Titles produced by Title for ADL activation and
// liquidations use colorAlert.
const (
	colorAlert = 0xE74C3C
	colorInfo  = 0x3498DB
)

// DiscordSender posts alerts to a channel webhook as a single embed.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{webhookURL: webhookURL, client: httpClient}
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
	Timestamp   string `json:"timestamp"`
}

type discordWebhook struct {
	Username string         `json:"username"`
	Embeds   []discordEmbed `json:"embeds"`
}

func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	color := colorInfo
	if isAlert(title) {
		color = colorAlert
	}
	hook := discordWebhook{
		Username: "perpkeeper",
		Embeds: []discordEmbed{{
			Title:       title,
			Description: "```\n" + message + "\n```",
			Color:       color,
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		}},
	}
	// Discord answers 204 with an empty body.
	if _, err := postJSON(ctx, d.client, d.webhookURL, hook); err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	return nil
}

func (d *DiscordSender) Name() string { return "discord" }

func isAlert(title string) bool {
	return strings.HasPrefix(title, "ADL enabled") || strings.HasPrefix(title, "Liquidation")
}
