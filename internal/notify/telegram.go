package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
)

const telegramAPI = "https://api.telegram.org"

// TelegramSender posts alerts to a chat through the Bot API sendMessage call.
type TelegramSender struct {
	base   string
	token  string
	chatID string
	client *http.Client
}

func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{base: telegramAPI, token: token, chatID: chatID, client: httpClient}
}

type telegramMessage struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type telegramReply struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send renders the title in bold. Addresses and factors are escaped as HTML
// since Telegram rejects unbalanced markup.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	msg := telegramMessage{
		ChatID:                t.chatID,
		Text:                  "<b>" + html.EscapeString(title) + "</b>\n<pre>" + html.EscapeString(message) + "</pre>",
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	}
	out, err := postJSON(ctx, t.client, t.base+"/bot"+t.token+"/sendMessage", msg)
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	var reply telegramReply
	if err := json.Unmarshal(out, &reply); err == nil && !reply.OK {
		return fmt.Errorf("telegram: rejected: %s", reply.Description)
	}
	return nil
}

func (t *TelegramSender) Name() string { return "telegram" }
