package notify

import (
	"context"
	"net/http"
	"strings"
)

const (
	telegramAPI = "https://api.telegram.org"
	// telegramTextLimit is the sendMessage text limit in characters.
	telegramTextLimit = 4096
)

var markdownEscaper = strings.NewReplacer("*", "\\*", "_", "\\_", "`", "\\`", "[", "\\[")

// TelegramSender posts alerts to one chat through the Bot API.
type TelegramSender struct {
	baseURL string
	token   string
	chatID  string
	client  *http.Client
}

// NewTelegramSender creates a TelegramSender for the bot token and chat ID.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		baseURL: telegramAPI,
		token:   token,
		chatID:  chatID,
		client:  defaultHTTPClient(),
	}
}

// WithBaseURL points the sender at another Bot API host.
func (t *TelegramSender) WithBaseURL(u string) *TelegramSender {
	t.baseURL = strings.TrimRight(u, "/")
	return t
}

// Send calls sendMessage with a bold, escaped title. Link previews are off
// since alert bodies often carry explorer URLs.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	text := truncate("*"+markdownEscaper.Replace(title)+"*\n"+message, telegramTextLimit)
	return postJSON(ctx, t.client, "telegram", t.baseURL+"/bot"+t.token+"/sendMessage", map[string]any{
		"chat_id":                  t.chatID,
		"text":                     text,
		"parse_mode":               "Markdown",
		"disable_web_page_preview": true,
	})
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string {
	return "telegram"
}
