package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultAPIURL is the public Bot API endpoint.
const DefaultAPIURL = "https://api.telegram.org"

// ParseModeHTML renders the Bot API HTML subset.
const ParseModeHTML = "HTML"

// WebAppInfo opens a Mini-App page from a button.
type WebAppInfo struct {
	URL string `json:"url"`
}

// InlineKeyboardButton is one button under a message. Exactly one of URL
// and WebApp is set.
type InlineKeyboardButton struct {
	Text   string      `json:"text"`
	URL    string      `json:"url,omitempty"`
	WebApp *WebAppInfo `json:"web_app,omitempty"`
}

// InlineKeyboardMarkup is a grid of buttons, row by row.
type InlineKeyboardMarkup struct {
	InlineKeyboard [][]InlineKeyboardButton `json:"inline_keyboard"`
}

// Message is a sendMessage request.
type Message struct {
	ChatID                int64                 `json:"chat_id"`
	Text                  string                `json:"text"`
	ParseMode             string                `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool                  `json:"disable_web_page_preview,omitempty"`
	ReplyMarkup           *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
}

// InputTextMessageContent is the text an inline result sends when chosen.
type InputTextMessageContent struct {
	MessageText string `json:"message_text"`
	ParseMode   string `json:"parse_mode,omitempty"`
}

// InlineQueryResultArticle is an inline result that posts a text message.
type InlineQueryResultArticle struct {
	Type                string                  `json:"type"`
	ID                  string                  `json:"id"`
	Title               string                  `json:"title"`
	Description         string                  `json:"description,omitempty"`
	InputMessageContent InputTextMessageContent `json:"input_message_content"`
	ReplyMarkup         *InlineKeyboardMarkup   `json:"reply_markup,omitempty"`
}

// PreparedInlineMessage is the handle a Mini-App passes to
// shareMessage. It stops working at ExpirationDate (unix seconds).
type PreparedInlineMessage struct {
	ID             string `json:"id"`
	ExpirationDate int64  `json:"expiration_date"`
}

// APIError is a Bot API answer with ok=false.
type APIError struct {
	Status      int
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: %d %s", e.Code, e.Description)
}

// Bot sends messages through the Bot API.
type Bot struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewBot creates a client for the bot identified by token. An empty
// apiURL selects DefaultAPIURL.
func NewBot(apiURL, token string, hc *http.Client) *Bot {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Bot{baseURL: strings.TrimRight(apiURL, "/"), token: token, http: hc}
}

// SendMessage delivers msg.
func (b *Bot) SendMessage(ctx context.Context, msg Message) error {
	return b.call(ctx, "sendMessage", msg, nil)
}

// SavePreparedInlineMessage stores article for userID so the Mini-App can
// let them forward it to any private chat.
func (b *Bot) SavePreparedInlineMessage(ctx context.Context, userID int64, article InlineQueryResultArticle) (*PreparedInlineMessage, error) {
	if article.Type == "" {
		article.Type = "article"
	}
	req := struct {
		UserID         int64                    `json:"user_id"`
		Result         InlineQueryResultArticle `json:"result"`
		AllowUserChats bool                     `json:"allow_user_chats"`
	}{UserID: userID, Result: article, AllowUserChats: true}

	var out PreparedInlineMessage
	if err := b.call(ctx, "savePreparedInlineMessage", req, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, &APIError{Description: "empty prepared message id"}
	}
	return &out, nil
}

// call posts payload to method and decodes the result field into result
// when it is non-nil.
func (b *Bot) call(ctx context.Context, method string, payload, result interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/bot"+b.token+"/"+method, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.http.Do(req)
	if err != nil {
		// The URL carries the token; keep it out of logs.
		return fmt.Errorf("telegram %s: request failed", method)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	var out struct {
		OK          bool            `json:"ok"`
		Result      json.RawMessage `json:"result"`
		ErrorCode   int             `json:"error_code"`
		Description string          `json:"description"`
		Parameters  struct {
			RetryAfter int `json:"retry_after"`
		} `json:"parameters"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return &APIError{Status: resp.StatusCode, Code: resp.StatusCode, Description: "invalid response"}
	}
	if !out.OK {
		return &APIError{
			Status:      resp.StatusCode,
			Code:        out.ErrorCode,
			Description: out.Description,
			RetryAfter:  time.Duration(out.Parameters.RetryAfter) * time.Second,
		}
	}
	if result != nil && len(out.Result) > 0 {
		if err := json.Unmarshal(out.Result, result); err != nil {
			return &APIError{Status: resp.StatusCode, Code: resp.StatusCode, Description: "invalid result"}
		}
	}
	return nil
}
