package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ordermail/internal/model"
)

// TelegramGateway implements ChatGateway against the Telegram bot API.
type TelegramGateway struct {
	baseURL    string
	token      string
	chatID     string
	httpClient *http.Client
}

// NewTelegramGateway creates a gateway for one bot and chat. baseURL is
// overridable for tests; empty means the public API.
func NewTelegramGateway(baseURL, token, chatID string) *TelegramGateway {
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	return &TelegramGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		chatID:  chatID,
		// Long polls hold the connection open for the poll timeout.
		httpClient: &http.Client{Timeout: 90 * time.Second},
	}
}

type tgResponse struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
}

type tgMessage struct {
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
	Date      int64  `json:"date"`
	From      struct {
		Username string `json:"username"`
	} `json:"from"`
	ReplyToMessage *struct {
		Text string `json:"text"`
	} `json:"reply_to_message"`
}

type tgUpdate struct {
	UpdateID int64      `json:"update_id"`
	Message  *tgMessage `json:"message"`
}

// SendMessage implements ChatGateway.
func (g *TelegramGateway) SendMessage(ctx context.Context, text string) (int64, error) {
	params := url.Values{
		"chat_id": {g.chatID},
		"text":    {text},
	}
	var msg tgMessage
	if err := g.call(ctx, "sendMessage", params, &msg); err != nil {
		return 0, fmt.Errorf("send message: %w", err)
	}
	return msg.MessageID, nil
}

// Updates implements ChatGateway with a long poll.
func (g *TelegramGateway) Updates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	params := url.Values{
		"timeout": {strconv.Itoa(int(timeout.Seconds()))},
	}
	if offset > 0 {
		params.Set("offset", strconv.FormatInt(offset, 10))
	}
	var raw []tgUpdate
	if err := g.call(ctx, "getUpdates", params, &raw); err != nil {
		return nil, fmt.Errorf("poll updates: %w", err)
	}

	updates := make([]Update, 0, len(raw))
	for _, u := range raw {
		if u.Message == nil {
			updates = append(updates, Update{UpdateID: u.UpdateID})
			continue
		}
		out := Update{
			UpdateID:  u.UpdateID,
			MessageID: u.Message.MessageID,
			Text:      u.Message.Text,
			From:      u.Message.From.Username,
			Timestamp: time.Unix(u.Message.Date, 0).UTC(),
		}
		if u.Message.ReplyToMessage != nil {
			out.ReplyToText = u.Message.ReplyToMessage.Text
		}
		updates = append(updates, out)
	}
	return updates, nil
}

func (g *TelegramGateway) call(ctx context.Context, method string, params url.Values, out any) error {
	endpoint := fmt.Sprintf("%s/bot%s/%s?%s", g.baseURL, g.token, method, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return model.Transient("chat gateway", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return model.Transient("chat gateway", fmt.Errorf("status %d", resp.StatusCode))
	}
	var envelope tgResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !envelope.OK {
		return fmt.Errorf("chat API rejected %s", method)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}
