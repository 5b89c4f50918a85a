package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const defaultTelegramAPI = "https://api.telegram.org"

// Telegram 通知器：ALERT 部署产生信号时推送到指定群/频道。
// 不做重试，失败交给上层记为 delivery_failed。
type Telegram struct {
	BotToken string
	ChatID   string
	APIBase  string
	Client   *http.Client
}

func NewTelegram(botToken, chatID, apiBase string, timeout time.Duration) *Telegram {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Telegram{
		BotToken: botToken,
		ChatID:   chatID,
		APIBase:  apiBase,
		Client:   &http.Client{Timeout: timeout},
	}
}

// SendText 发送 Markdown 文本消息。
func (t *Telegram) SendText(ctx context.Context, text string) error {
	if t == nil || t.BotToken == "" || t.ChatID == "" {
		return fmt.Errorf("telegram 配置不完整")
	}
	base := strings.TrimRight(strings.TrimSpace(t.APIBase), "/")
	if base == "" {
		base = defaultTelegramAPI
	}
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", base, t.BotToken)

	body, err := json.Marshal(map[string]any{
		"chat_id":    t.ChatID,
		"text":       text,
		"parse_mode": "Markdown",
	})
	if err != nil {
		return fmt.Errorf("序列化 telegram 请求失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构造 telegram 请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("调用 telegram 失败: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))

	if resp.StatusCode/100 != 2 {
		if desc := gjson.GetBytes(raw, "description").String(); desc != "" {
			return fmt.Errorf("telegram status=%d: %s", resp.StatusCode, desc)
		}
		return fmt.Errorf("telegram status=%d", resp.StatusCode)
	}
	// Bot API 在 200 时仍可能返回 ok=false
	if gjson.ValidBytes(raw) {
		res := gjson.ParseBytes(raw)
		if ok := res.Get("ok"); ok.Exists() && !ok.Bool() {
			return fmt.Errorf("telegram rejected: %s", res.Get("description").String())
		}
	}
	return nil
}
