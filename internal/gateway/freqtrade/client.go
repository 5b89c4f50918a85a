package freqtrade

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"warden/internal/config"

	"github.com/tidwall/gjson"
)

// Client wraps the freqtrade REST calls used by BOT deployments.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	username   string
	password   string
	token      string
}

// NewClient constructs a Freqtrade client from configuration.
func NewClient(cfg config.FreqtradeConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("freqtrade 未启用")
	}
	raw := strings.TrimSpace(cfg.APIURL)
	if raw == "" {
		return nil, fmt.Errorf("freqtrade.api_url 不能为空")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("解析 freqtrade.api_url 失败: %w", err)
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402
	}
	return &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		username:   strings.TrimSpace(cfg.Username),
		password:   strings.TrimSpace(cfg.Password),
		token:      strings.TrimSpace(cfg.APIToken),
	}, nil
}

// EnterRequest mirrors freqtrade's /forceenter schema.
type EnterRequest struct {
	Pair        string  `json:"pair"`
	Side        string  `json:"side"`
	OrderType   string  `json:"ordertype,omitempty"`
	StakeAmount float64 `json:"stakeamount,omitempty"`
	EntryTag    string  `json:"entry_tag,omitempty"`
}

// OpenTrade is the subset of /status fields needed to close a position.
type OpenTrade struct {
	TradeID int
	Pair    string
	IsShort bool
}

// ForceEnter opens a trade and returns freqtrade's trade id.
func (c *Client) ForceEnter(ctx context.Context, req EnterRequest) (int, error) {
	raw, err := c.doRequest(ctx, http.MethodPost, "/forceenter", req)
	if err != nil {
		return 0, err
	}
	id := gjson.GetBytes(raw, "trade_id").Int()
	if id == 0 {
		return 0, fmt.Errorf("freqtrade 未返回 trade_id")
	}
	return int(id), nil
}

// ForceExit fully closes an existing trade.
func (c *Client) ForceExit(ctx context.Context, tradeID int) error {
	payload := map[string]any{"tradeid": fmt.Sprintf("%d", tradeID), "ordertype": "market"}
	_, err := c.doRequest(ctx, http.MethodPost, "/forceexit", payload)
	return err
}

// OpenTrades lists currently open trades.
func (c *Client) OpenTrades(ctx context.Context) ([]OpenTrade, error) {
	raw, err := c.doRequest(ctx, http.MethodGet, "/status", nil)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("解析 freqtrade /status 失败")
	}
	var trades []OpenTrade
	gjson.ParseBytes(raw).ForEach(func(_, v gjson.Result) bool {
		trades = append(trades, OpenTrade{
			TradeID: int(v.Get("trade_id").Int()),
			Pair:    v.Get("pair").String(),
			IsShort: v.Get("is_short").Bool(),
		})
		return true
	})
	return trades, nil
}

// Ping checks the API is reachable.
func (c *Client) Ping(ctx context.Context) error {
	raw, err := c.doRequest(ctx, http.MethodGet, "/ping", nil)
	if err != nil {
		return err
	}
	if s := gjson.GetBytes(raw, "status").String(); s != "pong" {
		return fmt.Errorf("freqtrade ping 返回异常: %s", s)
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, payload any) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("freqtrade client 未初始化")
	}
	endpoint := c.resolveEndpoint(path)

	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("序列化请求失败: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("构造请求失败: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("调用 freqtrade 失败: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("读取 freqtrade 响应失败: %w", err)
	}
	if resp.StatusCode >= 300 {
		if detail := gjson.GetBytes(data, "detail").String(); detail != "" {
			return nil, fmt.Errorf("freqtrade 返回错误(%s): %s", resp.Status, detail)
		}
		return nil, fmt.Errorf("freqtrade 返回错误: %s", resp.Status)
	}
	return data, nil
}

func (c *Client) resolveEndpoint(path string) string {
	base := *c.baseURL
	base.Path = strings.TrimSuffix(base.Path, "/") + "/" + strings.TrimPrefix(strings.TrimSpace(path), "/")
	base.RawPath = ""
	base.RawQuery = ""
	base.Fragment = ""
	return base.String()
}
