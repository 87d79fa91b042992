package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"transactai/internal/reconciler"
)

// Config 钱包广播服务的 HTTP 客户端配置
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client 外部钱包服务的 HTTP 客户端，负责签名与广播提现交易
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ reconciler.Broadcaster = (*Client)(nil)

type submitResponse struct {
	TxHash string `json:"tx_hash"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("wallet: 缺少 base url")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(base, "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Submit 提交提现；4xx 视为永久拒绝，其余错误交给调用方重试
func (c *Client) Submit(ctx context.Context, req reconciler.SubmitRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("wallet: 编码请求失败: %w", err)
	}
	var out submitResponse
	if err := c.do(ctx, http.MethodPost, "/withdrawals", body, &out); err != nil {
		return "", err
	}
	if out.TxHash == "" {
		return "", fmt.Errorf("wallet: %s 返回的交易哈希为空", req.WithdrawalID)
	}
	return out.TxHash, nil
}

func (c *Client) Status(ctx context.Context, withdrawalID string) (*reconciler.BroadcastStatus, error) {
	var out reconciler.BroadcastStatus
	if err := c.do(ctx, http.MethodGet, "/withdrawals/"+url.PathEscape(withdrawalID), nil, &out); err != nil {
		return nil, err
	}
	switch out.State {
	case reconciler.BroadcastPending, reconciler.BroadcastConfirmed, reconciler.BroadcastFailed:
	default:
		return nil, fmt.Errorf("wallet: 未知状态 %q", out.State)
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("wallet: 构造请求失败: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("wallet: 调用失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e errorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return fmt.Errorf("%w: 状态码 %d %s", reconciler.ErrBroadcastRejected, resp.StatusCode, e.Error)
		}
		return fmt.Errorf("wallet: 异常状态码 %d %s", resp.StatusCode, e.Error)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("wallet: 解析响应失败: %w", err)
	}
	return nil
}
