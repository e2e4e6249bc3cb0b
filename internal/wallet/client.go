package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "MoltMarket-Core/internal/errors"
)

const defaultTimeout = 15 * time.Second

// Config 描述托管钱包服务的连接参数。
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client 通过 HTTP 调用托管钱包服务。
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient 根据配置创建托管钱包客户端。
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "托管钱包 BaseURL 不能为空")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// CreateWallet 在指定链上开一个托管钱包。
func (c *Client) CreateWallet(ctx context.Context, chain string) (*Wallet, error) {
	var wallet Wallet
	if err := c.call(ctx, http.MethodPost, "/v1/wallets", map[string]string{"chain": chain}, &wallet); err != nil {
		return nil, err
	}
	return &wallet, nil
}

// Transfer 发起一笔托管转账。
func (c *Client) Transfer(ctx context.Context, sourceID, destAddress string, amount float64, chain string) (*Transfer, error) {
	payload := map[string]any{
		"source_id":    sourceID,
		"dest_address": destAddress,
		"amount":       amount,
		"chain":        chain,
	}
	var transfer Transfer
	if err := c.call(ctx, http.MethodPost, "/v1/transfers", payload, &transfer); err != nil {
		return nil, err
	}
	return &transfer, nil
}

// GetBalance 查询托管钱包余额。
func (c *Client) GetBalance(ctx context.Context, walletID string) (float64, error) {
	var decoded struct {
		Balance float64 `json:"balance"`
	}
	if err := c.call(ctx, http.MethodGet, "/v1/wallets/"+walletID+"/balance", nil, &decoded); err != nil {
		return 0, err
	}
	return decoded.Balance, nil
}

// GetTransactionStatus 查询一笔转账的最新状态。
func (c *Client) GetTransactionStatus(ctx context.Context, transactionID string) (string, error) {
	var decoded struct {
		Status string `json:"status"`
	}
	if err := c.call(ctx, http.MethodGet, "/v1/transfers/"+transactionID, nil, &decoded); err != nil {
		return "", err
	}
	return decoded.Status, nil
}

func (c *Client) call(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码托管钱包请求失败")
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构建托管钱包请求失败")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUpstreamUnavailable, err, "请求托管钱包服务失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return xerrors.New(xerrors.CodeUpstreamUnavailable,
			fmt.Sprintf("托管钱包服务返回状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return xerrors.Wrap(xerrors.CodeUpstreamUnavailable, err, "解析托管钱包响应失败")
	}
	return nil
}

var _ Provider = (*Client)(nil)
