package moltbook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	xerrors "MoltMarket-Core/internal/errors"
)

const defaultTimeout = 10 * time.Second

// ClientConfig 描述 Moltbook HTTP 读取器的构造参数。
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
	Cache   ProfileCache
}

// Client 通过 HTTP 读取 Moltbook 公开画像，带进程内限流与 TTL 缓存。
// 命中缓存的结果会以 source=cached 标记返回，调用方可感知数据新鲜度。
type Client struct {
	baseURL    string
	httpClient *http.Client
	cache      ProfileCache
	limiter    *limiter
}

// NewClient 创建 Moltbook 读取器。
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Moltbook base_url 不能为空")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	cache := cfg.Cache
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		cache:      cache,
		limiter:    newLimiter(limiterRate, limiterWindow),
	}, nil
}

// FetchProfile 返回指定 handle 的画像。优先走缓存；限流窗口耗尽时
// 若无缓存则返回 MOLTBOOK_RATE_LIMITED。
func (c *Client) FetchProfile(ctx context.Context, handle string) (Profile, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return Profile{}, xerrors.New(xerrors.CodeInvalidArgument, "handle 不能为空")
	}

	if cached, ok := c.cache.Get(ctx, handle); ok {
		cached.Source = SourceCached
		return cached, nil
	}

	if !c.limiter.allow() {
		return Profile{}, xerrors.New(CodeRateLimited, "Moltbook 抓取配额已耗尽",
			xerrors.WithMetadata("handle", handle))
	}

	endpoint := fmt.Sprintf("%s/api/v1/profiles/%s", c.baseURL, url.PathEscape(handle))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Profile{}, xerrors.Wrap(xerrors.CodeUpstreamUnavailable, err, "构建 Moltbook 请求失败")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Profile{}, xerrors.Wrap(xerrors.CodeUpstreamUnavailable, err, "请求 Moltbook 失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Profile{}, ErrProfileNotFound
	}
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return Profile{}, xerrors.New(xerrors.CodeUpstreamUnavailable,
			fmt.Sprintf("Moltbook 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var profile Profile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return Profile{}, xerrors.Wrap(xerrors.CodeUpstreamUnavailable, err, "解析 Moltbook 响应失败")
	}
	profile.Handle = handle
	if profile.Source == "" {
		profile.Source = SourceAPI
	}

	c.cache.Set(ctx, handle, profile)
	return profile, nil
}

var _ Reader = (*Client)(nil)
