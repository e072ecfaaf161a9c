package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/any-hub/appshell/internal/version"
)

// Fetcher 执行一次网络请求。返回 error 代表网络层失败（离线、DNS、CORS 拒绝等），
// 非 2xx 状态码不属于错误。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc 让普通函数满足 Fetcher，便于测试注入。
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

var (
	// ErrCORS 表示 cors 模式下跨域响应缺少匹配的 Access-Control-Allow-Origin。
	ErrCORS = errors.New("cross-origin response rejected by CORS check")
	// ErrCrossOrigin 表示 same-origin 模式下得到了跨域响应。
	ErrCrossOrigin = errors.New("cross-origin response in same-origin mode")
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// ClientOptions 控制 Client 的 origin 与超时。
type ClientOptions struct {
	// Origin 是被代理的单页应用地址，用于判断响应是否 basic。
	Origin *url.URL
	// Timeout 为单次请求的整体超时，<=0 时使用 30s。
	Timeout time.Duration
	// HTTPClient 可选，测试中可注入 httptest.Server.Client()。
	HTTPClient *http.Client
}

// Client 是基于 net/http 的 Fetcher 实现，所有请求共享一个 http.Client。
type Client struct {
	http   *http.Client
	origin *url.URL
}

// NewClient 返回共享 http.Client 包装的 Fetcher。
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Origin == nil || !opts.Origin.IsAbs() {
		return nil, errors.New("absolute origin required")
	}

	timeout := 30 * time.Second
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: defaultTransport.Clone(),
		}
	}

	return &Client{
		http:   httpClient,
		origin: opts.Origin,
	}, nil
}

// Origin 返回客户端判定 basic 响应所使用的 origin。
func (c *Client) Origin() *url.URL {
	return c.origin
}

// Fetch 执行请求并按 origin/mode 对响应分类。
func (c *Client) Fetch(ctx context.Context, r *Request) (*Response, error) {
	if r == nil || r.URL == nil {
		return nil, errors.New("request url required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var body *bytes.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL.String(), readerOrNoBody(body))
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", r, err)
	}
	CopyHeaders(req.Header, r.Header)
	req.Header.Del("Host")
	req.Header.Del("Accept-Encoding")
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", version.UserAgent())
	}

	crossOrigin := !SameOrigin(r.URL, c.origin)
	if crossOrigin && r.Mode == ModeSameOrigin {
		return nil, fmt.Errorf("fetch %s: %w", r, ErrCrossOrigin)
	}
	if crossOrigin && r.Mode == ModeCORS {
		req.Header.Set("Origin", Origin(c.origin))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", r, err)
	}

	finalURL := r.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL
	}

	typ, err := c.classify(r.Mode, finalURL, resp.Header)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: %w", r, err)
	}

	header := http.Header{}
	CopyHeaders(header, resp.Header)
	return NewResponse(resp.StatusCode, header, typ, finalURL.String(), resp.Body), nil
}

func (c *Client) classify(mode Mode, final *url.URL, header http.Header) (Type, error) {
	if SameOrigin(final, c.origin) {
		return TypeBasic, nil
	}
	switch mode {
	case ModeSameOrigin:
		return TypeError, ErrCrossOrigin
	case ModeCORS:
		allow := strings.TrimSpace(header.Get("Access-Control-Allow-Origin"))
		if allow == "*" || strings.EqualFold(allow, Origin(c.origin)) {
			return TypeCORS, nil
		}
		return TypeError, ErrCORS
	default:
		return TypeOpaque, nil
	}
}

func readerOrNoBody(r *bytes.Reader) io.Reader {
	if r == nil {
		return http.NoBody
	}
	return r
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	canonical := textproto.CanonicalMIMEHeaderKey(key)
	_, ok := hopByHopHeaders[canonical]
	return ok
}
