package fetch

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Mode 决定跨域响应的处理方式，语义与浏览器 fetch 的 RequestMode 对齐。
type Mode string

const (
	// ModeSameOrigin 只接受同源响应，跨域（包括跨域重定向）直接报错。
	ModeSameOrigin Mode = "same-origin"
	// ModeCORS 接受跨域响应，但要求上游返回匹配的 Access-Control-Allow-Origin。
	ModeCORS Mode = "cors"
	// ModeNoCORS 允许跨域，跨域响应一律标记为 opaque。
	ModeNoCORS Mode = "no-cors"
)

// Request 描述一次待执行的网络请求。URL 始终为绝对地址。
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
	Mode   Mode
}

// NewRequest 以 base 为基准解析 rawURL（支持相对路径），并去掉 fragment。
func NewRequest(method, rawURL string, base *url.URL) (*Request, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, errors.New("request url required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse request url %q: %w", rawURL, err)
	}
	if !parsed.IsAbs() {
		if base == nil {
			return nil, fmt.Errorf("relative url %q without base", rawURL)
		}
		parsed = base.ResolveReference(parsed)
	}
	parsed.Fragment = ""
	parsed.RawFragment = ""

	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		Method: strings.ToUpper(method),
		URL:    parsed,
		Header: http.Header{},
		Mode:   ModeNoCORS,
	}, nil
}

// String 返回 "METHOD URL" 形式，便于日志输出。
func (r *Request) String() string {
	if r == nil || r.URL == nil {
		return ""
	}
	return r.Method + " " + r.URL.String()
}

// SameOrigin 判断 a 与 b 是否同源（scheme + host:port）。
func SameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(originHost(a), originHost(b))
}

// originHost 补全默认端口，保证 http://x 与 http://x:80 视为同源。
func originHost(u *url.URL) string {
	port := u.Port()
	if port == "" {
		switch strings.ToLower(u.Scheme) {
		case "http":
			port = "80"
		case "https":
			port = "443"
		}
	}
	return strings.ToLower(u.Hostname()) + ":" + port
}

// Origin 序列化 u 的 origin，用于 CORS 请求头。
func Origin(u *url.URL) string {
	if u == nil {
		return ""
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}
