package fetch

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// Type 对应浏览器 Response.type 的分类。
type Type string

// TypeDefault 标记进程内合成的响应（例如离线占位页）。
const (
	TypeBasic   Type = "basic"
	TypeCORS    Type = "cors"
	TypeOpaque  Type = "opaque"
	TypeError   Type = "error"
	TypeDefault Type = "default"
)

// ErrBodyUsed 表示响应体已经被消费，无法再次读取或克隆。
var ErrBodyUsed = errors.New("response body already used")

// Response 是一次网络或缓存响应的快照。Body 只能被消费一次。
type Response struct {
	Status int
	Header http.Header
	Type   Type
	// URL 是最终响应地址（跟随重定向之后）。
	URL string

	mu   sync.Mutex
	body io.ReadCloser
	used bool
}

// NewResponse 包装一个流式响应体；body 为 nil 时视为空响应。
func NewResponse(status int, header http.Header, typ Type, url string, body io.ReadCloser) *Response {
	if header == nil {
		header = http.Header{}
	}
	if body == nil {
		body = http.NoBody
	}
	return &Response{
		Status: status,
		Header: header,
		Type:   typ,
		URL:    url,
		body:   body,
	}
}

// NewBytesResponse 以内存字节构建响应，常用于合成响应与缓存命中。
func NewBytesResponse(status int, header http.Header, typ Type, url string, body []byte) *Response {
	return NewResponse(status, header, typ, url, io.NopCloser(bytes.NewReader(body)))
}

// OK 与 Response.ok 一致：状态码位于 200-299。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

// BodyUsed 报告响应体是否已被取走。
func (r *Response) BodyUsed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.used
}

// Body 取走响应体，调用方负责 Close。第二次调用返回 ErrBodyUsed。
func (r *Response) Body() (io.ReadCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.used {
		return nil, ErrBodyUsed
	}
	r.used = true
	return r.body, nil
}

// Bytes 读取并关闭整个响应体。
func (r *Response) Bytes() ([]byte, error) {
	body, err := r.Body()
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return io.ReadAll(body)
}

// Clone 将响应体读入一块只读缓冲区，返回一个独立可消费的副本；
// 原响应同时切换到同一缓冲区上的新 reader，两者互不影响。
func (r *Response) Clone() (*Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.used {
		return nil, ErrBodyUsed
	}

	buf, err := io.ReadAll(r.body)
	closeErr := r.body.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		r.used = true
		return nil, fmt.Errorf("buffer response body: %w", err)
	}

	r.body = io.NopCloser(bytes.NewReader(buf))
	return &Response{
		Status: r.Status,
		Header: r.Header.Clone(),
		Type:   r.Type,
		URL:    r.URL,
		body:   io.NopCloser(bytes.NewReader(buf)),
	}, nil
}

// Close 丢弃尚未消费的响应体。
func (r *Response) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.used {
		return nil
	}
	r.used = true
	return r.body.Close()
}
