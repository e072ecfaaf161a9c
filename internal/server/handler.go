package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"github.com/any-hub/appshell/internal/fetch"
	"github.com/any-hub/appshell/internal/logging"
	"github.com/any-hub/appshell/internal/worker"
)

const (
	headerCacheHit = "X-Appshell-Cache-Hit"
	headerSource   = "X-Appshell-Source"
)

// Handler 把 Fiber 请求转换为 fetch 事件：worker 接管时直接写回其响应，
// 未接管时透传到源站。
type Handler struct {
	worker  FetchHandler
	fetcher fetch.Fetcher
	origin  *url.URL
	logger  *logrus.Logger
}

// NewHandler constructs a handler bound to the given worker host and origin.
func NewHandler(w FetchHandler, fetcher fetch.Fetcher, origin *url.URL, logger *logrus.Logger) *Handler {
	return &Handler{
		worker:  w,
		fetcher: fetcher,
		origin:  origin,
		logger:  logger,
	}
}

// Handle 执行一次拦截或透传，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := h.buildRequest(c)
	if err != nil {
		h.logResult(c.Method(), requestPath(c), requestID, "", 0, started, err)
		return writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	result, err := h.worker.HandleFetch(ctx, req)
	if result.Intercepted {
		if result.Response == nil {
			if err == nil {
				err = fmt.Errorf("worker returned no response for %s", req)
			}
			h.logResult(req.Method, req.URL.String(), requestID, result.Source, 0, started, err)
			return writeError(c, fiber.StatusBadGateway, "upstream_failed")
		}
		if err != nil {
			h.logger.WithFields(logrus.Fields{
				"action":     "fetch_event",
				"url":        req.URL.String(),
				"request_id": requestID,
			}).WithError(err).Warn("fetch_event_incomplete")
		}
		return h.writeResponse(c, req, result.Response, result.Source, requestID, started)
	}
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"action":     "fetch_event",
			"url":        req.URL.String(),
			"request_id": requestID,
		}).WithError(err).Warn("fetch_event_failed")
	}

	return h.passThrough(ctx, c, req, requestID, started)
}

// passThrough 按默认网络行为直接请求源站，不读写缓存。
func (h *Handler) passThrough(ctx context.Context, c fiber.Ctx, req *fetch.Request, requestID string, started time.Time) error {
	resp, err := h.fetcher.Fetch(ctx, req)
	if err != nil {
		h.logResult(req.Method, req.URL.String(), requestID, worker.SourceNetwork, 0, started, err)
		return writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	return h.writeResponse(c, req, resp, worker.SourceNetwork, requestID, started)
}

func (h *Handler) writeResponse(
	c fiber.Ctx,
	req *fetch.Request,
	resp *fetch.Response,
	source worker.Source,
	requestID string,
	started time.Time,
) error {
	copyResponseHeaders(c, resp.Header)
	c.Set(headerCacheHit, strconv.FormatBool(source == worker.SourceCache))
	c.Set(headerSource, string(source))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.Status)

	if req.Method == http.MethodHead {
		resp.Close()
		h.logResult(req.Method, req.URL.String(), requestID, source, resp.Status, started, nil)
		return nil
	}

	body, err := resp.Body()
	if err != nil {
		h.logResult(req.Method, req.URL.String(), requestID, source, resp.Status, started, err)
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("read response failed: %v", err))
	}
	defer body.Close()

	_, err = io.Copy(c.Response().BodyWriter(), body)
	h.logResult(req.Method, req.URL.String(), requestID, source, resp.Status, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

// buildRequest 以源站为基准还原浏览器视角的请求 URL，并带上请求头与请求体。
func (h *Handler) buildRequest(c fiber.Ctx) (*fetch.Request, error) {
	uri := c.Request().URI()
	relative := &url.URL{Path: normalizeRequestPath(string(uri.Path()))}
	if query := uri.QueryString(); len(query) > 0 {
		relative.RawQuery = string(query)
	}

	req, err := fetch.NewRequest(c.Method(), relative.String(), h.origin)
	if err != nil {
		return nil, err
	}
	fetch.CopyHeaders(req.Header, requestHeadersAsHTTP(&c.Request().Header))
	req.Header.Del("Host")
	req.Header.Del("Content-Length")
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())

	if body := c.Body(); len(body) > 0 {
		req.Body = append([]byte(nil), body...)
	}
	return req, nil
}

func (h *Handler) logResult(
	method string,
	target string,
	requestID string,
	source worker.Source,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(method, target, string(source), source == worker.SourceCache, status)
	fields["action"] = "proxy"
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func requestPath(c fiber.Ctx) string {
	pathVal := string(c.Request().URI().Path())
	if pathVal == "" {
		return "/"
	}
	return pathVal
}

func normalizeRequestPath(raw string) string {
	if raw == "" {
		return "/"
	}
	clean := path.Clean("/" + raw)
	if strings.HasSuffix(raw, "/") && clean != "/" {
		clean += "/"
	}
	return clean
}

func requestHeadersAsHTTP(reqHeader *fasthttp.RequestHeader) http.Header {
	header := http.Header{}
	reqHeader.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// copyResponseHeaders 写回上游/缓存响应头；Content-Length 由 fasthttp 根据实际 body 计算。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if fetch.IsHopByHopHeader(key) || strings.EqualFold(key, "Content-Length") {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
}
