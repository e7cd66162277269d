package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/parley/internal/plugin/api"
)

const (
	maxResponseBody = 8 << 20
	maxStreamLine   = 1 << 20
	redacted        = "[redacted]"
)

// HTTPRequest is a request made through the http capability.
type HTTPRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// HTTPResponse is the response returned to plugin code. Streamed responses
// carry no body.
type HTTPResponse struct {
	Status  int               `json:"status"`
	OK      bool              `json:"ok"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// httpDo performs req on behalf of the plugin. When onLine is set the
// response body is read line by line and handed to onLine as it arrives;
// otherwise it is buffered into the response. Every exchange is recorded
// through the host's network log.
func (c *caps) httpDo(ctx context.Context, req HTTPRequest, onLine func(string)) (*HTTPResponse, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: %s", ErrHTTPNotAllowed, req.URL)
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	if err := c.inst.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	for k, v := range req.Headers {
		hreq.Header.Set(k, v)
	}

	reqID := uuid.NewString()
	start := time.Now()
	c.logNetwork(api.NetworkEvent{
		RequestID: reqID,
		Kind:      api.NetRequest,
		Method:    method,
		URL:       u.String(),
		Headers:   redactHeaders(req.Headers),
		Body:      req.Body,
	})

	resp, err := c.r.httpClient.Do(hreq)
	if err != nil {
		c.logNetwork(api.NetworkEvent{RequestID: reqID, Kind: api.NetError, URL: u.String(), Error: err.Error(), Duration: time.Since(start)})
		return nil, err
	}
	defer resp.Body.Close()

	out := &HTTPResponse{
		Status:  resp.StatusCode,
		OK:      resp.StatusCode >= 200 && resp.StatusCode < 300,
		Headers: flattenHeaders(resp.Header),
	}

	if onLine == nil {
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		if err != nil {
			c.logNetwork(api.NetworkEvent{RequestID: reqID, Kind: api.NetError, URL: u.String(), Status: out.Status, Error: err.Error(), Duration: time.Since(start)})
			return nil, err
		}
		out.Body = string(data)
		c.logNetwork(api.NetworkEvent{
			RequestID: reqID,
			Kind:      api.NetResponse,
			URL:       u.String(),
			Status:    out.Status,
			Headers:   out.Headers,
			Body:      out.Body,
			Duration:  time.Since(start),
		})
		return out, nil
	}

	c.logNetwork(api.NetworkEvent{RequestID: reqID, Kind: api.NetStreamStart, URL: u.String(), Status: out.Status, Headers: out.Headers})

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLine)
	for scanner.Scan() {
		line := scanner.Text()
		c.logNetwork(api.NetworkEvent{RequestID: reqID, Kind: api.NetStreamChunk, Body: line})
		onLine(line)
	}
	if err := scanner.Err(); err != nil {
		c.logNetwork(api.NetworkEvent{RequestID: reqID, Kind: api.NetError, URL: u.String(), Error: err.Error(), Duration: time.Since(start)})
		return nil, err
	}

	c.logNetwork(api.NetworkEvent{RequestID: reqID, Kind: api.NetStreamComplete, URL: u.String(), Status: out.Status, Duration: time.Since(start)})
	return out, nil
}

func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}

// redactHeaders hides credentials before headers reach the network log.
func redactHeaders(h map[string]string) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		lk := strings.ToLower(k)
		if lk == "authorization" || lk == "cookie" || strings.Contains(lk, "api-key") || strings.Contains(lk, "apikey") || strings.Contains(lk, "token") {
			v = redacted
		}
		out[k] = v
	}
	return out
}
