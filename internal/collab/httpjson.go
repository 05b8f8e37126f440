package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const maxResponseBody = 1 << 20

// JSONClient is the shared REST plumbing of the HTTP collaborators.
type JSONClient struct {
	Service string
	BaseURL string
	HTTP    *http.Client
	// Decorate adds auth headers or query parameters.
	Decorate func(req *http.Request)
}

// Do sends in (if non-nil) as JSON and decodes a 2xx body into out (if non-nil).
func (c JSONClient) Do(ctx context.Context, op, method, path string, query url.Values, in, out any) error {
	u := strings.TrimRight(c.BaseURL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return &Error{Service: c.Service, Op: op, Err: fmt.Errorf("encode request: %w", err)}
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return &Error{Service: c.Service, Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Decorate != nil {
		c.Decorate(req)
	}

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return Wrap(c.Service, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return Wrap(c.Service, op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return HTTPError(c.Service, op, resp.StatusCode, retryAfter(resp.Header.Get("Retry-After")), truncateBody(raw))
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Service: c.Service, Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func retryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		return time.Duration(n) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncateBody(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 300 {
		s = s[:297] + "..."
	}
	if s == "" {
		s = "empty response"
	}
	return s
}
