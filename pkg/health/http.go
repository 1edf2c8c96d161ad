package health

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// HTTPChecker probes an HTTP health endpoint, such as SurrealDB's /health
type HTTPChecker struct {
	URL     string
	Method  string
	Headers map[string]string

	// ExpectedStatusMin and ExpectedStatusMax bound the accepted status codes
	ExpectedStatusMin int
	ExpectedStatusMax int

	Client *http.Client
}

// NewHTTPChecker creates a new HTTP health checker
func NewHTTPChecker(rawURL string) *HTTPChecker {
	return &HTTPChecker{
		URL:               rawURL,
		Method:            http.MethodGet,
		Headers:           make(map[string]string),
		ExpectedStatusMin: 200,
		ExpectedStatusMax: 299,
		Client: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// SurrealHealthURL derives the HTTP health endpoint from a SurrealDB
// connection URL (ws://host:8000/rpc -> http://host:8000/health)
func SurrealHealthURL(connURL string) (string, error) {
	u, err := url.Parse(connURL)
	if err != nil {
		return "", fmt.Errorf("invalid surrealdb url %q: %w", connURL, err)
	}
	switch u.Scheme {
	case "ws", "http":
		u.Scheme = "http"
	case "wss", "https":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported surrealdb url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("surrealdb url %q has no host", connURL)
	}
	u.Path = "/health"
	u.RawQuery = ""
	return u.String(), nil
}

// Check performs the HTTP health check
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, h.Method, h.URL, nil)
	if err != nil {
		return result(start, false, fmt.Sprintf("failed to create request: %v", err))
	}
	for key, value := range h.Headers {
		req.Header.Set(key, value)
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return result(start, false, fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= h.ExpectedStatusMin && resp.StatusCode <= h.ExpectedStatusMax
	message := fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	if !healthy {
		message = fmt.Sprintf("%s (expected %d-%d)", message, h.ExpectedStatusMin, h.ExpectedStatusMax)
	}
	return result(start, healthy, message)
}

// Type returns the health check type
func (h *HTTPChecker) Type() CheckType {
	return CheckTypeHTTP
}

// WithHeader adds a custom HTTP header
func (h *HTTPChecker) WithHeader(key, value string) *HTTPChecker {
	h.Headers[key] = value
	return h
}

// WithStatusRange sets the expected status code range
func (h *HTTPChecker) WithStatusRange(min, max int) *HTTPChecker {
	h.ExpectedStatusMin = min
	h.ExpectedStatusMax = max
	return h
}

// WithTimeout sets the HTTP client timeout
func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	h.Client.Timeout = timeout
	return h
}
