package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mbd888/paymcp/internal/security"
)

// maxPageBytes caps how much of a page fetch_page returns.
const maxPageBytes = 64 << 10

// Page is a fetched web page.
type Page struct {
	URL         string `json:"url"`
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        string `json:"body"`
	Truncated   bool   `json:"truncated"`
}

// PageClient fetches pages for the fetch_page tool.
type PageClient struct {
	httpClient *http.Client
	userAgent  string
	checkURL   func(ctx context.Context, rawURL string) error
}

// PageOption configures a PageClient.
type PageOption func(*PageClient)

// AllowPrivateHosts disables the check that keeps fetches off loopback and
// private networks.
func AllowPrivateHosts() PageOption {
	return func(c *PageClient) { c.checkURL = nil }
}

// NewPageClient creates a client with a bounded timeout.
func NewPageClient(timeout time.Duration, opts ...PageOption) *PageClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &PageClient{
		httpClient: &http.Client{Timeout: timeout},
		userAgent:  "paymcp-fetch/1.0",
		checkURL: func(ctx context.Context, rawURL string) error {
			return security.CheckFetchURL(ctx, rawURL, nil)
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.httpClient.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= 5 {
			return errors.New("stopped after 5 redirects")
		}
		if c.checkURL != nil {
			return c.checkURL(req.Context(), req.URL.String())
		}
		return nil
	}
	return c
}

// Fetch downloads rawURL. Only http and https URLs are accepted.
func (c *PageClient) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	if c.checkURL != nil {
		if err := c.checkURL(ctx, u.String()); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch error (%d): %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	page := &Page{
		URL:         u.String(),
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
	}
	if len(body) > maxPageBytes {
		body = body[:maxPageBytes]
		page.Truncated = true
	}
	page.Body = string(body)
	return page, nil
}
