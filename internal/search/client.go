// Package search queries a programmable web search engine for citable
// snippets.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultEndpoint = "https://www.googleapis.com/customsearch/v1"
	resultCount     = 5
)

var (
	ErrQuotaExhausted = errors.New("Tageslimit für Websuche erreicht.")
	ErrNotConfigured  = errors.New("web search is not configured")
)

type Result struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("Websuche fehlgeschlagen (Status %d)", e.Status)
}

type Config struct {
	Endpoint   string
	APIKey     string
	EngineID   string
	HTTPClient *http.Client
	// Limiter paces outgoing requests; nil allows one request per second.
	Limiter *rate.Limiter
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Limiter == nil {
		cfg.Limiter = rate.NewLimiter(rate.Limit(1), 1)
	}
	return &Client{cfg: cfg}
}

func (c *Client) Configured() bool {
	return c != nil && c.cfg.APIKey != "" && c.cfg.EngineID != ""
}

// Search returns at most five results for query. An empty slice with a nil
// error means the engine found nothing.
func (c *Client) Search(ctx context.Context, query string) ([]Result, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	if err := c.cfg.Limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse search endpoint: %w", err)
	}
	q := u.Query()
	q.Set("key", c.cfg.APIKey)
	q.Set("cx", c.cfg.EngineID)
	q.Set("q", query)
	q.Set("num", fmt.Sprint(resultCount))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrQuotaExhausted
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Status: resp.StatusCode}
	}

	var body struct {
		Items []Result `json:"items"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	if len(body.Items) > resultCount {
		body.Items = body.Items[:resultCount]
	}
	return body.Items, nil
}

// Snippets renders results as citable blocks separated by blank lines.
func Snippets(results []Result) string {
	blocks := make([]string, 0, len(results))
	for _, r := range results {
		blocks = append(blocks, "[Quelle: "+r.Link+"]\n"+r.Snippet)
	}
	return strings.Join(blocks, "\n\n")
}
