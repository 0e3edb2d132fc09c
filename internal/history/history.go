// Package history fetches the stored messages of a conversation so a view
// can be seeded before live events arrive.
package history

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/npezzotti/gochat-realtime/internal/payload"
	"github.com/npezzotti/gochat-realtime/internal/types"
)

const (
	historyPath     = "/messages/history"
	defaultLimit    = 50
	maxResponseSize = 4 << 20
	requestTimeout  = 15 * time.Second
)

type Query struct {
	ContextType types.ContextType
	ContextId   string
	Limit       int
	Offset      int
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("history: unexpected status %d: %s", e.StatusCode, e.Body)
}

type Client struct {
	base        *url.URL
	http        *http.Client
	log         *log.Logger
	credentials func() http.Header
}

// NewClient returns a client for the REST API rooted at baseURL.
// credentials, if set, supplies the ambient credential for each request.
func NewClient(baseURL string, credentials func() http.Header, l *log.Logger) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse history url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("history url must be http or https, got %q", baseURL)
	}

	return &Client{
		base:        u,
		http:        &http.Client{Timeout: requestTimeout},
		log:         l,
		credentials: credentials,
	}, nil
}

func (c *Client) endpoint(q Query) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + historyPath

	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	v := url.Values{}
	v.Set("contextType", string(q.ContextType))
	if q.ContextId != "" {
		v.Set("contextId", q.ContextId)
	}
	v.Set("limit", strconv.Itoa(limit))
	v.Set("offset", strconv.Itoa(max(q.Offset, 0)))
	u.RawQuery = v.Encode()
	return u.String()
}

// Fetch returns one page of history, normalized. Messages without a creation
// time are stamped with the fetch time.
func (c *Client) Fetch(ctx context.Context, q Query) ([]types.Message, error) {
	if !q.ContextType.Valid() {
		return nil, fmt.Errorf("history: invalid context type %q", q.ContextType)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(q), nil)
	if err != nil {
		return nil, fmt.Errorf("history: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.credentials != nil {
		for k, vals := range c.credentials() {
			for _, v := range vals {
				req.Header.Add(k, v)
			}
		}
	}

	fetchedAt := types.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("history: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	msgs, err := payload.DecodeMessages(body, fetchedAt)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}

	c.log.Printf("fetched %d messages for %s %s", len(msgs), q.ContextType, q.ContextId)
	return msgs, nil
}
