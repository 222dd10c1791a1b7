package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrServer         = errors.New("nameserver failure")
)

// Parent is the node a registrant should connect to.
type Parent struct {
	URL       string `json:"url"`
	ServiceID string `json:"service_id"`
}

// HTTPClient talks to a nameserver over its REST API.
type HTTPClient struct {
	baseURL *url.URL
	client  *retryablehttp.Client
}

type ClientOptionFunc func(*HTTPClient)

// WithRetries sets how many times a failed request is retried.
func WithRetries(n int) ClientOptionFunc {
	return func(c *HTTPClient) {
		c.client.RetryMax = n
	}
}

// New returns a client of the nameserver at baseUrl.
func New(baseUrl string, opts ...ClientOptionFunc) (*HTTPClient, error) {
	baseURL, err := url.Parse(baseUrl)
	if err != nil {
		return nil, fmt.Errorf("parsing address: %w", err)
	}
	if baseURL.Scheme == "" {
		baseURL.Scheme = "http"
	}

	c := &HTTPClient{
		baseURL: baseURL,
		client:  retryablehttp.NewClient(),
	}
	c.client.Logger = nil
	// Hand the last response back instead of a generic "giving up" error so
	// that the server's message reaches the caller.
	c.client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Register registers address and returns its parent, or nil for the root.
func (c *HTTPClient) Register(ctx context.Context, address, serviceID string) (*Parent, error) {
	req, err := retryablehttp.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.baseURL.JoinPath("/register").String(),
		strings.NewReader(address),
	)
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("X-Service-Id", serviceID)

	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("doing request: %w", err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body (%w)", err)
	}

	switch res.StatusCode {
	case http.StatusOK:
	case http.StatusBadRequest:
		return nil, fmt.Errorf("%w: response status code: %s, body: %s", ErrInvalidRequest, res.Status, string(data))
	case http.StatusInternalServerError:
		return nil, fmt.Errorf("%w: response status code: %s, body: %s", ErrServer, res.Status, string(data))
	default:
		return nil, fmt.Errorf("unrecognized error: status code: %s, body: %s", res.Status, string(data))
	}

	if len(data) == 0 {
		return nil, nil
	}
	parent := &Parent{}
	if err := json.Unmarshal(data, parent); err != nil {
		return nil, fmt.Errorf("decoding response body: %w", err)
	}
	return parent, nil
}
