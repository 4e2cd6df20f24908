package channels

import (
	"net/http"
	"time"
)

// HTTPClient abstracts the HTTP transport so tests can script responses.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// DefaultHTTPClient wraps the standard library client.
type DefaultHTTPClient struct {
	client *http.Client
}

// NewDefaultHTTPClient returns a client with the given timeout.
func NewDefaultHTTPClient(timeout time.Duration) *DefaultHTTPClient {
	return &DefaultHTTPClient{client: &http.Client{Timeout: timeout}}
}

func (c *DefaultHTTPClient) Do(req *http.Request) (*http.Response, error) {
	return c.client.Do(req)
}
