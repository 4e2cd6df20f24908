// Package droplets is a minimal DigitalOcean API v2 client covering the
// droplet operations the gateway exposes: list, inspect, create, delete,
// and the power actions.
package droplets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const defaultBaseURL = "https://api.digitalocean.com"

// HTTPClient lets tests inject canned transport responses.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Droplet is the subset of the API droplet object the gateway reports.
type Droplet struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Memory    int    `json:"memory"`
	VCPUs     int    `json:"vcpus"`
	Disk      int    `json:"disk"`
	Status    string `json:"status"`
	SizeSlug  string `json:"size_slug"`
	CreatedAt string `json:"created_at"`
	Region    struct {
		Slug string `json:"slug"`
		Name string `json:"name"`
	} `json:"region"`
	Image struct {
		Slug         string `json:"slug"`
		Name         string `json:"name"`
		Distribution string `json:"distribution"`
	} `json:"image"`
	Networks struct {
		V4 []struct {
			IPAddress string `json:"ip_address"`
			Type      string `json:"type"`
		} `json:"v4"`
	} `json:"networks"`
}

// PublicIPv4 returns the droplet's public address, or "" when none is
// assigned yet.
func (d Droplet) PublicIPv4() string {
	for _, net := range d.Networks.V4 {
		if net.Type == "public" {
			return net.IPAddress
		}
	}
	return ""
}

// Action is an in-flight droplet action (reboot, power cycle).
type Action struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
	Type   string `json:"type"`
}

// CreateRequest carries the fields required to provision a droplet.
type CreateRequest struct {
	Name   string   `json:"name"`
	Region string   `json:"region"`
	Size   string   `json:"size"`
	Image  string   `json:"image"`
	Tags   []string `json:"tags,omitempty"`
}

// APIError is a non-2xx response from the DigitalOcean API.
type APIError struct {
	StatusCode int
	ID         string `json:"id"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("digitalocean API error %d: %s - %s", e.StatusCode, e.ID, e.Message)
}

// Client talks to the DigitalOcean API with a fixed bearer token.
type Client struct {
	baseURL string
	token   string
	client  HTTPClient
	logger  *slog.Logger
}

// NewClient creates a client with the default API endpoint.
func NewClient(token string, logger *slog.Logger) *Client {
	return NewClientWith(token, defaultBaseURL, &http.Client{
		Timeout: 30 * time.Second,
	}, logger)
}

// NewClientWith creates a client against a custom endpoint and transport
// (for testing).
func NewClientWith(token, baseURL string, client HTTPClient, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		client:  client,
		logger:  logger.With("component", "droplets"),
	}
}

// List returns all droplets on the account.
func (c *Client) List(ctx context.Context) ([]Droplet, error) {
	var out struct {
		Droplets []Droplet `json:"droplets"`
	}
	if err := c.do(ctx, http.MethodGet, "/v2/droplets?per_page=200", nil, &out); err != nil {
		return nil, err
	}
	return out.Droplets, nil
}

// Get returns one droplet by id.
func (c *Client) Get(ctx context.Context, id int64) (Droplet, error) {
	var out struct {
		Droplet Droplet `json:"droplet"`
	}
	path := fmt.Sprintf("/v2/droplets/%d", id)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return Droplet{}, err
	}
	return out.Droplet, nil
}

// Create provisions a new droplet.
func (c *Client) Create(ctx context.Context, req CreateRequest) (Droplet, error) {
	if req.Name == "" || req.Region == "" || req.Size == "" || req.Image == "" {
		return Droplet{}, fmt.Errorf("create droplet: name, region, size and image are all required")
	}
	var out struct {
		Droplet Droplet `json:"droplet"`
	}
	if err := c.do(ctx, http.MethodPost, "/v2/droplets", req, &out); err != nil {
		return Droplet{}, err
	}
	c.logger.Info("droplet created", "id", out.Droplet.ID, "name", req.Name, "region", req.Region)
	return out.Droplet, nil
}

// Delete destroys a droplet. The API returns 204 with no body.
func (c *Client) Delete(ctx context.Context, id int64) error {
	path := fmt.Sprintf("/v2/droplets/%d", id)
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return err
	}
	c.logger.Info("droplet deleted", "id", id)
	return nil
}

// Power actions accepted by Act.
const (
	ActionReboot   = "reboot"
	ActionPowerOn  = "power_on"
	ActionPowerOff = "power_off"
)

// Act submits a power action against a droplet and returns the in-flight
// action object.
func (c *Client) Act(ctx context.Context, id int64, kind string) (Action, error) {
	switch kind {
	case ActionReboot, ActionPowerOn, ActionPowerOff:
	default:
		return Action{}, fmt.Errorf("unsupported droplet action %q", kind)
	}
	var out struct {
		Action Action `json:"action"`
	}
	path := fmt.Sprintf("/v2/droplets/%d/actions", id)
	body := map[string]string{"type": kind}
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return Action{}, err
	}
	c.logger.Info("droplet action submitted", "id", id, "action", kind)
	return out.Action, nil
}

// do performs one API call: marshal the body, set auth headers, check the
// status, decode into out (which may be nil for empty responses).
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		jsonBody, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(jsonBody)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(respBody, apiErr); err != nil {
			apiErr.Message = string(respBody)
		}
		return apiErr
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
