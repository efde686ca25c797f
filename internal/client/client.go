package client

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/inercia/fundchat/internal/connection"
)

const (
	DefaultChatPath   = "/ws_chat"
	DefaultUploadPath = "/upload/"

	// DefaultTimeout is generous because the backend indexes the documents
	// and answers the overview questions before replying to an upload.
	DefaultTimeout = 5 * time.Minute
)

// Client provides access to the backend's HTTP endpoints.
type Client struct {
	baseURL    string
	chatPath   string
	uploadPath string
	httpClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(client *Client) {
		client.httpClient.Timeout = d
	}
}

// WithChatPath overrides DefaultChatPath.
func WithChatPath(p string) Option {
	return func(client *Client) {
		if p != "" {
			client.chatPath = p
		}
	}
}

// WithUploadPath overrides DefaultUploadPath.
func WithUploadPath(p string) Option {
	return func(client *Client) {
		if p != "" {
			client.uploadPath = p
		}
	}
}

// New creates a client for the backend at baseURL (e.g. "http://localhost:8000").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		chatPath:   DefaultChatPath,
		uploadPath: DefaultUploadPath,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the base URL of the client.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ChatURL returns the streaming endpoint, with http upgraded to ws and
// https to wss.
func (c *Client) ChatURL() (string, error) {
	return connection.ChatEndpoint(c.baseURL, c.chatPath)
}

// UploadURL returns the document upload endpoint.
func (c *Client) UploadURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported base URL scheme %q", u.Scheme)
	}
	return u.JoinPath(c.uploadPath).String(), nil
}
