package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goevery/relay/internal/ierr"
	"github.com/samber/lo"
)

const DefaultTimeout = 10 * time.Second

type message struct {
	Content string `json:"content"`
}

type messagesResponse struct {
	Messages []message `json:"messages"`
}

// Client reads received SMS for a verification from the provider's HTTP API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL string, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// GetMessages returns the message bodies in the order the provider received
// them. Network failures and 5xx/429 responses wrap ierr.ErrProviderTransient.
func (c *Client) GetMessages(ctx context.Context, verificationId string) ([]string, error) {
	endpoint := c.baseURL + "/verifications/" + url.PathEscape(verificationId) + "/messages"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ierr.ErrProviderTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ierr.New(ierr.ErrorCodeNotFound, fmt.Errorf("verification %s not found at provider", verificationId))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("%w: status code %d", ierr.ErrProviderTransient, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var body messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	return lo.Map(body.Messages, func(m message, _ int) string {
		return m.Content
	}), nil
}
