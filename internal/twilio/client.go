package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultAPIBaseURL = "https://api.twilio.com/2010-04-01"

// ErrNotConfigured is returned when account credentials are missing. It is
// fatal to the operation attempted, never to the process.
var ErrNotConfigured = errors.New("twilio credentials not configured")

// Client is a minimal REST client for originating and terminating calls.
type Client struct {
	accountSID string
	authToken  string
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

// WithBaseURL overrides the API endpoint, primarily for tests.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func NewClient(accountSID, authToken string, opts ...Option) *Client {
	c := &Client{
		accountSID: strings.TrimSpace(accountSID),
		authToken:  strings.TrimSpace(authToken),
		baseURL:    defaultAPIBaseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OriginateRequest describes one outbound call attempt.
type OriginateRequest struct {
	To                string
	From              string
	CallbackURL       string
	StatusCallbackURL string
	TimeoutSec        int
}

// Originate places an outbound call and returns the provider call id.
func (c *Client) Originate(ctx context.Context, req OriginateRequest) (string, error) {
	if c.accountSID == "" || c.authToken == "" {
		return "", ErrNotConfigured
	}

	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", req.From)
	form.Set("Url", req.CallbackURL)
	form.Set("Method", "POST")
	form.Set("StatusCallback", req.StatusCallbackURL)
	form.Set("StatusCallbackMethod", "POST")
	for _, evt := range []string{"initiated", "ringing", "answered", "completed"} {
		form.Add("StatusCallbackEvent", evt)
	}
	if req.TimeoutSec > 0 {
		form.Set("Timeout", strconv.Itoa(req.TimeoutSec))
	}
	form.Set("MachineDetection", "DetectMessageEnd")
	form.Set("AsyncAmd", "true")

	var resp struct {
		SID string `json:"sid"`
	}
	if err := c.postForm(ctx, c.callsURL(), form, &resp); err != nil {
		return "", err
	}
	if resp.SID == "" {
		return "", errors.New("twilio: originate response missing call sid")
	}
	return resp.SID, nil
}

// Terminate ends an in-flight call by marking it completed at the provider.
func (c *Client) Terminate(ctx context.Context, providerCallID string) error {
	if c.accountSID == "" || c.authToken == "" {
		return ErrNotConfigured
	}

	form := url.Values{}
	form.Set("Status", "completed")
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", c.baseURL, c.accountSID, url.PathEscape(providerCallID))
	return c.postForm(ctx, endpoint, form, nil)
}

func (c *Client) callsURL() string {
	return fmt.Sprintf("%s/Accounts/%s/Calls.json", c.baseURL, c.accountSID)
}

func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("twilio: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(c.accountSID, c.authToken)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("twilio: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("twilio: read response: %w", err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return fmt.Errorf("twilio: %s returned %d: %s", endpoint, httpResp.StatusCode, snippet(body))
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("twilio: decode response: %w", err)
		}
	}
	return nil
}

func snippet(body []byte) string {
	const max = 200
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max]
	}
	return s
}
