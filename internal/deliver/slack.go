package deliver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/cleverdata/relay-agent/internal/logging"
)

// DefaultBaseURL is the Slack Web API root. Overridable for tests.
const DefaultBaseURL = "https://slack.com/api"

// Upload describes one file delivery.
type Upload struct {
	Path    string
	Title   string // shown as the file title, normally the base name
	Channel string
	BotName string
	Icon    string
}

// Notice is a plain text message, used for operator-facing error and
// rate-limit warnings rather than file deliveries.
type Notice struct {
	Title   string
	Text    string
	Icon    string
	Channel string
	BotName string
}

// Poster is the delivery surface the dispatcher needs. Any non-nil error is a
// failed delivery; the dispatcher does not distinguish failure causes beyond
// recording them.
type Poster interface {
	PostFile(ctx context.Context, up Upload) error
	PostNotice(ctx context.Context, n Notice) error
}

// Client posts files and messages to Slack with a bearer token.
type Client struct {
	http    *resty.Client
	baseURL string
	token   string
}

// New builds a Slack client for one credential.
func New(token string) *Client {
	return &Client{http: resty.New(), baseURL: DefaultBaseURL, token: token}
}

// WithBaseURL redirects the client at a different API root. Tests point this
// at an httptest server.
func (c *Client) WithBaseURL(url string) *Client {
	c.baseURL = url
	return c
}

// apiResponse is the envelope every Slack Web API call returns. HTTP status
// alone is not enough: Slack reports most failures as 200 with ok=false.
type apiResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (c *Client) check(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("slack request: %w", err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return fmt.Errorf("slack returned HTTP %d", resp.StatusCode())
	}
	var api apiResponse
	if err := json.Unmarshal(resp.Body(), &api); err != nil {
		return fmt.Errorf("parse slack response: %w", err)
	}
	if !api.OK {
		if api.Error == "" {
			api.Error = "no error field in response"
		}
		return fmt.Errorf("slack api error: %s", api.Error)
	}
	return nil
}

// PostFile uploads one file to the channel as a multipart form.
func (c *Client) PostFile(ctx context.Context, up Upload) error {
	form := map[string]string{
		"channels": up.Channel,
		"title":    up.Title,
	}
	if up.BotName != "" {
		form["username"] = up.BotName
	}
	if up.Icon != "" {
		form["icon_emoji"] = up.Icon
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+c.token).
		SetFile("file", up.Path).
		SetFormData(form).
		Post(c.baseURL + "/files.upload")
	return c.check(resp, err)
}

// PostNotice sends a chat message to the channel.
func (c *Client) PostNotice(ctx context.Context, n Notice) error {
	text := n.Text
	if n.Title != "" {
		text = fmt.Sprintf("*%s*\n%s", n.Title, n.Text)
	}
	form := map[string]string{
		"channel": n.Channel,
		"text":    text,
	}
	if n.BotName != "" {
		form["username"] = n.BotName
	}
	if n.Icon != "" {
		form["icon_emoji"] = n.Icon
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+c.token).
		SetFormData(form).
		Post(c.baseURL + "/chat.postMessage")
	return c.check(resp, err)
}

// Ping verifies the credential against auth.test.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+c.token).
		Post(c.baseURL + "/auth.test")
	return c.check(resp, err)
}

// Pinger runs a periodic auth.test for one channel and logs failures. Used in
// daemon mode when a job enables heartbeats.
func Pinger(ctx context.Context, c *Client, name string, every time.Duration, logger logging.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.Ping(ctx); err != nil {
				if logger != nil {
					logger.Warningf("[%s] Heartbeat failed: %v", name, err)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}
