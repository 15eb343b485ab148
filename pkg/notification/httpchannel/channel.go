// Package httpchannel posts notifications as JSON to an HTTP endpoint.
package httpchannel

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dukex/flowkeeper/pkg/models"
	"github.com/dukex/flowkeeper/pkg/notification"
	"github.com/go-resty/resty/v2"
)

type Config struct {
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
}

// StatusError is a non-2xx response from the endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("notification endpoint returned %d: %s", e.StatusCode, e.Body)
}

type Channel struct {
	config Config
	client *resty.Client
}

func New(config Config) *Channel {
	if config.Method == "" {
		config.Method = http.MethodPost
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	return &Channel{
		config: config,
		client: resty.New().SetTimeout(config.Timeout),
	}
}

func (c *Channel) Name() string {
	return "http"
}

// Send treats 5xx, 408 and 429 responses and transport errors as transient; any other
// non-2xx response is permanent.
func (c *Channel) Send(ctx context.Context, n models.Notification) error {
	response, err := c.client.R().
		SetContext(ctx).
		SetHeaders(c.config.Headers).
		SetHeader("Content-Type", "application/json").
		SetBody(n).
		Execute(c.config.Method, c.config.URL)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}

	if response.IsSuccess() {
		return nil
	}

	statusErr := &StatusError{StatusCode: response.StatusCode(), Body: response.String()}

	switch {
	case response.StatusCode() >= http.StatusInternalServerError,
		response.StatusCode() == http.StatusRequestTimeout,
		response.StatusCode() == http.StatusTooManyRequests:
		return statusErr
	default:
		return notification.Permanent(statusErr)
	}
}
