package httpcall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/flowkeeper/pkg/protocol"
	"github.com/dukex/flowkeeper/pkg/template"
	"github.com/go-resty/resty/v2"
)

const defaultTimeout = 30 * time.Second

// StatusError is returned for responses with a status code of 400 or above.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Operator performs one HTTP request per execution.
type Operator struct {
	url     string
	method  string
	headers map[string]string
	body    string
	client  *resty.Client
}

func NewOperator(config map[string]any) (*Operator, error) {
	url, ok := config["url"].(string)
	if !ok || url == "" {
		return nil, errors.New("missing required field 'url'")
	}

	operator := &Operator{
		url:     url,
		method:  "GET",
		headers: make(map[string]string),
	}

	if method, ok := config["method"].(string); ok {
		operator.method = strings.ToUpper(method)
	}

	if headers, ok := config["headers"].(map[string]any); ok {
		for key, value := range headers {
			if s, ok := value.(string); ok {
				operator.headers[key] = s
			}
		}
	}

	if body, ok := config["body"].(string); ok {
		operator.body = body
	}

	timeout := defaultTimeout

	switch seconds := config["timeout"].(type) {
	case float64:
		timeout = time.Duration(seconds * float64(time.Second))
	case int:
		timeout = time.Duration(seconds) * time.Second
	}

	operator.client = resty.New().SetTimeout(timeout)

	return operator, nil
}

func (o *Operator) Execute(ctx context.Context, request *protocol.Request, logger *slog.Logger) (map[string]any, error) {
	data := request.TemplateData()

	url, err := template.RenderString(o.url, data)
	if err != nil {
		return nil, err
	}

	req := o.client.R().SetContext(ctx)

	for key, value := range o.headers {
		rendered, err := template.RenderString(value, data)
		if err != nil {
			return nil, err
		}

		req.SetHeader(key, rendered)
	}

	if o.body != "" {
		body, err := template.RenderString(o.body, data)
		if err != nil {
			return nil, err
		}

		if req.Header.Get("Content-Type") == "" {
			req.SetHeader("Content-Type", "application/json")
		}

		req.SetBody(body)
	}

	logger.DebugContext(ctx, "Sending request", "method", o.method, "url", url)

	resp, err := req.Execute(o.method, url)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode() >= 400 {
		return nil, &StatusError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}

	result := map[string]any{
		"status_code": resp.StatusCode(),
		"body":        resp.String(),
	}

	var jsonBody any
	if err := json.Unmarshal(resp.Body(), &jsonBody); err == nil {
		result["json"] = jsonBody
	}

	return result, nil
}
