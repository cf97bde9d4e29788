package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hwk-1212/kk-ai-nl2sql/pkg/httpclient"
)

// webhookResponseCap bounds the response text returned to the LLM.
const webhookResponseCap = 4000

// WebhookExecutor invokes user-defined HTTP tools.
type WebhookExecutor struct {
	client *httpclient.Client
}

// NewWebhookExecutor creates an executor with the default call timeout.
func NewWebhookExecutor() *WebhookExecutor {
	return &WebhookExecutor{
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: CallTimeout}),
			httpclient.WithMaxRetries(1),
		),
	}
}

// Execute calls the webhook described by the record. URL and body template
// placeholders of the form {{name}} are substituted from the arguments.
func (e *WebhookExecutor) Execute(ctx context.Context, record CustomToolRecord, args map[string]interface{}) (string, error) {
	method := strings.ToUpper(record.Method)
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
	case "":
		method = http.MethodPost
	default:
		return "", NewToolError("webhook", "execute",
			fmt.Sprintf("unsupported method %q", record.Method), nil)
	}

	target := substitutePlaceholders(record.HTTPURL, args, true)
	if target == "" {
		return "", NewToolError("webhook", "execute", "tool has no URL", nil)
	}

	var body io.Reader
	if method != http.MethodGet {
		payload, err := e.buildBody(record.BodyTemplate, args)
		if err != nil {
			return "", err
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return "", NewToolError("webhook", "execute", "failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range record.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return "", NewToolError("webhook", "execute", "request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, webhookResponseCap*4))
	if err != nil {
		return "", NewToolError("webhook", "execute", "failed to read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", NewToolError("webhook", "execute",
			fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 500)), nil)
	}

	return truncate(prettyJSON(respBody), webhookResponseCap), nil
}

// buildBody renders the body template, or marshals the argument object when
// no template is configured.
func (e *WebhookExecutor) buildBody(template string, args map[string]interface{}) ([]byte, error) {
	if template == "" {
		payload, err := json.Marshal(args)
		if err != nil {
			return nil, NewToolError("webhook", "execute", "failed to marshal arguments", err)
		}
		return payload, nil
	}
	return []byte(substitutePlaceholders(template, args, false)), nil
}

// substitutePlaceholders replaces {{name}} references with argument values.
// URL substitution escapes values for query safety.
func substitutePlaceholders(s string, args map[string]interface{}, escape bool) string {
	for key, value := range args {
		placeholder := "{{" + key + "}}"
		if !strings.Contains(s, placeholder) {
			continue
		}
		rendered := renderValue(value)
		if escape {
			rendered = url.QueryEscape(rendered)
		}
		s = strings.ReplaceAll(s, placeholder, rendered)
	}
	return s
}

func renderValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		// JSON numbers decode as float64; render integers without decimals.
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	case bool:
		return fmt.Sprintf("%t", val)
	case nil:
		return ""
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}

// prettyJSON indents JSON bodies; non-JSON bodies pass through unchanged.
func prettyJSON(body []byte) string {
	var parsed interface{}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return string(body)
	}
	pretty, err := json.MarshalIndent(parsed, "", "  ")
	if err != nil {
		return string(body)
	}
	return string(pretty)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
