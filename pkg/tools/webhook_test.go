package tools

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookPostWithTemplate(t *testing.T) {
	var gotBody, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, http.MethodPost, r.Method)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	exec := NewWebhookExecutor()
	record := CustomToolRecord{
		HTTPURL:      server.URL,
		Method:       "POST",
		Headers:      map[string]string{"Authorization": "Bearer tok"},
		BodyTemplate: `{"city":"{{city}}","days":{{days}}}`,
		Enabled:      true,
	}

	out, err := exec.Execute(context.Background(), record, map[string]interface{}{
		"city": "Beijing",
		"days": float64(3),
	})
	require.NoError(t, err)

	assert.JSONEq(t, `{"city":"Beijing","days":3}`, gotBody)
	assert.Equal(t, "Bearer tok", gotAuth)
	// JSON responses are pretty-printed.
	assert.Contains(t, out, "\"ok\": true")
}

func TestWebhookGetWithURLSubstitution(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.RequestURI()
		w.Write([]byte("plain text"))
	}))
	defer server.Close()

	exec := NewWebhookExecutor()
	record := CustomToolRecord{
		HTTPURL: server.URL + "/lookup?q={{query}}",
		Method:  "GET",
		Enabled: true,
	}

	out, err := exec.Execute(context.Background(), record, map[string]interface{}{
		"query": "hello world",
	})
	require.NoError(t, err)
	assert.Equal(t, "/lookup?q=hello+world", gotPath)
	assert.Equal(t, "plain text", out)
}

func TestWebhookDefaultsBodyToArguments(t *testing.T) {
	var gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	exec := NewWebhookExecutor()
	record := CustomToolRecord{HTTPURL: server.URL, Method: "PUT", Enabled: true}

	_, err := exec.Execute(context.Background(), record, map[string]interface{}{"a": "b"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"b"}`, gotBody)
}

func TestWebhookErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte("boom detail from upstream"))
	}))
	defer server.Close()

	exec := NewWebhookExecutor()
	record := CustomToolRecord{HTTPURL: server.URL, Method: "POST", Enabled: true}

	_, err := exec.Execute(context.Background(), record, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 422")
	// The upstream's error body is fed back to the model, not swallowed.
	assert.Contains(t, err.Error(), "boom detail from upstream")
}

func TestWebhookRejectsUnsupportedMethod(t *testing.T) {
	exec := NewWebhookExecutor()
	_, err := exec.Execute(context.Background(), CustomToolRecord{
		HTTPURL: "http://localhost",
		Method:  "PATCH",
	}, nil)
	assert.Error(t, err)
}

func TestWebhookResponseCap(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 10000)))
	}))
	defer server.Close()

	exec := NewWebhookExecutor()
	out, err := exec.Execute(context.Background(), CustomToolRecord{
		HTTPURL: server.URL,
		Method:  "POST",
	}, nil)
	require.NoError(t, err)
	assert.Len(t, out, webhookResponseCap)
}

func TestSubstitutePlaceholders(t *testing.T) {
	out := substitutePlaceholders("/{{a}}/{{b}}/{{missing}}", map[string]interface{}{
		"a": "one",
		"b": float64(2),
	}, false)
	assert.Equal(t, "/one/2/{{missing}}", out)
}
