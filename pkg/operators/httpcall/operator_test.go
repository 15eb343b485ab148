package httpcall_test

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dukex/flowkeeper/pkg/operators/httpcall"
	"github.com/dukex/flowkeeper/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func request() *protocol.Request {
	return &protocol.Request{
		TaskName:    "load",
		SessionTime: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		Params:      map[string]any{"token": "secret"},
	}
}

func TestOperator_Execute(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/partitions/2024-06-01", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.JSONEq(t, `{"task":"load"}`, string(body))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"rows": 42}`))
	}))
	t.Cleanup(server.Close)

	operator, err := httpcall.NewOperator(map[string]any{
		"url":     server.URL + "/partitions/{{.session_date}}",
		"method":  "post",
		"headers": map[string]any{"Authorization": "Bearer {{.params.token}}"},
		"body":    `{"task":"{{.task.name}}"}`,
		"timeout": float64(5),
	})
	require.NoError(t, err)

	exported, err := operator.Execute(t.Context(), request(), slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, exported["status_code"])
	assert.Equal(t, map[string]any{"rows": float64(42)}, exported["json"])
}

func TestOperator_ExecuteStatusError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("down"))
	}))
	t.Cleanup(server.Close)

	operator, err := httpcall.NewOperator(map[string]any{"url": server.URL})
	require.NoError(t, err)

	_, err = operator.Execute(t.Context(), request(), slog.New(slog.DiscardHandler))

	var statusErr *httpcall.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.Equal(t, "down", statusErr.Body)
}

func TestNewOperator_MissingURL(t *testing.T) {
	t.Parallel()

	_, err := httpcall.NewOperator(map[string]any{})
	require.Error(t, err)
}
