package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dukex/flowkeeper/pkg/eventbus"
	"github.com/dukex/flowkeeper/pkg/log"
	"github.com/dukex/flowkeeper/pkg/models"
	"github.com/dukex/flowkeeper/pkg/persistence/file"
	"github.com/dukex/flowkeeper/pkg/registry"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestApp(t *testing.T) *fiber.App {
	t.Helper()

	persistence, err := file.NewPersistence(t.TempDir())
	require.NoError(t, err)

	reg := registry.NewRegistry(log.Discard())
	reg.RegisterDefaultOperators()

	return NewAPI(log.Discard(), persistence, reg, eventbus.Nop()).App()
}

func TestAPI_RootEndpoint(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "Flowkeeper API", string(body))
}

func TestAPI_PublishAndStart(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)

	definition, err := json.Marshal(models.WorkflowDefinition{
		ProjectID: "p1",
		Name:      "hello",
		Tasks: []*models.TaskNode{
			{ID: "greet", OperatorType: "echo", Config: map[string]any{"message": "hello"}},
		},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/workflows", bytes.NewBuffer(definition))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	req = httptest.NewRequest(http.MethodPost, "/workflows/p1/hello/sessions", nil)

	resp, err = app.Test(req)
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestAPI_Health(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
