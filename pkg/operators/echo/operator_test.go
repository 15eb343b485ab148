package echo_test

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/flowkeeper/pkg/operators/echo"
	"github.com/dukex/flowkeeper/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func request() *protocol.Request {
	return &protocol.Request{
		TaskName:     "extract",
		WorkflowName: "daily",
		SessionTime:  time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		Params:       map[string]any{"table": "events"},
	}
}

func TestNewOperator(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		config  map[string]any
		wantErr bool
	}{
		{name: "message only", config: map[string]any{"message": "hi"}},
		{name: "with level", config: map[string]any{"message": "hi", "level": "warn"}},
		{name: "missing message", config: map[string]any{}, wantErr: true},
		{name: "unknown level", config: map[string]any{"message": "hi", "level": "loud"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := echo.NewOperator(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestOperator_Execute(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	operator, err := echo.NewOperator(map[string]any{
		"message": "loading {{.params.table}} for {{.session_date}}",
		"export":  map[string]any{"path": "/data/{{.params.table}}", "rows": 3},
	})
	require.NoError(t, err)

	exported, err := operator.Execute(t.Context(), request(), logger)
	require.NoError(t, err)

	assert.Contains(t, buf.String(), "loading events for 2024-06-01")
	assert.Equal(t, "/data/events", exported["path"])
	assert.Equal(t, 3, exported["rows"])
}

func TestOperator_ExecuteFail(t *testing.T) {
	t.Parallel()

	operator, err := echo.NewOperator(map[string]any{"message": "about to fail", "fail": "{{.task.name}} broke"})
	require.NoError(t, err)

	_, err = operator.Execute(t.Context(), request(), slog.New(slog.DiscardHandler))
	require.EqualError(t, err, "extract broke")
}

func TestOperatorFactory(t *testing.T) {
	t.Parallel()

	factory := echo.NewOperatorFactory()
	assert.Equal(t, "echo", factory.ID())
	assert.NotEmpty(t, factory.Name())
	assert.NotEmpty(t, factory.Description())
	assert.Equal(t, "object", factory.Schema()["type"])

	operator, err := factory.Create(map[string]any{"message": "hi"})
	require.NoError(t, err)
	assert.NotNil(t, operator)
}
