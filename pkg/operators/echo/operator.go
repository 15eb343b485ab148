package echo

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dukex/flowkeeper/pkg/protocol"
	"github.com/dukex/flowkeeper/pkg/template"
)

var levels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// Operator logs its message and exports the configured values.
type Operator struct {
	message string
	level   slog.Level
	export  map[string]any
	fail    string
}

func NewOperator(config map[string]any) (*Operator, error) {
	message, ok := config["message"].(string)
	if !ok {
		return nil, errors.New("missing required field 'message'")
	}

	operator := &Operator{
		message: message,
		level:   slog.LevelInfo,
	}

	if name, ok := config["level"].(string); ok {
		level, known := levels[name]
		if !known {
			return nil, errors.New("level must be one of debug, info, warn, error")
		}

		operator.level = level
	}

	if export, ok := config["export"].(map[string]any); ok {
		operator.export = export
	}

	if fail, ok := config["fail"].(string); ok {
		operator.fail = fail
	}

	return operator, nil
}

func (o *Operator) Execute(ctx context.Context, request *protocol.Request, logger *slog.Logger) (map[string]any, error) {
	data := request.TemplateData()

	message, err := template.RenderString(o.message, data)
	if err != nil {
		return nil, err
	}

	logger.Log(ctx, o.level, message, "operator", "echo")

	if o.fail != "" {
		reason, err := template.RenderString(o.fail, data)
		if err != nil {
			return nil, err
		}

		return nil, errors.New(reason)
	}

	if len(o.export) == 0 {
		return nil, nil
	}

	return template.RenderMap(o.export, data)
}
