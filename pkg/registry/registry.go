// Package registry maps operator type tags to operator factories.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/dukex/flowkeeper/pkg/protocol"
	"github.com/xeipuuv/gojsonschema"
)

var (
	// ErrUnknownOperator is returned for a type tag no factory was registered for.
	ErrUnknownOperator = errors.New("operator type not registered")

	// ErrInvalidConfig is returned when a task config does not match the operator schema.
	ErrInvalidConfig = errors.New("invalid operator config")
)

type Registry struct {
	logger    *slog.Logger
	mu        sync.RWMutex
	factories map[string]protocol.OperatorFactory
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:    log,
		factories: make(map[string]protocol.OperatorFactory),
	}
}

// Register adds a factory, replacing any previous one with the same ID.
func (r *Registry) Register(factory protocol.OperatorFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[factory.ID()] = factory
	r.logger.Debug("Registered operator", "type", factory.ID())
}

func (r *Registry) factory(operatorType string) (protocol.OperatorFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.factories[operatorType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperator, operatorType)
	}

	return factory, nil
}

// Operator creates an operator of the given type with config.
func (r *Registry) Operator(operatorType string, config map[string]any) (protocol.Operator, error) {
	factory, err := r.factory(operatorType)
	if err != nil {
		return nil, err
	}

	return factory.Create(config)
}

// Validate checks config against the JSON schema of the operator type.
func (r *Registry) Validate(operatorType string, config map[string]any) error {
	factory, err := r.factory(operatorType)
	if err != nil {
		return err
	}

	schema := factory.Schema()
	if schema == nil {
		return nil
	}

	if config == nil {
		config = map[string]any{}
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(config))
	if err != nil {
		return fmt.Errorf("failed to validate %s config: %w", operatorType, err)
	}

	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, resultError := range result.Errors() {
			details = append(details, resultError.String())
		}

		return fmt.Errorf("%w for %s: %s", ErrInvalidConfig, operatorType, strings.Join(details, "; "))
	}

	return nil
}

// Factories returns the registered factories sorted by ID.
func (r *Registry) Factories() []protocol.OperatorFactory {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factories := make([]protocol.OperatorFactory, 0, len(r.factories))
	for _, factory := range r.factories {
		factories = append(factories, factory)
	}

	sort.Slice(factories, func(i, j int) bool { return factories[i].ID() < factories[j].ID() })

	return factories
}

// HealthCheck reports whether any operator is registered.
func (r *Registry) HealthCheck() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.factories) == 0 {
		return "No operators registered", false
	}

	return fmt.Sprintf("%d operators registered", len(r.factories)), true
}
