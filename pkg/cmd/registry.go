// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"log/slog"

	"github.com/dukex/flowkeeper/pkg/registry"
)

func NewRegistry(log *slog.Logger) *registry.Registry {
	reg := registry.NewRegistry(log.With("module", "registry"))
	reg.RegisterDefaultOperators()

	return reg
}
