package registry

import (
	"github.com/dukex/flowkeeper/pkg/operators/echo"
	"github.com/dukex/flowkeeper/pkg/operators/httpcall"
)

// RegisterDefaultOperators registers all built-in operator factories with the registry.
func (r *Registry) RegisterDefaultOperators() {
	r.Register(echo.NewOperatorFactory())
	r.Register(httpcall.NewOperatorFactory())
}
