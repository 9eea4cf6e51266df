package cmd

import (
	"log/slog"

	"github.com/edgekit/updagent/pkg/handlers"
	"github.com/edgekit/updagent/pkg/handlers/script"
	"github.com/edgekit/updagent/pkg/handlers/simulator"
	"github.com/edgekit/updagent/pkg/workflow"
)

// NewHandlerRegistry registers the built-in content handlers. The script
// handler covers the script-driven update types; the simulator backs
// development and connectivity testing.
func NewHandlerRegistry(logger *slog.Logger, markerPath string) *handlers.Registry {
	registry := handlers.NewRegistry(logger)

	registry.Register("script/v1", func() (workflow.ContentHandler, error) {
		return script.New(markerPath), nil
	})

	registry.Register("simulator/v1", func() (workflow.ContentHandler, error) {
		return simulator.New(simulator.Config{}), nil
	})

	return registry
}
