package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystemRebootManagerRestartAgentExits(t *testing.T) {
	m := NewSystemRebootManager(testLogger())

	var exitCode int

	m.exit = func(code int) { exitCode = code }

	require.NoError(t, m.RestartAgent(context.Background()))
	assert.Equal(t, RestartExitCode, exitCode)
}

func TestSystemRebootManagerRebootPropagatesError(t *testing.T) {
	m := NewSystemRebootManager(testLogger())

	wantErr := errors.New("shutdown: not permitted")
	m.rebootCommand = func(context.Context) error { return wantErr }

	err := m.RebootSystem(context.Background())
	assert.ErrorIs(t, err, wantErr)
}
