package obs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInitTracing_DisabledReturnsNoopProviders(t *testing.T) {
	p, err := InitTracing(TracingConfig{}, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, p)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestProviders_ShutdownOnNilIsSafe(t *testing.T) {
	var p *Providers
	require.NoError(t, p.Shutdown(context.Background()))
}
