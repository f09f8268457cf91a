package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Pulse/internal/config"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()
	b, err := Open(ctx, config.StoreConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "p.db")})
	require.NoError(t, err)
	defer b.Close()

	conv, err := b.CreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	ok, err := b.IsMember(ctx, conv, "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = Open(ctx, config.StoreConfig{Driver: "mongo"})
	assert.Error(t, err)
}
