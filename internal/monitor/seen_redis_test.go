//go:build integration

package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestRedisSeen(t *testing.T) {
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	seen, err := NewRedisSeen(ctx, &redis.Options{Addr: endpoint}, "test:", time.Minute)
	require.NoError(t, err)
	defer seen.Close()

	first, err := seen.MarkSeen(ctx, "sig")
	require.NoError(t, err)
	assert.True(t, first)

	again, err := seen.MarkSeen(ctx, "sig")
	require.NoError(t, err)
	assert.False(t, again)

	require.NoError(t, seen.Forget(ctx, "sig"))
	afterForget, err := seen.MarkSeen(ctx, "sig")
	require.NoError(t, err)
	assert.True(t, afterForget)
}
