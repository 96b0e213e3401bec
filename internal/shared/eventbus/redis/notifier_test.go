package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agents-dispatch/internal/shared/eventbus"
)

// newTestNotifier 连接本地 Redis，不可用时跳过
func newTestNotifier(t *testing.T) *Notifier {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379/15"
	}
	n, err := NewNotifier(context.Background(), url)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { n.Close() })
	return n
}

func TestNotifier_PublishAndRead(t *testing.T) {
	n := newTestNotifier(t)
	ctx := context.Background()
	ws := "ws-test-" + time.Now().Format("150405.000000")
	t.Cleanup(func() { n.client.Del(ctx, StreamKey(ws)) })

	require.NoError(t, n.NotifyTask(ctx, &eventbus.TaskEvent{
		Type: eventbus.EventTaskAvailable, WorkspaceID: ws, TaskID: "t-1", Timestamp: time.Now(),
	}))
	require.NoError(t, n.NotifyTask(ctx, &eventbus.TaskEvent{
		Type: eventbus.EventTaskAssigned, WorkspaceID: ws, TaskID: "t-1", WorkerID: "w-1", Timestamp: time.Now(),
	}))

	events, err := n.Recent(ctx, ws, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, eventbus.EventTaskAvailable, events[0].Type)
	assert.Equal(t, eventbus.EventTaskAssigned, events[1].Type)
	assert.Equal(t, "w-1", events[1].WorkerID)
}
