package nats

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agents-dispatch/internal/shared/eventbus"
)

func TestSubject(t *testing.T) {
	ev := &eventbus.TaskEvent{Type: eventbus.EventTaskAssigned, WorkspaceID: "ws-1"}
	assert.Equal(t, "dispatch.workspace.ws-1.task.assigned", Subject(ev))
}

func TestNotifier_Publish(t *testing.T) {
	url := os.Getenv("TEST_NATS_URL")
	if url == "" {
		url = nats.DefaultURL
	}
	n, err := NewNotifier(url, "dispatch-test")
	if err != nil {
		t.Skipf("NATS not available: %v", err)
	}
	defer n.Close()

	sub, err := n.nc.SubscribeSync("dispatch.workspace.ws-1.>")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, n.NotifyTask(context.Background(), &eventbus.TaskEvent{
		Type: eventbus.EventTaskAvailable, WorkspaceID: "ws-1", TaskID: "t-1", Timestamp: time.Now(),
	}))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "dispatch.workspace.ws-1.task.available", msg.Subject)

	var got eventbus.TaskEvent
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, "t-1", got.TaskID)
}
