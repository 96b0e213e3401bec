package eventbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMulti_FansOutAndJoinsErrors(t *testing.T) {
	ok := &RecordingNotifier{}
	bad := &RecordingNotifier{Err: errors.New("down")}
	m := Multi{ok, bad, NewNoOpNotifier()}

	err := m.NotifyTask(context.Background(), &TaskEvent{Type: EventTaskAssigned, TaskID: "t-1"})
	assert.ErrorContains(t, err, "down")
	assert.Len(t, ok.Events(), 1)
	assert.Len(t, bad.Events(), 1)
	assert.NoError(t, m.Close())
}

type blockingNotifier struct{}

func (blockingNotifier) Close() error { return nil }

func (blockingNotifier) NotifyTask(ctx context.Context, _ *TaskEvent) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestWithTimeout(t *testing.T) {
	n := WithTimeout(blockingNotifier{}, 10*time.Millisecond)
	err := n.NotifyTask(context.Background(), &TaskEvent{Type: EventTaskAvailable})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	inner := &RecordingNotifier{}
	assert.Same(t, inner, WithTimeout(inner, 0))
}
