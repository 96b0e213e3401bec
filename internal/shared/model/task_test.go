package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTask_ClaimValid(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	owner := "acc-1"
	future := now.Add(time.Minute)
	past := now.Add(-time.Minute)

	tests := []struct {
		name string
		task Task
		want bool
	}{
		{"unclaimed", Task{}, false},
		{"claimed without expiry", Task{ClaimedBy: &owner}, false},
		{"lease active", Task{ClaimedBy: &owner, ExpiresAt: &future}, true},
		{"lease expired", Task{ClaimedBy: &owner, ExpiresAt: &past}, false},
		{"expires exactly now", Task{ClaimedBy: &owner, ExpiresAt: &now}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.task.ClaimValid(now))
		})
	}
}

func TestAccount_AvailableSlots(t *testing.T) {
	assert.Equal(t, 2, (&Account{MaxConcurrentWorkers: 3, ActiveWorkers: 1}).AvailableSlots())
	assert.Equal(t, 0, (&Account{MaxConcurrentWorkers: 1, ActiveWorkers: 1}).AvailableSlots())
	assert.Equal(t, 0, (&Account{MaxConcurrentWorkers: 1, ActiveWorkers: 3}).AvailableSlots())
}
