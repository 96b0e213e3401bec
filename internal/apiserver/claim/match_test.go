package claim

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"agents-dispatch/internal/shared/model"
)

func TestMatches(t *testing.T) {
	tests := []struct {
		name        string
		runner      model.RunnerPreference
		required    []string
		accountType model.AccountType
		caps        []string
		want        bool
	}{
		{"no requirements", model.RunnerAny, nil, model.AccountTypeService, nil, true},
		{"docker vs empty caps", model.RunnerAny, []string{"docker"}, model.AccountTypeService, []string{}, false},
		{"docker vs git", model.RunnerAny, []string{"docker"}, model.AccountTypeService, []string{"git"}, false},
		{"docker subset", model.RunnerAny, []string{"docker"}, model.AccountTypeService, []string{"git", "docker"}, true},
		{"all required", model.RunnerAny, []string{"docker", "node"}, model.AccountTypeService, []string{"docker"}, false},
		{"runner mismatch", model.RunnerAction, nil, model.AccountTypeService, nil, false},
		{"runner match", model.RunnerService, nil, model.AccountTypeService, nil, true},
		{"user claims anything", model.RunnerAction, nil, model.AccountTypeUser, nil, true},
		{"user still needs caps", model.RunnerAction, []string{"gpu"}, model.AccountTypeUser, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := &model.Task{RunnerPreference: tt.runner, RequiredCapabilities: tt.required}
			assert.Equal(t, tt.want, Matches(task, tt.accountType, tt.caps))
		})
	}
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "fix-login-bug", Slugify("Fix  login bug!"))
	assert.Equal(t, "feat-add-api-v2", Slugify("--feat: Add API v2--"))
	assert.Equal(t, "", Slugify("!!!"))
	assert.LessOrEqual(t, len(Slugify(strings.Repeat("abc ", 50))), maxSlugLen)
}

func TestBranchName(t *testing.T) {
	assert.Equal(t, "dispatch/3f2a9c1d-fix-flaky-test", BranchName("3f2a9c1d-7b4e-4d2a-9f0e-123456789abc", "Fix flaky test"))
	assert.Equal(t, "dispatch/task1-task", BranchName("task-1", ""))
	// 相同输入得到相同分支名
	assert.Equal(t, BranchName("abc", "Title"), BranchName("abc", "Title"))
}

func TestWorkerName(t *testing.T) {
	assert.Equal(t, "worker-3f2a9c1d", WorkerName("3f2a9c1d-7b4e-4d2a-9f0e-123456789abc"))
}
