package claim

import (
	"strings"

	"agents-dispatch/internal/shared/model"
)

// Matches 判断调用方能否认领该任务
//
// runner_preference 为 any 或与账号类型一致时可认领，user 账号不受偏好限制；
// required_capabilities 必须全部出现在调用方声明的能力中，空列表任何人都可认领。
func Matches(task *model.Task, accountType model.AccountType, capabilities []string) bool {
	if !runnerAllowed(task.RunnerPreference, accountType) {
		return false
	}
	if len(task.RequiredCapabilities) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		have[c] = struct{}{}
	}
	for _, need := range task.RequiredCapabilities {
		if _, ok := have[need]; !ok {
			return false
		}
	}
	return true
}

func runnerAllowed(pref model.RunnerPreference, accountType model.AccountType) bool {
	if accountType == model.AccountTypeUser {
		return true
	}
	return pref == "" || pref == model.RunnerAny || string(pref) == string(accountType)
}

const maxSlugLen = 40

// Slugify 把标题转成分支名可用的片段：小写字母数字，其余字符折叠为单个 "-"
func Slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
		if b.Len() >= maxSlugLen {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}

// shortID 取 ID 前 8 个字符（去掉分支名里不安全的字符）
func shortID(id string) string {
	s := Slugify(id)
	s = strings.ReplaceAll(s, "-", "")
	if len(s) > 8 {
		s = s[:8]
	}
	return s
}

// BranchName 由任务 ID 和标题确定性地生成分支名
// 格式：dispatch/{id 前 8 位}-{标题 slug}
func BranchName(taskID, title string) string {
	slug := Slugify(title)
	if slug == "" {
		slug = "task"
	}
	return "dispatch/" + shortID(taskID) + "-" + slug
}

// WorkerName Worker 展示名
func WorkerName(workerID string) string {
	return "worker-" + shortID(workerID)
}
