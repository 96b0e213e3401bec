package task

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"agents-dispatch/internal/apiserver/auth"
	"agents-dispatch/internal/apiserver/httpx"
	"agents-dispatch/internal/shared/model"
)

var errContextNotObject = errors.New("context must be a JSON object")

// loadVisible 读取路径中的任务并检查调用方是否可见
//
// 账号可见：对任务工作区有任意授权，或是当前认领者。
func (h *Handler) loadVisible(w http.ResponseWriter, r *http.Request) (*model.Task, bool) {
	task, err := h.store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		h.internalError(w, err)
		return nil, false
	}
	if task == nil {
		httpx.WriteError(w, http.StatusNotFound, "task not found")
		return nil, false
	}

	p := auth.PrincipalFrom(r.Context())
	if p.Admin {
		return task, true
	}
	if task.ClaimedBy != nil && *task.ClaimedBy == p.AccountID() {
		return task, true
	}
	ok, err := h.hasGrant(r.Context(), p.AccountID(), task.WorkspaceID)
	if err != nil {
		h.internalError(w, err)
		return nil, false
	}
	if !ok {
		// 不暴露其他工作区任务是否存在
		httpx.WriteError(w, http.StatusNotFound, "task not found")
		return nil, false
	}
	return task, true
}

// hasGrant 账号对工作区是否有任意授权
func (h *Handler) hasGrant(ctx context.Context, accountID, workspaceID string) (bool, error) {
	grants, err := h.store.ListGrants(ctx, accountID)
	if err != nil {
		return false, err
	}
	for _, g := range grants {
		if g.WorkspaceID == workspaceID && (g.CanClaim || g.CanCreate) {
			return true, nil
		}
	}
	return false, nil
}

func (h *Handler) internalError(w http.ResponseWriter, err error) {
	h.log.WithError(err).Error("task.request.failed")
	httpx.WriteError(w, http.StatusInternalServerError, "internal error")
}

// validateContext context 为空、null 或 JSON 对象
func validateContext(raw json.RawMessage) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return errContextNotObject
	}
	return nil
}

// normalizeContext 空 context 统一为 nil
func normalizeContext(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}
