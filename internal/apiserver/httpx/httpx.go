// Package httpx 各 handler 共用的请求解析与 JSON 响应
package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
)

// maxBodyBytes 请求体上限
const maxBodyBytes = 1 << 20

// ErrorResponse 错误响应体
type ErrorResponse struct {
	Error  string              `json:"error"`
	Issues map[string][]string `json:"issues,omitempty"`
}

// WriteJSON 写入 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// WriteError 写入 {"error": msg}
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorResponse{Error: msg})
}

// WriteIssues 写入字段校验失败（400）
func WriteIssues(w http.ResponseWriter, issues map[string][]string) {
	WriteJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation failed", Issues: issues})
}

// DecodeJSON 解析请求体，空 body 保持 v 的零值
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// QueryInt 读取整数查询参数，缺省或非法时返回 def
func QueryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
