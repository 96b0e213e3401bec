package api

import "embed"

//go:embed openapi/*.yaml
var OpenAPIFS embed.FS

// DispatchSpec 返回 OpenAPI 文档原文
func DispatchSpec() ([]byte, error) {
	return OpenAPIFS.ReadFile("openapi/dispatch.yaml")
}
