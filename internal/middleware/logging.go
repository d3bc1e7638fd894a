// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"log/slog"
	"time"
)

// AuditLog は監査ログの構造体。
type AuditLog struct {
	Operation   string `json:"operation"`
	EntityClass string `json:"entity_class,omitempty"`
	EntityID    string `json:"entity_id,omitempty"`
	KeyID       string `json:"key_id,omitempty"`
	Result      string `json:"result"`
	Timestamp   string `json:"timestamp"`
}

// WriteAuditLog は監査ログを出力する。
func WriteAuditLog(ctx context.Context, operation, entityClass, entityID, keyID, result string) {
	slog.InfoContext(ctx, "key operation completed",
		"operation", operation,
		"entity_class", entityClass,
		"entity_id", entityID,
		"key_id", keyID,
		"result", result,
		"timestamp", time.Now().UTC().Format(time.RFC3339),
	)
}
