package util

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

// contextKey 是一个私有类型，用于避免 context key 的冲突
type contextKey string

const (
	traceIDKey   contextKey = "traceID"
	stationIDKey contextKey = "stationID"
)

// NewTraceID 生成一个随机的 Trace ID
// 每次工站操作 (开工/暂停/恢复/完工) 生成一个，贯穿主写入、订单汇总和质检请求
func NewTraceID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "failed-to-generate-trace-id"
	}
	return hex.EncodeToString(bytes)
}

// ContextWithTraceID 将 Trace ID 注入到 Context 中
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceIDFromContext 从 Context 中提取 Trace ID
func TraceIDFromContext(ctx context.Context) (string, bool) {
	traceID, ok := ctx.Value(traceIDKey).(string)
	return traceID, ok
}

// EnsureTraceID 如果 Context 中没有 Trace ID 则生成一个
func EnsureTraceID(ctx context.Context) (context.Context, string) {
	if id, ok := TraceIDFromContext(ctx); ok {
		return ctx, id
	}
	id := NewTraceID()
	return ContextWithTraceID(ctx, id), id
}

// ContextWithStation 记录发起操作的工站
func ContextWithStation(ctx context.Context, stationID string) context.Context {
	return context.WithValue(ctx, stationIDKey, stationID)
}

// StationFromContext 从 Context 中提取工站 ID
func StationFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(stationIDKey).(string)
	return id, ok
}
