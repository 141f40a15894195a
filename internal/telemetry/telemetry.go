// Package telemetry is the structured, context-carrying logger used across the
// federation node. It mirrors the teacher's logtrace package: a global zap
// logger, a Fields map for structured attributes, and a correlation id carried
// on the context so a single request can be traced across components.
package telemetry

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Fields is a structured set of log attributes.
type Fields map[string]interface{}

type ctxKey int

const (
	correlationIDKey ctxKey = iota
	roleKey
)

const (
	FieldError        = "error"
	FieldComponent     = "component"
	FieldRole          = "role"
	FieldRequestID     = "request_id"
	FieldPeerID        = "peer_id"
	FieldUsername      = "username"
	FieldWorkerIP      = "worker_ip"
	FieldMiningPoolUID = "mining_pool_uid"
	FieldDurationMS    = "duration_ms"
	FieldJob           = "job"
)

var (
	mu     sync.RWMutex
	logger *zap.Logger
)

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	logger = l
}

// Setup installs a named, leveled production logger. Safe to call once at
// process start; subsequent calls replace the global logger.
func Setup(service string, env string, level zapcore.Level) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.InitialFields = map[string]interface{}{
		"service": service,
		"env":     env,
	}
	l, err := cfg.Build()
	if err != nil {
		return
	}
	mu.Lock()
	logger = l
	mu.Unlock()
}

func current() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// CtxWithCorrelationID attaches a correlation id to the context so that every
// log line emitted while handling this request can be grouped together.
func CtxWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationID returns the correlation id carried on ctx, or "" if unset.
func CorrelationID(ctx context.Context) string {
	v, _ := ctx.Value(correlationIDKey).(string)
	return v
}

// CtxWithRole attaches the node's run mode (worker/miner/validator) to ctx.
func CtxWithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleKey, role)
}

func zapFields(ctx context.Context, extra Fields) []zap.Field {
	fields := make([]zap.Field, 0, len(extra)+2)
	if cid := CorrelationID(ctx); cid != "" {
		fields = append(fields, zap.String(FieldRequestID, cid))
	}
	if role, ok := ctx.Value(roleKey).(string); ok && role != "" {
		fields = append(fields, zap.String(FieldRole, role))
	}
	for k, v := range extra {
		fields = append(fields, zap.Any(k, v))
	}
	return fields
}

func Info(ctx context.Context, msg string, fields Fields) {
	current().Info(msg, zapFields(ctx, fields)...)
}

func Warn(ctx context.Context, msg string, fields Fields) {
	current().Warn(msg, zapFields(ctx, fields)...)
}

func Error(ctx context.Context, msg string, fields Fields) {
	current().Error(msg, zapFields(ctx, fields)...)
}

func Debug(ctx context.Context, msg string, fields Fields) {
	current().Debug(msg, zapFields(ctx, fields)...)
}

// Sync flushes any buffered log entries; call on shutdown.
func Sync() error {
	return current().Sync()
}
