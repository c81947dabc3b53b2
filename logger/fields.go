package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across tessera.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity
	FieldJob       = "job"
	FieldExecutor  = "executor"
	FieldNamespace = "namespace"
	FieldSession   = "session"
	FieldLeader    = "leader"
	FieldOwner     = "owner"

	// Sharding and execution
	FieldItem       = "item"
	FieldItems      = "items"
	FieldTotalCount = "sharding_total_count"
	FieldFireTime   = "fire_time"
	FieldNextFire   = "next_fire_time"
	FieldFailover   = "failover"

	// Components
	FieldComponent = "component"
	FieldHandler   = "handler"

	// Operations
	FieldOperation = "operation"
	FieldPath      = "path"
	FieldURL       = "url"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError = "error"

	// Status
	FieldStatus = "status"
	FieldState  = "state"
	FieldCount  = "count"
)

// Context keys for propagating logging context
type contextKey string

const (
	jobKey       contextKey = "logger_job"
	executorKey  contextKey = "logger_executor"
	componentKey contextKey = "logger_component"
)

// WithJob adds a job name to the context for logging
func WithJob(ctx context.Context, job string) context.Context {
	return context.WithValue(ctx, jobKey, job)
}

// WithExecutor adds an executor name to the context for logging
func WithExecutor(ctx context.Context, executor string) context.Context {
	return context.WithValue(ctx, executorKey, executor)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if job, ok := ctx.Value(jobKey).(string); ok && job != "" {
		fields = append(fields, FieldJob, job)
	}
	if executor, ok := ctx.Value(executorKey).(string); ok && executor != "" {
		fields = append(fields, FieldExecutor, executor)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// LoggerFromContext returns a logger with fields extracted from context.
func LoggerFromContext(ctx context.Context) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return Logger
	}
	return Logger.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	type Service struct {
//	    logger *zap.SugaredLogger
//	}
//
//	func NewService() *Service {
//	    return &Service{
//	        logger: logger.ComponentLogger("pulse.sharding"),
//	    }
//	}
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// JobLogger scopes a component logger to one job on one executor.
func JobLogger(parent *zap.SugaredLogger, job, executor string) *zap.SugaredLogger {
	return parent.With(FieldJob, job, FieldExecutor, executor)
}
