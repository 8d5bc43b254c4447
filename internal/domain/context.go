package domain

import "context"

type cycleIDKey struct{}

// WithCycleID 把周期 ID 放进 ctx，执行器和日志用它关联同一周期的动作
func WithCycleID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, cycleIDKey{}, id)
}

// CycleIDFromContext 取周期 ID，没有时返回空串
func CycleIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(cycleIDKey{}).(string)
	return id
}
