package health

import (
	"context"
)

// EnforcementProbe is the part of the lockdown core the enforcement
// check reads.
type EnforcementProbe interface {
	ActiveSessions() []string
	IsEnforcementActive(ctx context.Context) bool
}

// EnforcementCheck reports degraded when sessions are active but screen
// pinning is not. With no active session, pinning being off is expected.
func EnforcementCheck(p EnforcementProbe) Func {
	return func(ctx context.Context) Result {
		active := p.ActiveSessions()
		pinned := p.IsEnforcementActive(ctx)
		details := map[string]interface{}{
			"active_sessions": len(active),
			"pinned":          pinned,
		}

		if len(active) > 0 && !pinned {
			return Result{Status: StatusDegraded, Message: "sessions active without screen pinning", Details: details}
		}
		return Result{Status: StatusHealthy, Details: details}
	}
}

// PingCheck wraps a store ping. Any error is unhealthy.
func PingCheck(ping func(ctx context.Context) error) Func {
	return func(ctx context.Context) Result {
		if err := ping(ctx); err != nil {
			return Result{Status: StatusUnhealthy, Message: "archive unreachable", Error: err.Error()}
		}
		return Result{Status: StatusHealthy}
	}
}
