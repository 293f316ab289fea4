// ABOUTME: Error taxonomy shared by the heap, safepoint, mark and gc packages
// ABOUTME: Protocol violations are fatal: they are logged and then abort via panic

// Package fault defines the fatal error class of the collector. A
// ProtocolViolation means an internal invariant was broken, almost always
// because a mutator kept running inside a pause. Continuing could free a
// reachable object, so the only response is to abort.
package fault

import (
	"fmt"
	"log/slog"
)

// ProtocolViolation describes a broken collector invariant
type ProtocolViolation struct {
	Op     string // operation that detected the violation (e.g. "safepoint.Poll")
	Detail string // human readable description
}

func (v *ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation in %s: %s", v.Op, v.Detail)
}

// Abort logs the violation at error level and panics with it.
// It never returns.
func Abort(logger *slog.Logger, op, format string, args ...any) {
	v := &ProtocolViolation{Op: op, Detail: fmt.Sprintf(format, args...)}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("aborting on protocol violation", "op", v.Op, "detail", v.Detail)
	panic(v)
}
