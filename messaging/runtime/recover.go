// Package runtime contains goroutine supervision helpers shared by the
// long-lived dispatcher and consumer loops.
package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/rbasniak/painting-projects-management-sub003/messaging/log"
)

// PanicPolicy determines what happens after a recovered panic.
type PanicPolicy int

const (
	// KeepRunning logs the panic and lets the surrounding goroutine exit
	// normally.
	KeepRunning PanicPolicy = iota

	// CrashProcess re-panics after logging so the process supervisor can
	// restart it.
	CrashProcess
)

const maxLoggedStackLen = 4096

// RecoverAndLog recovers from a panic and logs it with a truncated stack
// trace. Use in defer statements for loop bodies where one poisoned cycle
// must not terminate the loop.
func RecoverAndLog(ctx context.Context, logger log.Logger, component, name string) {
	if r := recover(); r != nil {
		logPanic(ctx, logger, component, name, r, debug.Stack())
	}
}

// SafeGo runs fn in a goroutine with panic containment. The name identifies
// the goroutine in panic logs.
func SafeGo(logger log.Logger, name string, policy PanicPolicy, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logPanic(context.Background(), logger, "runtime", name, r, debug.Stack())

				if policy == CrashProcess {
					panic(r)
				}
			}
		}()

		fn()
	}()
}

func logPanic(ctx context.Context, logger log.Logger, component, name string, panicValue any, stack []byte) {
	if logger == nil {
		return
	}

	stackStr := string(stack)
	if len(stackStr) > maxLoggedStackLen {
		stackStr = stackStr[:maxLoggedStackLen] + "\n...[truncated]"
	}

	logger.Log(ctx, log.LevelError, "panic recovered",
		log.String("component", component),
		log.String("goroutine", name),
		log.String("panic", fmt.Sprintf("%v", panicValue)),
		log.String("stack", stackStr),
	)
}
