// Package recovery — recovery.go
//
// The panic-catching boundary every external callback runs behind:
// CommBus command and query handlers. A panicking callback must not
// unwind into the kernel lock or corrupt the CommBus handler tables —
// Guard isolates it to its own goroutine-local recover, converts the
// panic to a types.Internal error, and reports it through a Notifier
// rather than touching kernel state directly. Modeled on the teacher's
// worker-goroutine recover pattern in internal/kernel.Processor,
// generalized from one fixed worker loop to any external callback.

package recovery

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/flowkernel/flowkernel/internal/types"
)

// Event describes one panic caught at an external-callback boundary.
type Event struct {
	Target string
	Reason string
	Stack  string
}

// Notifier is invoked exactly once per recovered panic. Implementations
// must not block and must not call back into the kernel synchronously;
// typically this publishes Event to the CommBus topic commbus.PanicTopic
// ("system.panic_recovered").
type Notifier func(Event)

// Guard invokes fn and converts any panic into a types.Internal error,
// calling notify (if non-nil) before returning. Only fn's own local
// effects are lost; the caller's state is untouched.
func Guard(target string, notify Notifier, fn func() (any, error)) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = reportPanic(target, r, notify)
			result = nil
		}
	}()
	return fn()
}

// GuardQuery is Guard's context-aware counterpart for query handlers,
// which receive the caller's timeout context.
func GuardQuery(ctx context.Context, target string, notify Notifier, fn func(context.Context) (any, error)) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = reportPanic(target, r, notify)
			result = nil
		}
	}()
	return fn(ctx)
}

func reportPanic(target string, r any, notify Notifier) error {
	reason := fmt.Sprintf("%v", r)
	stack := string(debug.Stack())
	if notify != nil {
		notify(Event{Target: target, Reason: reason, Stack: stack})
	}
	return types.ErrInternal(fmt.Sprintf("recovery: panic in external callback %q: %s", target, reason))
}
