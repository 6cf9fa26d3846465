package runtime

import "context"

// SafeGo launches fn in a goroutine protected by RecoverWithPolicy.
//
// Example:
//
//	runtime.SafeGo(logger, "listener-notify", runtime.KeepRunning, func() {
//	    listener.OnStateChange(name, from, to)
//	})
func SafeGo(logger Logger, name string, policy PanicPolicy, fn func()) {
	go func() {
		defer RecoverWithPolicy(logger, name, policy)

		fn()
	}()
}

// SafeGoWithContext launches fn in a goroutine protected by
// RecoverWithPolicyAndContext, without a component label.
func SafeGoWithContext(
	ctx context.Context,
	logger Logger,
	name string,
	policy PanicPolicy,
	fn func(context.Context),
) {
	SafeGoWithContextAndComponent(ctx, logger, "", name, policy, fn)
}

// SafeGoWithContextAndComponent launches fn in a goroutine with full panic
// observability: recovered panics are logged, counted under the component
// label, recorded on the span carried by ctx, and handled per policy.
//
// Example:
//
//	runtime.SafeGoWithContextAndComponent(ctx, logger, "cache", "cleanup_loop",
//	    runtime.KeepRunning, func(ctx context.Context) {
//	        store.runCleanupLoop(ctx)
//	    })
func SafeGoWithContextAndComponent(
	ctx context.Context,
	logger Logger,
	component, name string,
	policy PanicPolicy,
	fn func(context.Context),
) {
	go func() {
		defer RecoverWithPolicyAndContext(ctx, logger, component, name, policy)

		fn(ctx)
	}()
}
