// Package engine owns the shared wazero runtime of a function instance.
//
// One Engine exists per process. Guest modules are compiled and checked
// against the capability of their role, then instantiated by name:
//
//	eng := engine.New(ctx, engine.Config{})
//	defer eng.Close(ctx)
//
//	if err := eng.InitWASI(ctx); err != nil {
//	    return err
//	}
//	if _, err := eng.Load(ctx, "producer", producerWasm, engine.RoleSource, engine.Environ{}); err != nil {
//	    return err
//	}
//	if _, err := eng.Load(ctx, engine.MainModuleName, mainWasm, engine.RoleMain, env); err != nil {
//	    return err // e.g. [engine] missing_export in module main
//	}
//
// # Capabilities
//
// Roles carry export contracts, declared with WIT primitive types:
//
//	Role        Exports
//	─────────────────────────────────────────────────────────────
//	RoleMain    allocate_memory(s32) -> s32
//	            start(s32, s32) -> s64
//	            deallocate_memory(s32)
//	RoleSource  allocate() -> s32
//	            process_data()
//
// Both also export a memory named "memory". A module that misses an export
// or declares a different core signature fails at Compile, not at its
// first call.
//
// # Exclusive Access
//
// Module memory and exports are only reachable through a Session handed out
// by Engine.Do. Do serializes callers, so guest execution within one engine
// is strictly sequential. The session travels in the context passed to
// guest calls; a host function invoked from guest code can call Do with
// its own context and continue on the same session.
//
// # Thread Safety
//
// Engine is safe for concurrent use. Session is not; it belongs to the
// goroutine running the Do callback.
package engine
